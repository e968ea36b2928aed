// Package report exports scored leads to spreadsheets.
package report

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lead-enrich/internal/model"
)

// SheetName is the name of the exported worksheet.
const SheetName = "Leads"

// DefaultLimit caps how many leads one export reads.
const DefaultLimit = 5000

// Header is the first row of the export.
var Header = []string{
	"Name", "Address", "Phone", "Rating", "Reviews", "Website", "Website Status",
	"Mobile Performance", "Tier", "Score", "Intervention", "Angle", "Reasons",
}

// Store is the read surface the export needs.
type Store interface {
	ListLeads(ctx context.Context, filter model.LeadFilter) ([]model.Lead, error)
	GetWebsiteCheck(ctx context.Context, leadID string) (*model.WebsiteCheckResult, error)
	LatestPerformanceAudit(ctx context.Context, leadID string, strategy model.Strategy) (*model.PerformanceAudit, error)
	LatestVerdict(ctx context.Context, leadID string) (*model.Verdict, error)
	LatestScore(ctx context.Context, leadID string) (*model.ScoreRecord, error)
}

// Filter narrows the exported leads. Nil pointers do not filter.
type Filter struct {
	Tier              model.Tier
	MinRating         float64
	HasWebsite        *bool
	NeedsIntervention *bool
	Limit             int
}

// Row is one exported lead with its latest enrichment records.
type Row struct {
	Lead    model.Lead
	Check   *model.WebsiteCheckResult
	Audit   *model.PerformanceAudit
	Verdict *model.Verdict
	Score   *model.ScoreRecord
}

// Collect loads leads and their latest records, applies f and orders the
// result by score, highest first. Unscored leads sort last.
func Collect(ctx context.Context, st Store, f Filter) ([]Row, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	leads, err := st.ListLeads(ctx, model.LeadFilter{Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "report: list leads")
	}

	var rows []Row
	for _, l := range leads {
		if f.MinRating > 0 && l.RatingValue() < f.MinRating {
			continue
		}
		if f.HasWebsite != nil && (l.Website() != "") != *f.HasWebsite {
			continue
		}

		r := Row{Lead: l}
		if r.Score, err = st.LatestScore(ctx, l.ID); err != nil {
			return nil, eris.Wrapf(err, "report: score for %s", l.ID)
		}
		if f.Tier != "" && (r.Score == nil || r.Score.Tier != f.Tier) {
			continue
		}
		if r.Verdict, err = st.LatestVerdict(ctx, l.ID); err != nil {
			return nil, eris.Wrapf(err, "report: verdict for %s", l.ID)
		}
		if f.NeedsIntervention != nil && (r.Verdict == nil || r.Verdict.NeedsIntervention != *f.NeedsIntervention) {
			continue
		}
		if r.Check, err = st.GetWebsiteCheck(ctx, l.ID); err != nil {
			return nil, eris.Wrapf(err, "report: website check for %s", l.ID)
		}
		if r.Audit, err = st.LatestPerformanceAudit(ctx, l.ID, model.StrategyMobile); err != nil {
			return nil, eris.Wrapf(err, "report: audit for %s", l.ID)
		}
		rows = append(rows, r)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return scoreOf(rows[i]) > scoreOf(rows[j])
	})
	return rows, nil
}

func scoreOf(r Row) int {
	if r.Score == nil {
		return -1
	}
	return r.Score.Score
}

// Cells renders a row in Header order.
func (r Row) Cells() []string {
	l := r.Lead
	cells := []string{
		l.Name,
		l.Address,
		deref(l.Phone),
		"",
		"",
		l.Website(),
		"",
		"",
		"",
		"",
		"NO",
		"",
		"",
	}
	if l.Rating != nil {
		cells[3] = strconv.FormatFloat(*l.Rating, 'f', -1, 64)
	}
	if l.ReviewCount != nil {
		cells[4] = strconv.Itoa(*l.ReviewCount)
	}
	if r.Check != nil {
		cells[6] = string(r.Check.Status)
	}
	if r.Audit != nil && r.Audit.Performance != nil {
		cells[7] = strconv.Itoa(*r.Audit.Performance)
	}
	if r.Score != nil {
		cells[8] = string(r.Score.Tier)
		cells[9] = strconv.Itoa(r.Score.Score)
	}
	if r.Verdict != nil {
		if r.Verdict.NeedsIntervention {
			cells[10] = "YES"
		}
		cells[11] = string(r.Verdict.OfferAngle)
		cells[12] = strings.Join(r.Verdict.Reasons, "; ")
	}
	return cells
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// WriteXLSX saves rows as a single-sheet workbook at path.
func WriteXLSX(path string, rows []Row) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "report: add sheet")
	}

	addRow(sheet, Header)
	for _, r := range rows {
		addRow(sheet, r.Cells())
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, values []string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

// Export collects and writes leads in one step and returns how many rows
// were written.
func Export(ctx context.Context, st Store, f Filter, path string) (int, error) {
	rows, err := Collect(ctx, st, f)
	if err != nil {
		return 0, err
	}
	if err := WriteXLSX(path, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}
