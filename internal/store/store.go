// Package store persists leads, enrichment records and usage counters.
package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrich/internal/model"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = eris.New("store: not found")

// Store defines the persistence interface for the enrichment pipeline.
// Latest* lookups return nil, nil when no record exists yet.
type Store interface {
	// Leads
	UpsertLead(ctx context.Context, lead *model.Lead) (created bool, err error)
	UpsertLeads(ctx context.Context, leads []model.Lead) (newIDs []string, err error)
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	ListLeads(ctx context.Context, filter model.LeadFilter) ([]model.Lead, error)
	LeadsInBounds(ctx context.Context, box model.BBox, category, excludeID string) ([]model.Lead, error)
	UpdateLeadSocials(ctx context.Context, id string, socials map[string]string) error
	UpdateLeadStatus(ctx context.Context, id string, status model.LeadStatus) error
	// AdvanceLeadStatus sets status only while the lead still carries one
	// of model.PipelineStatuses. It reports whether the row changed.
	AdvanceLeadStatus(ctx context.Context, id string, status model.LeadStatus) (bool, error)

	// Website checks (one row per lead)
	UpsertWebsiteCheck(ctx context.Context, r *model.WebsiteCheckResult) error
	GetWebsiteCheck(ctx context.Context, leadID string) (*model.WebsiteCheckResult, error)

	// Append-only enrichment records
	InsertPerformanceAudit(ctx context.Context, a *model.PerformanceAudit) error
	LatestPerformanceAudit(ctx context.Context, leadID string, strategy model.Strategy) (*model.PerformanceAudit, error)
	InsertScreenshot(ctx context.Context, s *model.Screenshot) error
	LatestScreenshots(ctx context.Context, leadID string) (map[model.Viewport]model.Screenshot, error)
	InsertUxAudit(ctx context.Context, r *model.UxAuditResult) error
	LatestUxAudit(ctx context.Context, leadID string) (*model.UxAuditResult, error)
	InsertBenchmark(ctx context.Context, b *model.CompetitorBenchmark) error
	LatestBenchmark(ctx context.Context, leadID string) (*model.CompetitorBenchmark, error)
	InsertVerdict(ctx context.Context, v *model.Verdict) error
	LatestVerdict(ctx context.Context, leadID string) (*model.Verdict, error)
	InsertScore(ctx context.Context, s *model.ScoreRecord) error
	LatestScore(ctx context.Context, leadID string) (*model.ScoreRecord, error)

	// Usage counters
	IncrementUsage(ctx context.Context, date, metric string, amount, limit int) (count int, ok bool, err error)
	GetUsage(ctx context.Context, date, metric string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func newID() string {
	return uuid.New().String()
}

// ensureID assigns a fresh id when the record has none.
func ensureID(id *string) {
	if *id == "" {
		*id = newID()
	}
}
