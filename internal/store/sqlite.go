package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-enrich/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db, goose.DialectSQLite3, "sqlite")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteLead(row scannable) (*model.Lead, error) {
	var l model.Lead
	var socials, reviews string
	err := row.Scan(&l.ID, &l.PlaceID, &l.Name, &l.Category, &l.Lat, &l.Lng, &l.Rating, &l.ReviewCount,
		&l.WebsiteURL, &l.Phone, &l.Address, &l.MapsURL, &socials, &reviews, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeLeadJSON(&l, []byte(socials), []byte(reviews)); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLiteStore) UpsertLead(ctx context.Context, lead *model.Lead) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin upsert lead")
	}
	defer tx.Rollback() //nolint:errcheck

	created, err := upsertSQLiteLead(ctx, tx, lead, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return created, eris.Wrap(tx.Commit(), "sqlite: commit upsert lead")
}

// UpsertLeads upserts each lead in one transaction and returns the ids of
// leads that did not exist before.
func (s *SQLiteStore) UpsertLeads(ctx context.Context, leads []model.Lead) ([]string, error) {
	if len(leads) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert leads")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var newIDs []string
	for i := range leads {
		created, err := upsertSQLiteLead(ctx, tx, &leads[i], now)
		if err != nil {
			return nil, err
		}
		if created {
			newIDs = append(newIDs, leads[i].ID)
		}
	}
	return newIDs, eris.Wrap(tx.Commit(), "sqlite: commit upsert leads")
}

func upsertSQLiteLead(ctx context.Context, tx *sql.Tx, lead *model.Lead, now time.Time) (bool, error) {
	var existingID string
	err := tx.QueryRowContext(ctx, `SELECT id FROM leads WHERE place_id = ?`, lead.PlaceID).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, eris.Wrapf(err, "sqlite: lookup lead %s", lead.PlaceID)
	}

	if lead.Status == "" {
		lead.Status = model.LeadStatusNew
	}
	socials, reviews, err := encodeLeadJSON(lead)
	if err != nil {
		return false, err
	}

	if existingID != "" {
		lead.ID = existingID
		_, err = tx.ExecContext(ctx,
			`UPDATE leads SET name = ?, category = ?, lat = ?, lng = ?, rating = ?, review_count = ?,
				website_url = ?, phone = ?, address = ?, maps_url = ?, reviews = ?, updated_at = ?
			WHERE id = ?`,
			lead.Name, lead.Category, lead.Lat, lead.Lng, lead.Rating, lead.ReviewCount,
			lead.WebsiteURL, lead.Phone, lead.Address, lead.MapsURL, string(reviews), now, lead.ID,
		)
		return false, eris.Wrapf(err, "sqlite: update lead %s", lead.PlaceID)
	}

	ensureID(&lead.ID)
	lead.CreatedAt, lead.UpdatedAt = now, now
	_, err = tx.ExecContext(ctx,
		`INSERT INTO leads (id, place_id, name, category, lat, lng, rating, review_count, website_url, phone, address, maps_url, socials, reviews, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, lead.PlaceID, lead.Name, lead.Category, lead.Lat, lead.Lng, lead.Rating, lead.ReviewCount,
		lead.WebsiteURL, lead.Phone, lead.Address, lead.MapsURL, string(socials), string(reviews),
		string(lead.Status), now, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert lead %s", lead.PlaceID)
	}
	return true, nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := scanSQLiteLead(s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get lead %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lead %s", id)
	}
	return l, nil
}

func (s *SQLiteStore) ListLeads(ctx context.Context, filter model.LeadFilter) ([]model.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return s.queryLeads(ctx, "list leads", query, args...)
}

func (s *SQLiteStore) LeadsInBounds(ctx context.Context, box model.BBox, category, excludeID string) ([]model.Lead, error) {
	return s.queryLeads(ctx, "leads in bounds",
		`SELECT `+leadColumns+` FROM leads
		WHERE lat BETWEEN ? AND ? AND lng BETWEEN ? AND ?
		AND id <> ? AND (? = '' OR category = ?)`,
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng, excludeID, category, category,
	)
}

func (s *SQLiteStore) queryLeads(ctx context.Context, op, query string, args ...any) ([]model.Lead, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var leads []model.Lead
	for rows.Next() {
		l, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan lead (%s)", op)
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrapf(rows.Err(), "sqlite: iterate leads (%s)", op)
}

func (s *SQLiteStore) UpdateLeadSocials(ctx context.Context, id string, socials map[string]string) error {
	b, err := json.Marshal(socials)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal socials")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET socials = ?, updated_at = ? WHERE id = ?`,
		string(b), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update socials %s", id)
	}
	return checkRowsAffected(res, "update socials", id)
}

func (s *SQLiteStore) UpdateLeadStatus(ctx context.Context, id string, status model.LeadStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update status %s", id)
	}
	return checkRowsAffected(res, "update status", id)
}

func (s *SQLiteStore) AdvanceLeadStatus(ctx context.Context, id string, status model.LeadStatus) (bool, error) {
	args := []any{string(status), time.Now().UTC(), id}
	marks := make([]string, len(model.PipelineStatuses))
	for i, st := range model.PipelineStatuses {
		marks[i] = "?"
		args = append(args, string(st))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+strings.Join(marks, ", ")+`)`,
		args...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: advance status %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: advance status %s", id)
	}
	return n > 0, nil
}

func (s *SQLiteStore) UpsertWebsiteCheck(ctx context.Context, r *model.WebsiteCheckResult) error {
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO website_checks (lead_id, status, resolved_url, https, http_status, error, transport, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (lead_id) DO UPDATE SET
			status = excluded.status, resolved_url = excluded.resolved_url, https = excluded.https,
			http_status = excluded.http_status, error = excluded.error, transport = excluded.transport,
			checked_at = excluded.checked_at`,
		r.LeadID, string(r.Status), r.ResolvedURL, r.HTTPS, r.HTTPStatus, r.Error, r.Transport, r.CheckedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert website check %s", r.LeadID)
}

func (s *SQLiteStore) GetWebsiteCheck(ctx context.Context, leadID string) (*model.WebsiteCheckResult, error) {
	var r model.WebsiteCheckResult
	err := s.db.QueryRowContext(ctx,
		`SELECT lead_id, status, resolved_url, https, http_status, error, transport, checked_at FROM website_checks WHERE lead_id = ?`,
		leadID,
	).Scan(&r.LeadID, &r.Status, &r.ResolvedURL, &r.HTTPS, &r.HTTPStatus, &r.Error, &r.Transport, &r.CheckedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get website check %s", leadID)
	}
	return &r, nil
}

func (s *SQLiteStore) InsertPerformanceAudit(ctx context.Context, a *model.PerformanceAudit) error {
	ensureID(&a.ID)
	if a.FetchedAt.IsZero() {
		a.FetchedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO performance_audits (id, lead_id, strategy, performance, seo, accessibility, best_practices, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.LeadID, string(a.Strategy), a.Performance, a.SEO, a.Accessibility, a.BestPractices, a.FetchedAt,
	)
	return eris.Wrapf(err, "sqlite: insert performance audit %s", a.LeadID)
}

func (s *SQLiteStore) LatestPerformanceAudit(ctx context.Context, leadID string, strategy model.Strategy) (*model.PerformanceAudit, error) {
	var a model.PerformanceAudit
	err := s.db.QueryRowContext(ctx,
		`SELECT id, lead_id, strategy, performance, seo, accessibility, best_practices, fetched_at
		FROM performance_audits WHERE lead_id = ? AND strategy = ? ORDER BY fetched_at DESC, rowid DESC LIMIT 1`,
		leadID, string(strategy),
	).Scan(&a.ID, &a.LeadID, &a.Strategy, &a.Performance, &a.SEO, &a.Accessibility, &a.BestPractices, &a.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest performance audit %s", leadID)
	}
	return &a, nil
}

func (s *SQLiteStore) InsertScreenshot(ctx context.Context, sc *model.Screenshot) error {
	ensureID(&sc.ID)
	if sc.CapturedAt.IsZero() {
		sc.CapturedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO screenshots (id, lead_id, viewport, path, final_url, captured_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.LeadID, string(sc.Viewport), sc.Path, sc.FinalURL, sc.CapturedAt,
	)
	return eris.Wrapf(err, "sqlite: insert screenshot %s", sc.LeadID)
}

func (s *SQLiteStore) LatestScreenshots(ctx context.Context, leadID string) (map[model.Viewport]model.Screenshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lead_id, viewport, path, final_url, captured_at
		FROM screenshots WHERE lead_id = ? ORDER BY captured_at DESC, rowid DESC`,
		leadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest screenshots %s", leadID)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.Viewport]model.Screenshot)
	for rows.Next() {
		var sc model.Screenshot
		if err := rows.Scan(&sc.ID, &sc.LeadID, &sc.Viewport, &sc.Path, &sc.FinalURL, &sc.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan screenshot")
		}
		if _, seen := out[sc.Viewport]; !seen {
			out[sc.Viewport] = sc
		}
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate screenshots")
}

func (s *SQLiteStore) InsertUxAudit(ctx context.Context, r *model.UxAuditResult) error {
	ensureID(&r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	channels, blockers, err := encodeStringLists(r.Channels, r.Blockers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ux_audits (id, lead_id, time_to_contact_ms, clicks_to_contact, channels, blockers, evidence_path, final_url, viewport, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.LeadID, r.TimeToContactMS, r.ClicksToContact, string(channels), string(blockers),
		r.EvidencePath, r.FinalURL, string(r.Viewport), r.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert ux audit %s", r.LeadID)
}

func (s *SQLiteStore) LatestUxAudit(ctx context.Context, leadID string) (*model.UxAuditResult, error) {
	var r model.UxAuditResult
	var channels, blockers string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, lead_id, time_to_contact_ms, clicks_to_contact, channels, blockers, evidence_path, final_url, viewport, created_at
		FROM ux_audits WHERE lead_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		leadID,
	).Scan(&r.ID, &r.LeadID, &r.TimeToContactMS, &r.ClicksToContact, &channels, &blockers, &r.EvidencePath, &r.FinalURL, &r.Viewport, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest ux audit %s", leadID)
	}
	if err := decodeStringLists([]byte(channels), &r.Channels, []byte(blockers), &r.Blockers); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) InsertBenchmark(ctx context.Context, b *model.CompetitorBenchmark) error {
	ensureID(&b.ID)
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	competitors, stats, err := encodeBenchmark(b)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO competitor_benchmarks (id, lead_id, radius_km, competitors, stats, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.LeadID, b.RadiusKM, string(competitors), string(stats), b.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert benchmark %s", b.LeadID)
}

func (s *SQLiteStore) LatestBenchmark(ctx context.Context, leadID string) (*model.CompetitorBenchmark, error) {
	var b model.CompetitorBenchmark
	var competitors, stats string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, lead_id, radius_km, competitors, stats, created_at
		FROM competitor_benchmarks WHERE lead_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		leadID,
	).Scan(&b.ID, &b.LeadID, &b.RadiusKM, &competitors, &stats, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest benchmark %s", leadID)
	}
	if err := decodeBenchmark(&b, []byte(competitors), []byte(stats)); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) InsertVerdict(ctx context.Context, v *model.Verdict) error {
	ensureID(&v.ID)
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	reasons, quickWins, err := encodeStringLists(v.Reasons, v.QuickWins)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO verdicts (id, lead_id, needs_intervention, severity, reasons, quick_wins, offer_angle, model_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.LeadID, v.NeedsIntervention, string(v.Severity), string(reasons), string(quickWins),
		string(v.OfferAngle), v.ModelName, v.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert verdict %s", v.LeadID)
}

func (s *SQLiteStore) LatestVerdict(ctx context.Context, leadID string) (*model.Verdict, error) {
	var v model.Verdict
	var reasons, quickWins string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, lead_id, needs_intervention, severity, reasons, quick_wins, offer_angle, model_name, created_at
		FROM verdicts WHERE lead_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		leadID,
	).Scan(&v.ID, &v.LeadID, &v.NeedsIntervention, &v.Severity, &reasons, &quickWins, &v.OfferAngle, &v.ModelName, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest verdict %s", leadID)
	}
	if err := decodeStringLists([]byte(reasons), &v.Reasons, []byte(quickWins), &v.QuickWins); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLiteStore) InsertScore(ctx context.Context, sc *model.ScoreRecord) error {
	ensureID(&sc.ID)
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	breakdown, err := json.Marshal(sc.Breakdown)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal breakdown")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scores (id, lead_id, score, tier, breakdown, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.LeadID, sc.Score, string(sc.Tier), string(breakdown), sc.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert score %s", sc.LeadID)
}

func (s *SQLiteStore) LatestScore(ctx context.Context, leadID string) (*model.ScoreRecord, error) {
	var sc model.ScoreRecord
	var breakdown string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, lead_id, score, tier, breakdown, created_at FROM scores WHERE lead_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		leadID,
	).Scan(&sc.ID, &sc.LeadID, &sc.Score, &sc.Tier, &breakdown, &sc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest score %s", leadID)
	}
	if err := json.Unmarshal([]byte(breakdown), &sc.Breakdown); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal breakdown")
	}
	return &sc, nil
}

// IncrementUsage is the SQLite form of the conditional upsert. The WHERE on
// the SELECT is required for SQLite to parse the ON CONFLICT clause.
func (s *SQLiteStore) IncrementUsage(ctx context.Context, date, metric string, amount, limit int) (int, bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO usage_counters (usage_date, metric, count)
		SELECT ?1, ?2, ?3 WHERE ?3 <= ?4
		ON CONFLICT (usage_date, metric) DO UPDATE SET count = usage_counters.count + excluded.count
		WHERE usage_counters.count + excluded.count <= ?4
		RETURNING count`,
		date, metric, amount, limit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "sqlite: increment usage %s", metric)
	}
	return count, true, nil
}

func (s *SQLiteStore) GetUsage(ctx context.Context, date, metric string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM usage_counters WHERE usage_date = ? AND metric = ?`,
		date, metric,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: get usage %s", metric)
	}
	return count, nil
}

func checkRowsAffected(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", op, id)
	}
	return nil
}
