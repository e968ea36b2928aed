package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrich/internal/db"
	"github.com/sells-group/lead-enrich/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
	raw  *pgxpool.Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, raw: pool}, nil
}

// Pool returns the underlying pool so the job queue can share it.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if s.raw == nil {
		return eris.New("postgres: migrate requires a live pool")
	}
	sqlDB := stdlib.OpenDBFromPool(s.raw)
	defer sqlDB.Close() //nolint:errcheck
	return applyMigrations(ctx, sqlDB, goose.DialectPostgres, "postgres")
}

func (s *PostgresStore) Close() error {
	if s.raw != nil {
		s.raw.Close()
	}
	return nil
}

const leadColumns = `id, place_id, name, category, lat, lng, rating, review_count, website_url, phone, address, maps_url, socials, reviews, status, created_at, updated_at`

func scanPostgresLead(row pgx.Row) (*model.Lead, error) {
	var l model.Lead
	var socials, reviews []byte
	err := row.Scan(&l.ID, &l.PlaceID, &l.Name, &l.Category, &l.Lat, &l.Lng, &l.Rating, &l.ReviewCount,
		&l.WebsiteURL, &l.Phone, &l.Address, &l.MapsURL, &socials, &reviews, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeLeadJSON(&l, socials, reviews); err != nil {
		return nil, err
	}
	return &l, nil
}

func decodeLeadJSON(l *model.Lead, socials, reviews []byte) error {
	if len(socials) > 0 {
		if err := json.Unmarshal(socials, &l.Socials); err != nil {
			return eris.Wrap(err, "store: unmarshal socials")
		}
	}
	if len(reviews) > 0 {
		if err := json.Unmarshal(reviews, &l.Reviews); err != nil {
			return eris.Wrap(err, "store: unmarshal reviews")
		}
	}
	return nil
}

func encodeLeadJSON(l *model.Lead) (socials, reviews []byte, err error) {
	s := l.Socials
	if s == nil {
		s = map[string]string{}
	}
	socials, err = json.Marshal(s)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal socials")
	}
	r := l.Reviews
	if r == nil {
		r = []model.Review{}
	}
	reviews, err = json.Marshal(r)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: marshal reviews")
	}
	return socials, reviews, nil
}

// UpsertLead inserts or refreshes a lead keyed by place id. Status and
// socials of an existing lead are left untouched. lead.ID is set to the
// stored id.
func (s *PostgresStore) UpsertLead(ctx context.Context, lead *model.Lead) (bool, error) {
	ensureID(&lead.ID)
	if lead.Status == "" {
		lead.Status = model.LeadStatusNew
	}
	socials, reviews, err := encodeLeadJSON(lead)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()

	var created bool
	err = s.pool.QueryRow(ctx,
		`INSERT INTO leads (id, place_id, name, category, lat, lng, rating, review_count, website_url, phone, address, maps_url, socials, reviews, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
		ON CONFLICT (place_id) DO UPDATE SET
			name = EXCLUDED.name, category = EXCLUDED.category, lat = EXCLUDED.lat, lng = EXCLUDED.lng,
			rating = EXCLUDED.rating, review_count = EXCLUDED.review_count, website_url = EXCLUDED.website_url,
			phone = EXCLUDED.phone, address = EXCLUDED.address, maps_url = EXCLUDED.maps_url,
			reviews = EXCLUDED.reviews, updated_at = EXCLUDED.updated_at
		RETURNING id, (xmax = 0)`,
		lead.ID, lead.PlaceID, lead.Name, lead.Category, lead.Lat, lead.Lng, lead.Rating, lead.ReviewCount,
		lead.WebsiteURL, lead.Phone, lead.Address, lead.MapsURL, socials, reviews, string(lead.Status), now,
	).Scan(&lead.ID, &created)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: upsert lead %s", lead.PlaceID)
	}
	return created, nil
}

var leadUpsertColumns = []string{
	"id", "place_id", "name", "category", "lat", "lng", "rating", "review_count",
	"website_url", "phone", "address", "maps_url", "reviews", "status", "created_at", "updated_at",
}

// UpsertLeads bulk-upserts a discovery batch and returns the ids of leads
// that did not exist before.
func (s *PostgresStore) UpsertLeads(ctx context.Context, leads []model.Lead) ([]string, error) {
	if len(leads) == 0 {
		return nil, nil
	}

	placeIDs := make([]string, len(leads))
	for i := range leads {
		placeIDs[i] = leads[i].PlaceID
	}
	existing, err := s.leadIDsByPlace(ctx, placeIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(leads))
	for i := range leads {
		l := &leads[i]
		ensureID(&l.ID)
		if l.Status == "" {
			l.Status = model.LeadStatusNew
		}
		_, reviews, err := encodeLeadJSON(l)
		if err != nil {
			return nil, err
		}
		rows = append(rows, []any{
			l.ID, l.PlaceID, l.Name, l.Category, l.Lat, l.Lng, l.Rating, l.ReviewCount,
			l.WebsiteURL, l.Phone, l.Address, l.MapsURL, reviews, string(l.Status), now, now,
		})
	}

	_, err = db.BulkUpsert(ctx, s.pool, db.Upsert{
		Table:   "leads",
		Columns: leadUpsertColumns,
		Key:     []string{"place_id"},
		Update: []string{
			"name", "category", "lat", "lng", "rating", "review_count",
			"website_url", "phone", "address", "maps_url", "reviews", "updated_at",
		},
	}, rows)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: bulk upsert leads")
	}

	stored, err := s.leadIDsByPlace(ctx, placeIDs)
	if err != nil {
		return nil, err
	}
	var newIDs []string
	for i := range leads {
		pid := leads[i].PlaceID
		if id, ok := stored[pid]; ok {
			leads[i].ID = id
		}
		if _, had := existing[pid]; !had {
			newIDs = append(newIDs, leads[i].ID)
		}
	}
	return newIDs, nil
}

func (s *PostgresStore) leadIDsByPlace(ctx context.Context, placeIDs []string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT place_id, id FROM leads WHERE place_id = ANY($1)`, placeIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lead ids by place")
	}
	defer rows.Close()

	out := make(map[string]string, len(placeIDs))
	for rows.Next() {
		var pid, id string
		if err := rows.Scan(&pid, &id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead id")
		}
		out[pid] = id
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate lead ids")
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*model.Lead, error) {
	l, err := scanPostgresLead(s.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get lead %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lead %s", id)
	}
	return l, nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, filter model.LeadFilter) ([]model.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.Category != "" {
		query += fmt.Sprintf(` AND category = $%d`, argIdx)
		args = append(args, filter.Category)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	return s.queryLeads(ctx, "list leads", query, args...)
}

// LeadsInBounds returns leads inside box, excluding excludeID. An empty
// category matches every category.
func (s *PostgresStore) LeadsInBounds(ctx context.Context, box model.BBox, category, excludeID string) ([]model.Lead, error) {
	return s.queryLeads(ctx, "leads in bounds",
		`SELECT `+leadColumns+` FROM leads
		WHERE lat BETWEEN $1 AND $2 AND lng BETWEEN $3 AND $4
		AND id <> $5 AND ($6::text = '' OR category = $6)`,
		box.MinLat, box.MaxLat, box.MinLng, box.MaxLng, excludeID, category,
	)
}

func (s *PostgresStore) queryLeads(ctx context.Context, op, query string, args ...any) ([]model.Lead, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var leads []model.Lead
	for rows.Next() {
		l, err := scanPostgresLead(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan lead (%s)", op)
		}
		leads = append(leads, *l)
	}
	return leads, eris.Wrapf(rows.Err(), "postgres: iterate leads (%s)", op)
}

func (s *PostgresStore) UpdateLeadSocials(ctx context.Context, id string, socials map[string]string) error {
	b, err := json.Marshal(socials)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal socials")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET socials = $1, updated_at = $2 WHERE id = $3`,
		b, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update socials %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: update socials %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateLeadStatus(ctx context.Context, id string, status model.LeadStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: update status %s", id)
	}
	return nil
}

func (s *PostgresStore) AdvanceLeadStatus(ctx context.Context, id string, status model.LeadStatus) (bool, error) {
	owned := make([]string, len(model.PipelineStatuses))
	for i, st := range model.PipelineStatuses {
		owned[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET status = $1, updated_at = $2 WHERE id = $3 AND status = ANY($4)`,
		string(status), time.Now().UTC(), id, owned,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: advance status %s", id)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpsertWebsiteCheck(ctx context.Context, r *model.WebsiteCheckResult) error {
	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO website_checks (lead_id, status, resolved_url, https, http_status, error, transport, checked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (lead_id) DO UPDATE SET
			status = EXCLUDED.status, resolved_url = EXCLUDED.resolved_url, https = EXCLUDED.https,
			http_status = EXCLUDED.http_status, error = EXCLUDED.error, transport = EXCLUDED.transport,
			checked_at = EXCLUDED.checked_at`,
		r.LeadID, string(r.Status), r.ResolvedURL, r.HTTPS, r.HTTPStatus, r.Error, r.Transport, r.CheckedAt,
	)
	return eris.Wrapf(err, "postgres: upsert website check %s", r.LeadID)
}

func (s *PostgresStore) GetWebsiteCheck(ctx context.Context, leadID string) (*model.WebsiteCheckResult, error) {
	var r model.WebsiteCheckResult
	err := s.pool.QueryRow(ctx,
		`SELECT lead_id, status, resolved_url, https, http_status, error, transport, checked_at FROM website_checks WHERE lead_id = $1`,
		leadID,
	).Scan(&r.LeadID, &r.Status, &r.ResolvedURL, &r.HTTPS, &r.HTTPStatus, &r.Error, &r.Transport, &r.CheckedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get website check %s", leadID)
	}
	return &r, nil
}

func (s *PostgresStore) InsertPerformanceAudit(ctx context.Context, a *model.PerformanceAudit) error {
	ensureID(&a.ID)
	if a.FetchedAt.IsZero() {
		a.FetchedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO performance_audits (id, lead_id, strategy, performance, seo, accessibility, best_practices, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.LeadID, string(a.Strategy), a.Performance, a.SEO, a.Accessibility, a.BestPractices, a.FetchedAt,
	)
	return eris.Wrapf(err, "postgres: insert performance audit %s", a.LeadID)
}

func (s *PostgresStore) LatestPerformanceAudit(ctx context.Context, leadID string, strategy model.Strategy) (*model.PerformanceAudit, error) {
	var a model.PerformanceAudit
	err := s.pool.QueryRow(ctx,
		`SELECT id, lead_id, strategy, performance, seo, accessibility, best_practices, fetched_at
		FROM performance_audits WHERE lead_id = $1 AND strategy = $2 ORDER BY fetched_at DESC LIMIT 1`,
		leadID, string(strategy),
	).Scan(&a.ID, &a.LeadID, &a.Strategy, &a.Performance, &a.SEO, &a.Accessibility, &a.BestPractices, &a.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest performance audit %s", leadID)
	}
	return &a, nil
}

func (s *PostgresStore) InsertScreenshot(ctx context.Context, sc *model.Screenshot) error {
	ensureID(&sc.ID)
	if sc.CapturedAt.IsZero() {
		sc.CapturedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO screenshots (id, lead_id, viewport, path, final_url, captured_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		sc.ID, sc.LeadID, string(sc.Viewport), sc.Path, sc.FinalURL, sc.CapturedAt,
	)
	return eris.Wrapf(err, "postgres: insert screenshot %s", sc.LeadID)
}

func (s *PostgresStore) LatestScreenshots(ctx context.Context, leadID string) (map[model.Viewport]model.Screenshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (viewport) id, lead_id, viewport, path, final_url, captured_at
		FROM screenshots WHERE lead_id = $1 ORDER BY viewport, captured_at DESC`,
		leadID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest screenshots %s", leadID)
	}
	defer rows.Close()

	out := make(map[model.Viewport]model.Screenshot)
	for rows.Next() {
		var sc model.Screenshot
		if err := rows.Scan(&sc.ID, &sc.LeadID, &sc.Viewport, &sc.Path, &sc.FinalURL, &sc.CapturedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan screenshot")
		}
		out[sc.Viewport] = sc
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate screenshots")
}

func (s *PostgresStore) InsertUxAudit(ctx context.Context, r *model.UxAuditResult) error {
	ensureID(&r.ID)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	channels, blockers, err := encodeStringLists(r.Channels, r.Blockers)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO ux_audits (id, lead_id, time_to_contact_ms, clicks_to_contact, channels, blockers, evidence_path, final_url, viewport, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.LeadID, r.TimeToContactMS, r.ClicksToContact, channels, blockers, r.EvidencePath, r.FinalURL, string(r.Viewport), r.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert ux audit %s", r.LeadID)
}

func (s *PostgresStore) LatestUxAudit(ctx context.Context, leadID string) (*model.UxAuditResult, error) {
	var r model.UxAuditResult
	var channels, blockers []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, lead_id, time_to_contact_ms, clicks_to_contact, channels, blockers, evidence_path, final_url, viewport, created_at
		FROM ux_audits WHERE lead_id = $1 ORDER BY created_at DESC LIMIT 1`,
		leadID,
	).Scan(&r.ID, &r.LeadID, &r.TimeToContactMS, &r.ClicksToContact, &channels, &blockers, &r.EvidencePath, &r.FinalURL, &r.Viewport, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest ux audit %s", leadID)
	}
	if err := decodeStringLists(channels, &r.Channels, blockers, &r.Blockers); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) InsertBenchmark(ctx context.Context, b *model.CompetitorBenchmark) error {
	ensureID(&b.ID)
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	competitors, stats, err := encodeBenchmark(b)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO competitor_benchmarks (id, lead_id, radius_km, competitors, stats, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.LeadID, b.RadiusKM, competitors, stats, b.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert benchmark %s", b.LeadID)
}

func (s *PostgresStore) LatestBenchmark(ctx context.Context, leadID string) (*model.CompetitorBenchmark, error) {
	var b model.CompetitorBenchmark
	var competitors, stats []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, lead_id, radius_km, competitors, stats, created_at
		FROM competitor_benchmarks WHERE lead_id = $1 ORDER BY created_at DESC LIMIT 1`,
		leadID,
	).Scan(&b.ID, &b.LeadID, &b.RadiusKM, &competitors, &stats, &b.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest benchmark %s", leadID)
	}
	if err := decodeBenchmark(&b, competitors, stats); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) InsertVerdict(ctx context.Context, v *model.Verdict) error {
	ensureID(&v.ID)
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	reasons, quickWins, err := encodeStringLists(v.Reasons, v.QuickWins)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO verdicts (id, lead_id, needs_intervention, severity, reasons, quick_wins, offer_angle, model_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		v.ID, v.LeadID, v.NeedsIntervention, string(v.Severity), reasons, quickWins, string(v.OfferAngle), v.ModelName, v.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert verdict %s", v.LeadID)
}

func (s *PostgresStore) LatestVerdict(ctx context.Context, leadID string) (*model.Verdict, error) {
	var v model.Verdict
	var reasons, quickWins []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, lead_id, needs_intervention, severity, reasons, quick_wins, offer_angle, model_name, created_at
		FROM verdicts WHERE lead_id = $1 ORDER BY created_at DESC LIMIT 1`,
		leadID,
	).Scan(&v.ID, &v.LeadID, &v.NeedsIntervention, &v.Severity, &reasons, &quickWins, &v.OfferAngle, &v.ModelName, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest verdict %s", leadID)
	}
	if err := decodeStringLists(reasons, &v.Reasons, quickWins, &v.QuickWins); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *PostgresStore) InsertScore(ctx context.Context, sc *model.ScoreRecord) error {
	ensureID(&sc.ID)
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	breakdown, err := json.Marshal(sc.Breakdown)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal breakdown")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scores (id, lead_id, score, tier, breakdown, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		sc.ID, sc.LeadID, sc.Score, string(sc.Tier), breakdown, sc.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert score %s", sc.LeadID)
}

func (s *PostgresStore) LatestScore(ctx context.Context, leadID string) (*model.ScoreRecord, error) {
	var sc model.ScoreRecord
	var breakdown []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, lead_id, score, tier, breakdown, created_at FROM scores WHERE lead_id = $1 ORDER BY created_at DESC LIMIT 1`,
		leadID,
	).Scan(&sc.ID, &sc.LeadID, &sc.Score, &sc.Tier, &breakdown, &sc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest score %s", leadID)
	}
	if err := json.Unmarshal(breakdown, &sc.Breakdown); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal breakdown")
	}
	return &sc, nil
}

// IncrementUsage adds amount to the (date, metric) counter only when the
// result stays within limit. The check and the write are one statement, so
// concurrent callers cannot overshoot the limit.
func (s *PostgresStore) IncrementUsage(ctx context.Context, date, metric string, amount, limit int) (int, bool, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`INSERT INTO usage_counters (usage_date, metric, count)
		SELECT $1::text, $2::text, $3::int WHERE $3::int <= $4::int
		ON CONFLICT (usage_date, metric) DO UPDATE SET count = usage_counters.count + EXCLUDED.count
		WHERE usage_counters.count + EXCLUDED.count <= $4::int
		RETURNING count`,
		date, metric, amount, limit,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "postgres: increment usage %s", metric)
	}
	return count, true, nil
}

func (s *PostgresStore) GetUsage(ctx context.Context, date, metric string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count FROM usage_counters WHERE usage_date = $1 AND metric = $2`,
		date, metric,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: get usage %s", metric)
	}
	return count, nil
}
