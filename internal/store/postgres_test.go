package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrich/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_IncrementUsage_Allowed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO usage_counters .* ON CONFLICT \(usage_date, metric\) DO UPDATE .* RETURNING count`).
		WithArgs("2026-10-16", "PSI_AUDIT", 1, 100).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(42))

	count, ok, err := s.IncrementUsage(context.Background(), "2026-10-16", "PSI_AUDIT", 1, 100)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementUsage_DeniedReturnsNoRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO usage_counters`).
		WithArgs("2026-10-16", "LLM_VERDICT", 1, 50).
		WillReturnError(pgx.ErrNoRows)

	count, ok, err := s.IncrementUsage(context.Background(), "2026-10-16", "LLM_VERDICT", 1, 50)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementUsage_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO usage_counters`).
		WillReturnError(errors.New("connection reset"))

	_, ok, err := s.IncrementUsage(context.Background(), "2026-10-16", "LLM_VERDICT", 1, 50)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "increment usage")
}

func TestPostgresStore_GetUsage_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT count FROM usage_counters WHERE usage_date = \$1 AND metric = \$2`).
		WithArgs("2026-10-16", "PSI_AUDIT").
		WillReturnError(pgx.ErrNoRows)

	n, err := s.GetUsage(context.Background(), "2026-10-16", "PSI_AUDIT")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLead_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, place_id, name .* FROM leads WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetLead(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetLead_DecodesJSON(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"id", "place_id", "name", "category", "lat", "lng", "rating", "review_count",
		"website_url", "phone", "address", "maps_url", "socials", "reviews", "status", "created_at", "updated_at",
	}).AddRow(
		"lead-1", "place-1", "Kedai Kopi", "cafe", model.Ptr(3.14), model.Ptr(101.69), model.Ptr(4.6), model.Ptr(120),
		model.Ptr("https://kopi.example"), (*string)(nil), "Jalan 1", "https://maps.example/1",
		[]byte(`{"facebook":"https://facebook.com/kopi"}`), []byte(`[{"rating":5,"text":"great"}]`),
		model.LeadStatusNew, now, now,
	)
	mock.ExpectQuery(`FROM leads WHERE id = \$1`).WithArgs("lead-1").WillReturnRows(rows)

	l, err := s.GetLead(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "Kedai Kopi", l.Name)
	assert.Equal(t, "https://facebook.com/kopi", l.Socials["facebook"])
	require.Len(t, l.Reviews, 1)
	assert.Equal(t, "great", l.Reviews[0].Text)
	assert.Nil(t, l.Phone)
	assert.Equal(t, 120, l.ReviewCountValue())
}

func TestPostgresStore_UpsertLead_Created(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO leads .* ON CONFLICT \(place_id\) DO UPDATE SET .* RETURNING id, \(xmax = 0\)`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created"}).AddRow("lead-1", true))

	lead := &model.Lead{PlaceID: "place-1", Name: "Kedai Kopi"}
	created, err := s.UpsertLead(context.Background(), lead)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "lead-1", lead.ID)
	assert.Equal(t, model.LeadStatusNew, lead.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertLeads_ReportsOnlyNewIDs(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT place_id, id FROM leads WHERE place_id = ANY\(\$1\)`).
		WillReturnRows(pgxmock.NewRows([]string{"place_id", "id"}).AddRow("place-old", "lead-old"))
	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_stage_leads"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_leads"}, leadUpsertColumns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "leads" .* ON CONFLICT \("place_id"\) DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT place_id, id FROM leads WHERE place_id = ANY\(\$1\)`).
		WillReturnRows(pgxmock.NewRows([]string{"place_id", "id"}).
			AddRow("place-old", "lead-old").
			AddRow("place-new", "lead-new"))

	leads := []model.Lead{
		{PlaceID: "place-old", Name: "Old"},
		{PlaceID: "place-new", Name: "New", ID: "lead-new"},
	}
	newIDs, err := s.UpsertLeads(context.Background(), leads)
	require.NoError(t, err)
	assert.Equal(t, []string{"lead-new"}, newIDs)
	assert.Equal(t, "lead-old", leads[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateLeadStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET status = \$1`).
		WithArgs("scored", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateLeadStatus(context.Background(), "missing", model.LeadStatusScored)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPostgresStore_AdvanceLeadStatus_OnlyPipelineStatuses(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE leads SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status = ANY\(\$4\)`).
		WithArgs("scored", pgxmock.AnyArg(), "lead-1", []string{"new", "enriching", "scored"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	changed, err := s.AdvanceLeadStatus(context.Background(), "lead-1", model.LeadStatusScored)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertWebsiteCheck(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO website_checks .* ON CONFLICT \(lead_id\) DO UPDATE SET`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	r := &model.WebsiteCheckResult{LeadID: "lead-1", Status: model.WebsiteOK, HTTPS: true, HTTPStatus: model.Ptr(200)}
	require.NoError(t, s.UpsertWebsiteCheck(context.Background(), r))
	assert.False(t, r.CheckedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestRecords_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	mock.ExpectQuery(`FROM website_checks WHERE lead_id = \$1`).WithArgs("lead-1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM performance_audits WHERE lead_id = \$1 AND strategy = \$2`).WithArgs("lead-1", "mobile").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM verdicts WHERE lead_id = \$1`).WithArgs("lead-1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM scores WHERE lead_id = \$1`).WithArgs("lead-1").WillReturnError(pgx.ErrNoRows)

	wc, err := s.GetWebsiteCheck(ctx, "lead-1")
	require.NoError(t, err)
	assert.Nil(t, wc)

	pa, err := s.LatestPerformanceAudit(ctx, "lead-1", model.StrategyMobile)
	require.NoError(t, err)
	assert.Nil(t, pa)

	v, err := s.LatestVerdict(ctx, "lead-1")
	require.NoError(t, err)
	assert.Nil(t, v)

	sc, err := s.LatestScore(ctx, "lead-1")
	require.NoError(t, err)
	assert.Nil(t, sc)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestScreenshots_DistinctOnViewport(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT DISTINCT ON \(viewport\)`).
		WithArgs("lead-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "lead_id", "viewport", "path", "final_url", "captured_at"}).
			AddRow("s1", "lead-1", model.ViewportDesktop, "evidence/lead-1/1-desktop.png", "https://a.example", now).
			AddRow("s2", "lead-1", model.ViewportMobile, "evidence/lead-1/1-mobile.png", "https://a.example", now))

	shots, err := s.LatestScreenshots(context.Background(), "lead-1")
	require.NoError(t, err)
	require.Len(t, shots, 2)
	assert.Equal(t, "evidence/lead-1/1-mobile.png", shots[model.ViewportMobile].Path)
}

func TestPostgresStore_Migrate_RequiresPool(t *testing.T) {
	s, _ := newMockPostgresStore(t)
	err := s.Migrate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live pool")
}
