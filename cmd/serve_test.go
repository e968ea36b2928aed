package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/pipeline"
	"github.com/sells-group/lead-enrich/internal/queue"
	"github.com/sells-group/lead-enrich/internal/store"
	"github.com/sells-group/lead-enrich/internal/usage"
)

type apiFixture struct {
	store  *store.SQLiteStore
	queue  *queue.Memory
	router http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	q := queue.NewMemory(3)
	orch := pipeline.NewOrchestrator(q, nil)
	gate := usage.NewGate(st, map[string]int{usage.MetricPSIAudit: 400})
	return &apiFixture{store: st, queue: q, router: buildRouter(st, orch, gate)}
}

func (f *apiFixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func TestBuildRouter_Health(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestBuildRouter_GetLead(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	lead := &model.Lead{PlaceID: "p1", Name: "Klinik Gigi"}
	_, err := f.store.UpsertLead(ctx, lead)
	require.NoError(t, err)
	require.NoError(t, f.store.InsertScore(ctx, &model.ScoreRecord{
		LeadID: lead.ID, Score: 60, Tier: model.TierB, Breakdown: map[string]int{"no_website": 50, "high_rating": 10},
	}))

	rr := f.do(t, http.MethodGet, "/leads/"+lead.ID)
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Lead         model.Lead                `json:"lead"`
		Score        *model.ScoreRecord        `json:"score"`
		WebsiteCheck *model.WebsiteCheckResult `json:"website_check"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "Klinik Gigi", body.Lead.Name)
	require.NotNil(t, body.Score)
	assert.Equal(t, 60, body.Score.Score)
	assert.Nil(t, body.WebsiteCheck)
}

func TestBuildRouter_GetLead_NotFound(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/leads/missing")

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "lead not found")
}

func TestBuildRouter_Trigger(t *testing.T) {
	f := newAPIFixture(t)
	lead := &model.Lead{PlaceID: "p1", Name: "Cafe Kita"}
	_, err := f.store.UpsertLead(context.Background(), lead)
	require.NoError(t, err)

	var first, second map[string]any
	rr := f.do(t, http.MethodPost, "/leads/"+lead.ID+"/trigger")
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &first))
	assert.Equal(t, "accepted", first["status"])
	assert.Equal(t, false, first["deduped"])

	rr = f.do(t, http.MethodPost, "/leads/"+lead.ID+"/trigger")
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &second))
	assert.Equal(t, true, second["deduped"])

	jobs := f.queue.Jobs(queue.StatusQueued)
	require.Len(t, jobs, 1)
	assert.Equal(t, string(pipeline.StageWebsiteCheck), jobs[0].Stage)
	assert.Equal(t, lead.ID, jobs[0].LeadID)
}

func TestBuildRouter_Trigger_UnknownLead(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodPost, "/leads/missing/trigger")

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Empty(t, f.queue.Jobs(queue.StatusQueued))
}

func TestBuildRouter_Usage(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/usage")
	require.Equal(t, http.StatusOK, rr.Code)

	var body []usageResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body, len(usage.Metrics))
	for i, m := range usage.Metrics {
		assert.Equal(t, m, body[i].Metric)
		assert.Zero(t, body[i].Count)
	}
	assert.Equal(t, 400, body[1].Limit)
}

func TestBuildRouter_CORS(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
