package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/lead-enrich/internal/evidence"
	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/queue"
	"github.com/sells-group/lead-enrich/internal/scorer"
	"github.com/sells-group/lead-enrich/internal/store"
	"github.com/sells-group/lead-enrich/internal/usage"
	"github.com/sells-group/lead-enrich/internal/verdict"
	"github.com/sells-group/lead-enrich/pkg/browser"
	"github.com/sells-group/lead-enrich/pkg/pagespeed"
	"github.com/sells-group/lead-enrich/pkg/places"
	"github.com/sells-group/lead-enrich/pkg/places/mocks"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func newTestGate(st *store.SQLiteStore, overrides map[string]int) *usage.Gate {
	limits := map[string]int{}
	for _, m := range usage.Metrics {
		limits[m] = 100
	}
	for k, v := range overrides {
		limits[k] = v
	}
	return usage.NewGate(st, limits)
}

func usedToday(t *testing.T, g *usage.Gate, metric string) int {
	t.Helper()
	count, _, err := g.Usage(context.Background(), metric)
	require.NoError(t, err)
	return count
}

func saveLead(t *testing.T, st *store.SQLiteStore, lead *model.Lead) *model.Lead {
	t.Helper()
	_, err := st.UpsertLead(context.Background(), lead)
	require.NoError(t, err)
	return lead
}

func leadJob(stage Stage, leadID string) *queue.Job {
	return &queue.Job{ID: "job-" + leadID, Stage: string(stage), LeadID: leadID}
}

type fakeChecker struct {
	status model.WebsiteStatus
	err    error
}

func (f *fakeChecker) Check(_ context.Context, lead *model.Lead, _ string) (*model.WebsiteCheckResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.WebsiteCheckResult{LeadID: lead.ID, Status: f.status}, nil
}

type fakePSI struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakePSI) RunAudit(_ context.Context, pageURL, strategy string) (*pagespeed.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, strategy+" "+pageURL)
	if err := f.fail[pageURL]; err != nil {
		return nil, err
	}
	return &pagespeed.Result{
		Performance:   model.Ptr(35),
		SEO:           model.Ptr(0),
		Accessibility: model.Ptr(88),
	}, nil
}

type fakeCapturer struct {
	fail map[string]error
}

func (f *fakeCapturer) Capture(_ context.Context, url string, p browser.Profile) (*browser.Capture, error) {
	if err := f.fail[p.Name]; err != nil {
		return nil, err
	}
	return &browser.Capture{PNG: []byte("png-" + p.Name), FinalURL: url}, nil
}

type fakeUx struct {
	calls int
	err   error
}

func (f *fakeUx) Audit(_ context.Context, leadID, url string) (*model.UxAuditResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.UxAuditResult{LeadID: leadID, FinalURL: url, Channels: []string{model.ChannelPhone}}, nil
}

type fakeVerdicts struct {
	in  verdict.Input
	out *model.Verdict
	err error
}

func (f *fakeVerdicts) Generate(_ context.Context, in verdict.Input) (*model.Verdict, error) {
	f.in = in
	return f.out, f.err
}

type fakeBench struct {
	out *model.CompetitorBenchmark
}

func (f *fakeBench) Run(_ context.Context, lead *model.Lead, radiusKM float64) (*model.CompetitorBenchmark, error) {
	if f.out != nil {
		f.out.LeadID = lead.ID
		f.out.RadiusKM = radiusKM
	}
	return f.out, nil
}

func details(id, name, site string) *places.Details {
	return &places.Details{
		ID:              id,
		DisplayName:     places.DisplayName{Text: name},
		PrimaryType:     "dentist",
		WebsiteURI:      site,
		Rating:          model.Ptr(4.5),
		UserRatingCount: model.Ptr(120),
		Location:        &places.LatLng{Latitude: 3.139, Longitude: 101.6869},
	}
}

func TestDiscover_PaginatesDedupesAndSaves(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gate := newTestGate(st, nil)
	pl := mocks.NewMockClient(t)

	pl.On("SearchText", mock.Anything, "dentist", "").Return(&places.SearchResponse{
		Places:        []places.Place{{ID: "p1"}, {ID: "p2"}},
		NextPageToken: "page-2",
	}, nil).Once()
	pl.On("SearchText", mock.Anything, "dentist", "page-2").Return(&places.SearchResponse{
		Places: []places.Place{{ID: "p2"}, {ID: "p3"}},
	}, nil).Once()
	pl.On("GetDetails", mock.Anything, "p1").Return(details("p1", "Klinik Gigi Satu", "klinik1.my"), nil).Once()
	pl.On("GetDetails", mock.Anything, "p2").Return(nil, errors.New("not found")).Once()
	pl.On("GetDetails", mock.Anything, "p3").Return(details("p3", "", ""), nil).Once()

	h := NewHandlers(Deps{Store: st, Gate: gate, Places: pl}, Settings{})
	job := &queue.Job{Stage: string(StageDiscover), Payload: map[string]string{PayloadQuery: "dentist"}}

	outcome, ids, err := h.Discover(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Len(t, ids, 2)
	assert.Equal(t, 3, usedToday(t, gate, usage.MetricDiscoverPlaces))

	leads, err := st.ListLeads(ctx, model.LeadFilter{})
	require.NoError(t, err)
	require.Len(t, leads, 2)

	// A rerun reports existing leads until their website has been checked.
	first := ids[0]
	pl.On("SearchText", mock.Anything, "dentist", "").Return(&places.SearchResponse{
		Places: []places.Place{{ID: "p1"}},
	}, nil).Twice()
	pl.On("GetDetails", mock.Anything, "p1").Return(details("p1", "Klinik Gigi Satu", "klinik1.my"), nil).Twice()

	outcome, ids, err = h.Discover(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, []string{first}, ids)

	require.NoError(t, st.UpsertWebsiteCheck(ctx, &model.WebsiteCheckResult{LeadID: first, Status: model.WebsiteOK}))
	outcome, ids, err = h.Discover(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Empty(t, ids)
	leads, err = st.ListLeads(ctx, model.LeadFilter{})
	require.NoError(t, err)
	assert.Len(t, leads, 2)
}

// brokenOnce fails its first Enqueue and then behaves like the wrapped queue.
type brokenOnce struct {
	*queue.Memory
	failed bool
}

func (b *brokenOnce) Enqueue(ctx context.Context, job queue.Job) (bool, error) {
	if !b.failed {
		b.failed = true
		return false, errors.New("broker unavailable")
	}
	return b.Memory.Enqueue(ctx, job)
}

func TestDiscover_RedeliveryEnqueuesUncheckedLeads(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	pl := mocks.NewMockClient(t)

	pl.On("SearchText", mock.Anything, "dentist", "").Return(&places.SearchResponse{
		Places: []places.Place{{ID: "p1"}, {ID: "p2"}},
	}, nil).Twice()
	pl.On("GetDetails", mock.Anything, "p1").Return(details("p1", "Klinik Satu", "satu.my"), nil).Twice()
	pl.On("GetDetails", mock.Anything, "p2").Return(details("p2", "Klinik Dua", ""), nil).Twice()

	m := queue.NewMemory(3)
	q := &brokenOnce{Memory: m}
	h := NewHandlers(Deps{Store: st, Gate: newTestGate(st, nil), Places: pl}, Settings{})
	o := NewOrchestrator(q, h.Funcs())
	job := &queue.Job{ID: "d1", Stage: string(StageDiscover), Payload: map[string]string{PayloadQuery: "dentist"}}

	require.Error(t, o.Handle(ctx, job))
	assert.Empty(t, m.Jobs(queue.StatusQueued))

	require.NoError(t, o.Handle(ctx, job))

	leads, err := st.ListLeads(ctx, model.LeadFilter{})
	require.NoError(t, err)
	require.Len(t, leads, 2)
	var want []string
	for _, l := range leads {
		want = append(want, string(StageWebsiteCheck)+":"+l.ID)
	}
	sort.Strings(want)
	assert.Equal(t, want, queuedStages(t, m))
}

func TestDiscover_StopsAtQuota(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	gate := newTestGate(st, map[string]int{usage.MetricDiscoverPlaces: 2})
	pl := mocks.NewMockClient(t)

	pl.On("SearchText", mock.Anything, "cafe", "").Return(&places.SearchResponse{
		Places: []places.Place{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}},
	}, nil).Once()
	pl.On("GetDetails", mock.Anything, "p1").Return(details("p1", "One", ""), nil).Once()
	pl.On("GetDetails", mock.Anything, "p2").Return(details("p2", "Two", ""), nil).Once()

	h := NewHandlers(Deps{Store: st, Gate: gate, Places: pl}, Settings{})
	outcome, ids, err := h.Discover(ctx, &queue.Job{Payload: map[string]string{PayloadQuery: "cafe"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Len(t, ids, 2)
	assert.Equal(t, 2, usedToday(t, gate, usage.MetricDiscoverPlaces))
}

func TestDiscover_QuotaExhausted(t *testing.T) {
	st := newTestStore(t)
	pl := mocks.NewMockClient(t)
	pl.On("SearchText", mock.Anything, "cafe", "").Return(&places.SearchResponse{
		Places: []places.Place{{ID: "p1"}},
	}, nil).Once()

	h := NewHandlers(Deps{Store: st, Gate: newTestGate(st, map[string]int{usage.MetricDiscoverPlaces: 0}), Places: pl}, Settings{})
	outcome, ids, err := h.Discover(context.Background(), &queue.Job{Payload: map[string]string{PayloadQuery: "cafe"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuotaExceeded, outcome)
	assert.Empty(t, ids)
}

func TestDiscover_MissingQuery(t *testing.T) {
	h := NewHandlers(Deps{}, Settings{})
	_, _, err := h.Discover(context.Background(), &queue.Job{})
	assert.Error(t, err)
}

func TestLeadFromDetails(t *testing.T) {
	d := details("p9", "", " https://klinik.my ")
	d.NationalPhoneNumber = "03-1234 5678"
	for i := 0; i < 7; i++ {
		d.Reviews = append(d.Reviews, places.Review{Rating: 5, Text: places.LocalText{Text: "great"}})
	}
	d.Reviews[0] = places.Review{Rating: 1, OriginalText: places.LocalText{Text: "slow"}, AuthorAttribution: places.Attribution{DisplayName: "Aminah"}}
	d.Reviews[1] = places.Review{Rating: 3}

	lead := LeadFromDetails(d)
	assert.Equal(t, "p9", lead.Name)
	assert.Equal(t, "https://klinik.my", lead.Website())
	assert.Equal(t, "03-1234 5678", *lead.Phone)
	assert.True(t, lead.HasCoordinates())
	assert.Equal(t, model.LeadStatusNew, lead.Status)
	require.Len(t, lead.Reviews, maxLeadReviews)
	assert.Equal(t, model.Review{Author: "Aminah", Rating: 1, Text: "slow"}, lead.Reviews[0])

	bare := LeadFromDetails(&places.Details{ID: "p0", DisplayName: places.DisplayName{Text: "Kedai"}})
	assert.Nil(t, bare.WebsiteURL)
	assert.Nil(t, bare.Phone)
	assert.False(t, bare.HasCoordinates())
}

func TestWebsiteCheck_Outcomes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	lead := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", WebsiteURL: model.Ptr("cafe.my")})

	for status, want := range map[model.WebsiteStatus]Outcome{
		model.WebsiteOK:        OutcomeWebsiteOK,
		model.WebsiteBroken:    OutcomeWebsiteDown,
		model.WebsiteNoWebsite: OutcomeWebsiteDown,
	} {
		h := NewHandlers(Deps{Store: st, Checker: &fakeChecker{status: status}}, Settings{})
		got, _, err := h.WebsiteCheck(ctx, leadJob(StageWebsiteCheck, lead.ID))
		require.NoError(t, err)
		assert.Equal(t, want, got, status)
	}

	got, err := st.GetLead(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusEnriching, got.Status)

	h := NewHandlers(Deps{Store: st, Checker: &fakeChecker{err: errors.New("db locked")}}, Settings{})
	_, _, err = h.WebsiteCheck(ctx, leadJob(StageWebsiteCheck, lead.ID))
	assert.Error(t, err)

	_, _, err = h.WebsiteCheck(ctx, leadJob(StageWebsiteCheck, "missing"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPerformanceAudit_UsesCacheAndResolvedURL(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	lead := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", WebsiteURL: model.Ptr("cafe.my")})
	require.NoError(t, st.UpsertWebsiteCheck(ctx, &model.WebsiteCheckResult{
		LeadID: lead.ID, Status: model.WebsiteOK, ResolvedURL: "https://www.cafe.my/", HTTPS: true,
	}))
	require.NoError(t, st.InsertPerformanceAudit(ctx, &model.PerformanceAudit{
		LeadID: lead.ID, Strategy: model.StrategyMobile, Performance: model.Ptr(90), FetchedAt: time.Now().UTC(),
	}))

	psi := &fakePSI{}
	gate := newTestGate(st, nil)
	h := NewHandlers(Deps{Store: st, Gate: gate, PageSpeed: psi}, Settings{PSICacheDays: 7})

	outcome, _, err := h.PerformanceAudit(ctx, leadJob(StagePerformanceAudit, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, []string{"desktop https://www.cafe.my/"}, psi.calls)
	assert.Equal(t, 1, usedToday(t, gate, usage.MetricPSIAudit))

	desktop, err := st.LatestPerformanceAudit(ctx, lead.ID, model.StrategyDesktop)
	require.NoError(t, err)
	require.NotNil(t, desktop)
	assert.Equal(t, 35, *desktop.Performance)
	assert.Equal(t, 0, *desktop.SEO)
	assert.Nil(t, desktop.BestPractices)

	// Both strategies are now cached.
	outcome, _, err = h.PerformanceAudit(ctx, leadJob(StagePerformanceAudit, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Len(t, psi.calls, 1)
}

func TestPerformanceAudit_StaleCacheRunsBoth(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	lead := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", WebsiteURL: model.Ptr("cafe.my")})
	require.NoError(t, st.InsertPerformanceAudit(ctx, &model.PerformanceAudit{
		LeadID: lead.ID, Strategy: model.StrategyMobile, FetchedAt: time.Now().UTC().Add(-8 * 24 * time.Hour),
	}))

	psi := &fakePSI{}
	h := NewHandlers(Deps{Store: st, Gate: newTestGate(st, nil), PageSpeed: psi}, Settings{PSICacheDays: 7})

	outcome, _, err := h.PerformanceAudit(ctx, leadJob(StagePerformanceAudit, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, []string{"mobile https://cafe.my", "desktop https://cafe.my"}, psi.calls)
}

func TestPerformanceAudit_QuotaAndNoWebsite(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	withSite := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", WebsiteURL: model.Ptr("cafe.my")})
	noSite := saveLead(t, st, &model.Lead{PlaceID: "p2", Name: "Kedai"})

	psi := &fakePSI{}
	h := NewHandlers(Deps{Store: st, Gate: newTestGate(st, map[string]int{usage.MetricPSIAudit: 0}), PageSpeed: psi}, Settings{})

	outcome, _, err := h.PerformanceAudit(ctx, leadJob(StagePerformanceAudit, withSite.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuotaExceeded, outcome)

	outcome, _, err = h.PerformanceAudit(ctx, leadJob(StagePerformanceAudit, noSite.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Empty(t, psi.calls)
}

func TestPerformanceAudit_PageSpeedError(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	lead := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", WebsiteURL: model.Ptr("https://down.my")})

	psi := &fakePSI{fail: map[string]error{"https://down.my": errors.New("pagespeed: unexpected status 500")}}
	h := NewHandlers(Deps{Store: st, Gate: newTestGate(st, nil), PageSpeed: psi}, Settings{})

	_, _, err := h.PerformanceAudit(ctx, leadJob(StagePerformanceAudit, lead.ID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestScreenshot_CapturesBothAndAudits(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	lead := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", WebsiteURL: model.Ptr("cafe.my")})

	gate := newTestGate(st, nil)
	ux := &fakeUx{}
	h := NewHandlers(Deps{
		Store:     st,
		Gate:      gate,
		Capturer:  &fakeCapturer{},
		UxAuditor: ux,
		Evidence:  evidence.NewStore(t.TempDir()),
	}, Settings{})

	outcome, _, err := h.Screenshot(ctx, leadJob(StageScreenshot, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, 1, ux.calls)
	assert.Equal(t, 3, usedToday(t, gate, usage.MetricCaptureScreenshot))

	shots, err := st.LatestScreenshots(ctx, lead.ID)
	require.NoError(t, err)
	require.Len(t, shots, 2)
	for _, vp := range []model.Viewport{model.ViewportMobile, model.ViewportDesktop} {
		shot := shots[vp]
		assert.Equal(t, "https://cafe.my", shot.FinalURL)
		data, err := os.ReadFile(shot.Path)
		require.NoError(t, err)
		assert.Equal(t, "png-"+string(vp), string(data))
	}
}

func TestScreenshot_PartialFailureStillDone(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	lead := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", WebsiteURL: model.Ptr("cafe.my")})

	ux := &fakeUx{err: errors.New("navigation timeout")}
	h := NewHandlers(Deps{
		Store:     st,
		Gate:      newTestGate(st, nil),
		Capturer:  &fakeCapturer{fail: map[string]error{"desktop": errors.New("tab crashed")}},
		UxAuditor: ux,
		Evidence:  evidence.NewStore(t.TempDir()),
	}, Settings{})

	outcome, _, err := h.Screenshot(ctx, leadJob(StageScreenshot, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	shots, err := st.LatestScreenshots(ctx, lead.ID)
	require.NoError(t, err)
	assert.Len(t, shots, 1)
	assert.Contains(t, shots, model.ViewportMobile)
}

func TestScreenshot_AllFailReturnsError(t *testing.T) {
	st := newTestStore(t)
	lead := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", WebsiteURL: model.Ptr("cafe.my")})

	boom := errors.New("chrome not found")
	h := NewHandlers(Deps{
		Store:    st,
		Gate:     newTestGate(st, nil),
		Capturer: &fakeCapturer{fail: map[string]error{"mobile": boom, "desktop": boom}},
		Evidence: evidence.NewStore(t.TempDir()),
	}, Settings{})

	_, _, err := h.Screenshot(context.Background(), leadJob(StageScreenshot, lead.ID))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chrome not found")
}

func TestScreenshot_SkipsAndQuota(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	withSite := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", WebsiteURL: model.Ptr("cafe.my")})
	noSite := saveLead(t, st, &model.Lead{PlaceID: "p2", Name: "Kedai"})

	h := NewHandlers(Deps{Store: st, Gate: newTestGate(st, nil)}, Settings{})
	outcome, _, err := h.Screenshot(ctx, leadJob(StageScreenshot, withSite.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome, "no browser")

	h = NewHandlers(Deps{
		Store:    st,
		Gate:     newTestGate(st, map[string]int{usage.MetricCaptureScreenshot: 0}),
		Capturer: &fakeCapturer{},
		Evidence: evidence.NewStore(t.TempDir()),
	}, Settings{})
	outcome, _, err = h.Screenshot(ctx, leadJob(StageScreenshot, noSite.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome, "no website")

	outcome, _, err = h.Screenshot(ctx, leadJob(StageScreenshot, withSite.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuotaExceeded, outcome)
}

func seedScreenshots(t *testing.T, st *store.SQLiteStore, ev *evidence.Store, leadID string) {
	t.Helper()
	ctx := context.Background()
	ts := time.Now()
	for _, vp := range []model.Viewport{model.ViewportMobile, model.ViewportDesktop} {
		path, err := ev.Write(leadID, evidence.ScreenshotName(ts, string(vp)), []byte("png-"+string(vp)))
		require.NoError(t, err)
		require.NoError(t, st.InsertScreenshot(ctx, &model.Screenshot{LeadID: leadID, Viewport: vp, Path: path}))
	}
}

func TestLLMVerdict_SavesVerdict(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ev := evidence.NewStore(t.TempDir())
	lead := saveLead(t, st, &model.Lead{
		PlaceID:    "p1",
		Name:       "Cafe",
		WebsiteURL: model.Ptr("cafe.my"),
		Reviews:    []model.Review{{Rating: 2, Text: "hard to book"}},
	})
	require.NoError(t, st.UpsertWebsiteCheck(ctx, &model.WebsiteCheckResult{
		LeadID: lead.ID, Status: model.WebsiteOK, ResolvedURL: "https://cafe.my/home",
	}))
	require.NoError(t, st.InsertPerformanceAudit(ctx, &model.PerformanceAudit{
		LeadID: lead.ID, Strategy: model.StrategyMobile, Performance: model.Ptr(22),
	}))
	seedScreenshots(t, st, ev, lead.ID)

	gen := &fakeVerdicts{out: &model.Verdict{
		NeedsIntervention: true,
		Severity:          model.SeverityHigh,
		Reasons:           []string{"no booking button"},
		OfferAngle:        model.OfferBookingWhatsApp,
		ModelName:         "claude-haiku-4-5",
	}}
	gate := newTestGate(st, nil)
	h := NewHandlers(Deps{Store: st, Gate: gate, Evidence: ev, Verdicts: gen}, Settings{})

	outcome, _, err := h.LLMVerdict(ctx, leadJob(StageLLMVerdict, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, 1, usedToday(t, gate, usage.MetricLLMVerdict))

	assert.Equal(t, "https://cafe.my/home", gen.in.WebsiteURL)
	assert.Equal(t, []byte("png-mobile"), gen.in.MobilePNG)
	assert.Equal(t, []byte("png-desktop"), gen.in.DesktopPNG)
	require.NotNil(t, gen.in.Audit)
	assert.Equal(t, 22, *gen.in.Audit.Performance)
	assert.Len(t, gen.in.Reviews, 1)

	saved, err := st.LatestVerdict(ctx, lead.ID)
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.True(t, saved.NeedsIntervention)
	assert.Equal(t, model.OfferBookingWhatsApp, saved.OfferAngle)
}

func TestLLMVerdict_GenerationFailureIsDone(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ev := evidence.NewStore(t.TempDir())
	lead := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", WebsiteURL: model.Ptr("cafe.my")})
	seedScreenshots(t, st, ev, lead.ID)

	h := NewHandlers(Deps{
		Store:    st,
		Gate:     newTestGate(st, nil),
		Evidence: ev,
		Verdicts: &fakeVerdicts{err: errors.New("verdict: parse reply")},
	}, Settings{})

	outcome, _, err := h.LLMVerdict(ctx, leadJob(StageLLMVerdict, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	saved, err := st.LatestVerdict(ctx, lead.ID)
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestLLMVerdict_Skips(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	ev := evidence.NewStore(t.TempDir())
	lead := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", WebsiteURL: model.Ptr("cafe.my")})

	h := NewHandlers(Deps{Store: st, Gate: newTestGate(st, nil), Evidence: ev}, Settings{})
	outcome, _, err := h.LLMVerdict(ctx, leadJob(StageLLMVerdict, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome, "no model")

	gen := &fakeVerdicts{out: &model.Verdict{Severity: model.SeverityLow, OfferAngle: model.OfferUnknown}}
	h = NewHandlers(Deps{Store: st, Gate: newTestGate(st, map[string]int{usage.MetricLLMVerdict: 0}), Evidence: ev, Verdicts: gen}, Settings{})
	outcome, _, err = h.LLMVerdict(ctx, leadJob(StageLLMVerdict, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome, "no screenshots")

	seedScreenshots(t, st, ev, lead.ID)
	outcome, _, err = h.LLMVerdict(ctx, leadJob(StageLLMVerdict, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome, "quota reached")
	assert.Equal(t, []Stage{StageScore, StageCompetitorBenchmark}, Next(StageLLMVerdict, outcome))
	assert.Empty(t, gen.in.WebsiteURL, "model not called")
}

func TestCompetitorBenchmark(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	lead := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe"})

	bench := &fakeBench{}
	h := NewHandlers(Deps{Store: st, Benchmark: bench}, Settings{RadiusKM: 2})
	outcome, _, err := h.CompetitorBenchmark(ctx, leadJob(StageCompetitorBenchmark, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)

	bench.out = &model.CompetitorBenchmark{}
	outcome, _, err = h.CompetitorBenchmark(ctx, leadJob(StageCompetitorBenchmark, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.InDelta(t, 2.0, bench.out.RadiusKM, 0.0001)
}

func TestScore(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	lead := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", Rating: model.Ptr(4.9), ReviewCount: model.Ptr(300)})
	require.NoError(t, st.UpsertWebsiteCheck(ctx, &model.WebsiteCheckResult{LeadID: lead.ID, Status: model.WebsiteNoWebsite}))

	h := NewHandlers(Deps{Store: st, Scorer: scorer.NewService(st)}, Settings{})
	outcome, _, err := h.Score(ctx, leadJob(StageScore, lead.ID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	rec, err := st.LatestScore(ctx, lead.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 70, rec.Score)
	assert.Equal(t, model.TierA, rec.Tier)
}

func TestBatchAudit(t *testing.T) {
	st := newTestStore(t)
	ok := saveLead(t, st, &model.Lead{PlaceID: "p1", Name: "Cafe", WebsiteURL: model.Ptr("cafe.my")})
	none := saveLead(t, st, &model.Lead{PlaceID: "p2", Name: "Kedai"})
	broken := saveLead(t, st, &model.Lead{PlaceID: "p3", Name: "Bengkel", WebsiteURL: model.Ptr("https://bengkel.my")})

	psi := &fakePSI{fail: map[string]error{"https://bengkel.my": errors.New("pagespeed: timeout")}}
	h := NewHandlers(Deps{Store: st, Gate: newTestGate(st, nil), PageSpeed: psi}, Settings{})

	res, err := h.BatchAudit(context.Background(), []string{ok.ID, none.ID, broken.ID}, 2)
	require.NoError(t, err)
	assert.Equal(t, &BatchResult{Audited: 1, Skipped: 1, Failed: 1}, res)
}
