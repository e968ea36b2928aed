package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-enrich/internal/evidence"
	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/queue"
	"github.com/sells-group/lead-enrich/internal/usage"
	"github.com/sells-group/lead-enrich/internal/verdict"
	"github.com/sells-group/lead-enrich/internal/website"
	"github.com/sells-group/lead-enrich/pkg/browser"
	"github.com/sells-group/lead-enrich/pkg/pagespeed"
	"github.com/sells-group/lead-enrich/pkg/places"
)

// PayloadQuery is the job payload key holding a discovery query.
const PayloadQuery = "query"

const (
	defaultMaxPages = 3
	maxLeadReviews  = 5
)

// Store is the persistence surface the handlers read and write.
type Store interface {
	GetLead(ctx context.Context, id string) (*model.Lead, error)
	UpsertLeads(ctx context.Context, leads []model.Lead) ([]string, error)
	AdvanceLeadStatus(ctx context.Context, id string, status model.LeadStatus) (bool, error)
	GetWebsiteCheck(ctx context.Context, leadID string) (*model.WebsiteCheckResult, error)
	InsertPerformanceAudit(ctx context.Context, a *model.PerformanceAudit) error
	LatestPerformanceAudit(ctx context.Context, leadID string, strategy model.Strategy) (*model.PerformanceAudit, error)
	InsertScreenshot(ctx context.Context, s *model.Screenshot) error
	LatestScreenshots(ctx context.Context, leadID string) (map[model.Viewport]model.Screenshot, error)
	InsertVerdict(ctx context.Context, v *model.Verdict) error
}

// Gate consumes daily quota.
type Gate interface {
	CheckAndIncrement(ctx context.Context, metric string, amount int) bool
}

// WebsiteChecker probes and persists a lead's website health.
type WebsiteChecker interface {
	Check(ctx context.Context, lead *model.Lead, rawURL string) (*model.WebsiteCheckResult, error)
}

// Capturer takes full-page screenshots.
type Capturer interface {
	Capture(ctx context.Context, url string, p browser.Profile) (*browser.Capture, error)
}

// UxAuditor runs and persists a contact friction audit.
type UxAuditor interface {
	Audit(ctx context.Context, leadID, url string) (*model.UxAuditResult, error)
}

// Evidence stores capture images.
type Evidence interface {
	Write(leadID, name string, png []byte) (string, error)
	Read(path string) ([]byte, error)
}

// VerdictGenerator produces a sales verdict from screenshots and context.
type VerdictGenerator interface {
	Generate(ctx context.Context, in verdict.Input) (*model.Verdict, error)
}

// Benchmarker runs and persists a competitor benchmark.
type Benchmarker interface {
	Run(ctx context.Context, lead *model.Lead, radiusKM float64) (*model.CompetitorBenchmark, error)
}

// Scorer scores a stored lead.
type Scorer interface {
	ScoreLead(ctx context.Context, leadID string) (*model.ScoreRecord, error)
}

// Deps are the collaborators the handlers call. Capturer, UxAuditor and
// Verdicts may be nil, in which case their stages report skipped.
type Deps struct {
	Store     Store
	Gate      Gate
	Places    places.Client
	Checker   WebsiteChecker
	PageSpeed pagespeed.Client
	Capturer  Capturer
	UxAuditor UxAuditor
	Evidence  Evidence
	Verdicts  VerdictGenerator
	Benchmark Benchmarker
	Scorer    Scorer
}

// Settings tune handler behavior.
type Settings struct {
	PSICacheDays int
	RadiusKM     float64
	MaxPages     int
}

// Handlers implements every stage.
type Handlers struct {
	Deps
	settings Settings
	now      func() time.Time
}

// NewHandlers creates the stage handlers.
func NewHandlers(deps Deps, settings Settings) *Handlers {
	if settings.MaxPages <= 0 {
		settings.MaxPages = defaultMaxPages
	}
	return &Handlers{Deps: deps, settings: settings, now: time.Now}
}

// Funcs returns the stage dispatch table for an Orchestrator.
func (h *Handlers) Funcs() map[Stage]HandlerFunc {
	return map[Stage]HandlerFunc{
		StageDiscover:            h.Discover,
		StageWebsiteCheck:        h.WebsiteCheck,
		StagePerformanceAudit:    h.PerformanceAudit,
		StageScreenshot:          h.Screenshot,
		StageLLMVerdict:          h.LLMVerdict,
		StageCompetitorBenchmark: h.CompetitorBenchmark,
		StageScore:               h.Score,
	}
}

// Discover searches Places for the job's query, fetches details for each
// unique hit and upserts the leads. It returns the ids of saved leads that
// have not had a website check.
func (h *Handlers) Discover(ctx context.Context, job *queue.Job) (Outcome, []string, error) {
	query := strings.TrimSpace(job.Payload[PayloadQuery])
	if query == "" {
		return "", nil, eris.New("pipeline: discover: missing query")
	}
	log := zap.L().With(zap.String("query", query))

	if !h.Gate.CheckAndIncrement(ctx, usage.MetricDiscoverPlaces, 0) {
		return OutcomeQuotaExceeded, nil, nil
	}

	hits, err := h.searchAll(ctx, query)
	if err != nil {
		return "", nil, err
	}
	log.Info("pipeline: places found", zap.Int("count", len(hits)))

	var (
		leads      []model.Lead
		quotaSpent bool
	)
	for _, hit := range hits {
		if !h.Gate.CheckAndIncrement(ctx, usage.MetricDiscoverPlaces, 1) {
			quotaSpent = true
			log.Warn("pipeline: discovery quota reached", zap.Int("fetched", len(leads)))
			break
		}
		d, err := h.Places.GetDetails(ctx, hit.ID)
		if err != nil {
			log.Warn("pipeline: place details failed", zap.String("place_id", hit.ID), zap.Error(err))
			continue
		}
		leads = append(leads, LeadFromDetails(d))
	}

	if len(leads) == 0 {
		if quotaSpent {
			return OutcomeQuotaExceeded, nil, nil
		}
		return OutcomeDone, nil, nil
	}

	newIDs, err := h.Store.UpsertLeads(ctx, leads)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: save discovered leads")
	}
	pending, err := h.unchecked(ctx, leads)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: discover")
	}
	log.Info("pipeline: leads saved",
		zap.Int("upserted", len(leads)),
		zap.Int("new", len(newIDs)),
		zap.Int("pending_check", len(pending)),
	)
	return OutcomeDone, pending, nil
}

// unchecked returns the ids of saved leads that have no website check yet.
// A redelivered discovery job returns them again so the chain still starts
// for leads whose WEBSITE_CHECK was never enqueued.
func (h *Handlers) unchecked(ctx context.Context, leads []model.Lead) ([]string, error) {
	var ids []string
	for i := range leads {
		check, err := h.Store.GetWebsiteCheck(ctx, leads[i].ID)
		if err != nil {
			return nil, err
		}
		if check == nil {
			ids = append(ids, leads[i].ID)
		}
	}
	return ids, nil
}

// searchAll pages through Text Search and dedupes hits by place id.
func (h *Handlers) searchAll(ctx context.Context, query string) ([]places.Place, error) {
	seen := make(map[string]bool)
	var out []places.Place
	token := ""
	for page := 0; page < h.settings.MaxPages; page++ {
		resp, err := h.Places.SearchText(ctx, query, token)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: search %q page %d", query, page+1)
		}
		for _, p := range resp.Places {
			if p.ID == "" || seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, p)
		}
		if resp.NextPageToken == "" {
			break
		}
		token = resp.NextPageToken
	}
	return out, nil
}

// LeadFromDetails maps a place details payload to a new lead.
func LeadFromDetails(d *places.Details) model.Lead {
	lead := model.Lead{
		PlaceID:     d.ID,
		Name:        d.DisplayName.Text,
		Category:    d.PrimaryType,
		Rating:      d.Rating,
		ReviewCount: d.UserRatingCount,
		Address:     d.FormattedAddress,
		MapsURL:     d.GoogleMapsURI,
		Status:      model.LeadStatusNew,
	}
	if lead.Name == "" {
		lead.Name = d.ID
	}
	if d.Location != nil {
		lead.Lat = model.Ptr(d.Location.Latitude)
		lead.Lng = model.Ptr(d.Location.Longitude)
	}
	if w := strings.TrimSpace(d.WebsiteURI); w != "" {
		lead.WebsiteURL = &w
	}
	if p := strings.TrimSpace(d.NationalPhoneNumber); p != "" {
		lead.Phone = &p
	}
	for _, r := range d.Reviews {
		if len(lead.Reviews) == maxLeadReviews {
			break
		}
		text := r.Text.Text
		if text == "" {
			text = r.OriginalText.Text
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		lead.Reviews = append(lead.Reviews, model.Review{
			Author: r.AuthorAttribution.DisplayName,
			Rating: r.Rating,
			Text:   text,
		})
	}
	return lead
}

// WebsiteCheck probes the lead's website and branches on the result.
func (h *Handlers) WebsiteCheck(ctx context.Context, job *queue.Job) (Outcome, []string, error) {
	lead, err := h.Store.GetLead(ctx, job.LeadID)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: website check")
	}
	if _, err := h.Store.AdvanceLeadStatus(ctx, lead.ID, model.LeadStatusEnriching); err != nil {
		zap.L().Warn("pipeline: mark lead enriching", zap.String("lead_id", lead.ID), zap.Error(err))
	}

	res, err := h.Checker.Check(ctx, lead, lead.Website())
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: website check")
	}
	if res.Status == model.WebsiteOK {
		return OutcomeWebsiteOK, nil, nil
	}
	return OutcomeWebsiteDown, nil, nil
}

// targetURL prefers the URL the website check resolved to.
func (h *Handlers) targetURL(ctx context.Context, lead *model.Lead) (string, *model.WebsiteCheckResult, error) {
	check, err := h.Store.GetWebsiteCheck(ctx, lead.ID)
	if err != nil {
		return "", nil, err
	}
	if check != nil && check.ResolvedURL != "" {
		return check.ResolvedURL, check, nil
	}
	return website.Normalize(lead.Website()), check, nil
}

// PerformanceAudit runs PageSpeed for each strategy that has no audit
// newer than the cache window.
func (h *Handlers) PerformanceAudit(ctx context.Context, job *queue.Job) (Outcome, []string, error) {
	lead, err := h.Store.GetLead(ctx, job.LeadID)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: performance audit")
	}
	target, _, err := h.targetURL(ctx, lead)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: performance audit")
	}
	log := zap.L().With(zap.String("lead_id", lead.ID), zap.String("url", target))
	if target == "" {
		log.Info("pipeline: no website to audit")
		return OutcomeSkipped, nil, nil
	}

	ran := 0
	for _, strategy := range model.Strategies {
		fresh, err := h.hasFreshAudit(ctx, lead.ID, strategy)
		if err != nil {
			return "", nil, eris.Wrap(err, "pipeline: performance audit")
		}
		if fresh {
			log.Debug("pipeline: cached audit", zap.String("strategy", string(strategy)))
			continue
		}
		if !h.Gate.CheckAndIncrement(ctx, usage.MetricPSIAudit, 1) {
			return OutcomeQuotaExceeded, nil, nil
		}

		res, err := h.PageSpeed.RunAudit(ctx, target, string(strategy))
		if err != nil {
			return "", nil, eris.Wrapf(err, "pipeline: pagespeed %s", strategy)
		}
		audit := &model.PerformanceAudit{
			LeadID:        lead.ID,
			Strategy:      strategy,
			Performance:   res.Performance,
			SEO:           res.SEO,
			Accessibility: res.Accessibility,
			BestPractices: res.BestPractices,
			FetchedAt:     h.now().UTC(),
		}
		if err := h.Store.InsertPerformanceAudit(ctx, audit); err != nil {
			return "", nil, eris.Wrap(err, "pipeline: save performance audit")
		}
		ran++
	}

	if ran == 0 {
		return OutcomeSkipped, nil, nil
	}
	return OutcomeDone, nil, nil
}

func (h *Handlers) hasFreshAudit(ctx context.Context, leadID string, strategy model.Strategy) (bool, error) {
	if h.settings.PSICacheDays <= 0 {
		return false, nil
	}
	latest, err := h.Store.LatestPerformanceAudit(ctx, leadID, strategy)
	if err != nil || latest == nil {
		return false, err
	}
	window := time.Duration(h.settings.PSICacheDays) * 24 * time.Hour
	return h.now().Sub(latest.FetchedAt) < window, nil
}

// Screenshot captures the mobile and desktop views in parallel, then runs
// the UX friction audit. A viewport whose capture fails is logged; the stage
// only errors when nothing was captured.
func (h *Handlers) Screenshot(ctx context.Context, job *queue.Job) (Outcome, []string, error) {
	lead, err := h.Store.GetLead(ctx, job.LeadID)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: screenshot")
	}
	target, _, err := h.targetURL(ctx, lead)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: screenshot")
	}
	log := zap.L().With(zap.String("lead_id", lead.ID), zap.String("url", target))
	if target == "" || h.Capturer == nil {
		log.Info("pipeline: screenshot skipped", zap.Bool("browser", h.Capturer != nil))
		return OutcomeSkipped, nil, nil
	}

	var granted []browser.Profile
	for _, p := range []browser.Profile{browser.Mobile, browser.Desktop} {
		if h.Gate.CheckAndIncrement(ctx, usage.MetricCaptureScreenshot, 1) {
			granted = append(granted, p)
		}
	}
	if len(granted) == 0 {
		return OutcomeQuotaExceeded, nil, nil
	}

	ts := h.now().UTC()
	errs := make([]error, len(granted))
	var g errgroup.Group
	for i, p := range granted {
		g.Go(func() error {
			errs[i] = h.capture(ctx, lead.ID, target, p, ts)
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	captured := 0
	for i, err := range errs {
		if err != nil {
			log.Warn("pipeline: capture failed", zap.String("viewport", granted[i].Name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		captured++
	}
	if captured == 0 {
		return "", nil, eris.Wrap(firstErr, "pipeline: screenshot")
	}

	h.runUxAudit(ctx, lead.ID, target)
	return OutcomeDone, nil, nil
}

func (h *Handlers) capture(ctx context.Context, leadID, target string, p browser.Profile, ts time.Time) error {
	shot, err := h.Capturer.Capture(ctx, target, p)
	if err != nil {
		return err
	}
	path, err := h.Evidence.Write(leadID, evidence.ScreenshotName(ts, p.Name), shot.PNG)
	if err != nil {
		return err
	}
	return h.Store.InsertScreenshot(ctx, &model.Screenshot{
		LeadID:     leadID,
		Viewport:   model.Viewport(p.Name),
		Path:       path,
		FinalURL:   shot.FinalURL,
		CapturedAt: ts,
	})
}

// runUxAudit is best effort; its failure never fails the screenshot stage.
func (h *Handlers) runUxAudit(ctx context.Context, leadID, target string) {
	if h.UxAuditor == nil {
		return
	}
	log := zap.L().With(zap.String("lead_id", leadID))
	if !h.Gate.CheckAndIncrement(ctx, usage.MetricCaptureScreenshot, 1) {
		log.Info("pipeline: ux audit skipped, quota reached")
		return
	}
	res, err := h.UxAuditor.Audit(ctx, leadID, target)
	if err != nil {
		log.Warn("pipeline: ux audit failed", zap.Error(err))
		return
	}
	log.Info("pipeline: ux audit complete",
		zap.Int("time_to_contact_ms", res.TimeToContactMS),
		zap.Strings("channels", res.Channels),
	)
}

// LLMVerdict asks the model for a verdict on the latest screenshots. A
// failed generation is logged and still reports done so scoring proceeds.
// It never reports quota_exceeded.
func (h *Handlers) LLMVerdict(ctx context.Context, job *queue.Job) (Outcome, []string, error) {
	log := zap.L().With(zap.String("lead_id", job.LeadID))
	if h.Verdicts == nil {
		log.Info("pipeline: verdict skipped, no model configured")
		return OutcomeSkipped, nil, nil
	}

	shots, err := h.Store.LatestScreenshots(ctx, job.LeadID)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: llm verdict")
	}
	mobile, okMobile := shots[model.ViewportMobile]
	desktop, okDesktop := shots[model.ViewportDesktop]
	if !okMobile || !okDesktop {
		log.Info("pipeline: verdict skipped, screenshots missing",
			zap.Bool("mobile", okMobile), zap.Bool("desktop", okDesktop))
		return OutcomeSkipped, nil, nil
	}

	mobilePNG, err := h.Evidence.Read(mobile.Path)
	if err != nil {
		log.Warn("pipeline: verdict skipped, mobile screenshot unreadable", zap.Error(err))
		return OutcomeSkipped, nil, nil
	}
	desktopPNG, err := h.Evidence.Read(desktop.Path)
	if err != nil {
		log.Warn("pipeline: verdict skipped, desktop screenshot unreadable", zap.Error(err))
		return OutcomeSkipped, nil, nil
	}

	// Scoring runs without a verdict, so an exhausted quota skips instead
	// of ending the chain.
	if !h.Gate.CheckAndIncrement(ctx, usage.MetricLLMVerdict, 1) {
		log.Info("pipeline: verdict skipped, quota reached")
		return OutcomeSkipped, nil, nil
	}

	lead, err := h.Store.GetLead(ctx, job.LeadID)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: llm verdict")
	}
	target, check, err := h.targetURL(ctx, lead)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: llm verdict")
	}
	audit, err := h.Store.LatestPerformanceAudit(ctx, lead.ID, model.StrategyMobile)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: llm verdict")
	}

	v, err := h.Verdicts.Generate(ctx, verdict.Input{
		WebsiteURL: target,
		MobilePNG:  mobilePNG,
		DesktopPNG: desktopPNG,
		Check:      check,
		Audit:      audit,
		Reviews:    lead.Reviews,
	})
	if err != nil {
		log.Warn("pipeline: verdict generation failed", zap.Error(err))
		return OutcomeDone, nil, nil
	}

	v.LeadID = lead.ID
	v.CreatedAt = h.now().UTC()
	if err := h.Store.InsertVerdict(ctx, v); err != nil {
		return "", nil, eris.Wrap(err, "pipeline: save verdict")
	}
	log.Info("pipeline: verdict saved",
		zap.String("severity", string(v.Severity)),
		zap.String("offer_angle", string(v.OfferAngle)),
	)
	return OutcomeDone, nil, nil
}

// CompetitorBenchmark ranks the lead against nearby competitors.
func (h *Handlers) CompetitorBenchmark(ctx context.Context, job *queue.Job) (Outcome, []string, error) {
	lead, err := h.Store.GetLead(ctx, job.LeadID)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: competitor benchmark")
	}
	b, err := h.Benchmark.Run(ctx, lead, h.settings.RadiusKM)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: competitor benchmark")
	}
	if b == nil {
		return OutcomeSkipped, nil, nil
	}
	return OutcomeDone, nil, nil
}

// Score computes and stores the lead's score.
func (h *Handlers) Score(ctx context.Context, job *queue.Job) (Outcome, []string, error) {
	rec, err := h.Scorer.ScoreLead(ctx, job.LeadID)
	if err != nil {
		return "", nil, eris.Wrap(err, "pipeline: score")
	}
	zap.L().Info("pipeline: lead scored",
		zap.String("lead_id", job.LeadID),
		zap.Int("score", rec.Score),
		zap.String("tier", string(rec.Tier)),
	)
	return OutcomeDone, nil, nil
}
