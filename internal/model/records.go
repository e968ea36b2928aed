package model

import "time"

// WebsiteStatus is the verdict of a website health check.
type WebsiteStatus string

const (
	WebsiteOK        WebsiteStatus = "ok"
	WebsiteBroken    WebsiteStatus = "broken"
	WebsiteNoWebsite WebsiteStatus = "no_website"
)

// Transport names which probe produced a website check result.
const (
	TransportPrimary  = "primary"
	TransportFallback = "fallback"
)

// WebsiteCheckResult is the single current health record for a lead.
type WebsiteCheckResult struct {
	LeadID      string        `json:"lead_id"`
	Status      WebsiteStatus `json:"status"`
	ResolvedURL string        `json:"resolved_url,omitempty"`
	HTTPS       bool          `json:"https"`
	HTTPStatus  *int          `json:"http_status,omitempty"`
	Error       string        `json:"error,omitempty"`
	Transport   string        `json:"transport,omitempty"`
	CheckedAt   time.Time     `json:"checked_at"`
}

// Strategy is the PageSpeed device strategy.
type Strategy string

const (
	StrategyMobile  Strategy = "mobile"
	StrategyDesktop Strategy = "desktop"
)

// Strategies lists every strategy a performance audit covers.
var Strategies = []Strategy{StrategyMobile, StrategyDesktop}

// PerformanceAudit holds one PageSpeed run. Scores are 0-100 and nil when
// the category was missing from the response.
type PerformanceAudit struct {
	ID            string    `json:"id"`
	LeadID        string    `json:"lead_id"`
	Strategy      Strategy  `json:"strategy"`
	Performance   *int      `json:"performance,omitempty"`
	SEO           *int      `json:"seo,omitempty"`
	Accessibility *int      `json:"accessibility,omitempty"`
	BestPractices *int      `json:"best_practices,omitempty"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Viewport names a browser capture profile.
type Viewport string

const (
	ViewportMobile  Viewport = "mobile"
	ViewportDesktop Viewport = "desktop"
)

// Screenshot references a captured PNG on disk.
type Screenshot struct {
	ID         string    `json:"id"`
	LeadID     string    `json:"lead_id"`
	Viewport   Viewport  `json:"viewport"`
	Path       string    `json:"path"`
	FinalURL   string    `json:"final_url,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// Contact channels detected by the UX audit.
const (
	ChannelPhone           = "phone"
	ChannelEmail           = "email"
	ChannelWhatsApp        = "whatsapp"
	ChannelBooking         = "booking"
	ChannelContactPageLink = "contact_page_link"
	ChannelForm            = "form"
)

// UxAuditResult is one friction audit of a lead's website.
type UxAuditResult struct {
	ID              string    `json:"id"`
	LeadID          string    `json:"lead_id"`
	TimeToContactMS int       `json:"time_to_contact_ms"`
	ClicksToContact int       `json:"clicks_to_contact"`
	Channels        []string  `json:"channels"`
	Blockers        []string  `json:"blockers"`
	EvidencePath    string    `json:"evidence_path,omitempty"`
	FinalURL        string    `json:"final_url,omitempty"`
	Viewport        Viewport  `json:"viewport"`
	CreatedAt       time.Time `json:"created_at"`
}

// HasChannel reports whether the audit detected the given channel.
func (r *UxAuditResult) HasChannel(ch string) bool {
	if r == nil {
		return false
	}
	for _, c := range r.Channels {
		if c == ch {
			return true
		}
	}
	return false
}

// Competitor is the public listing data kept for a nearby business.
type Competitor struct {
	Name       string   `json:"name"`
	Rating     *float64 `json:"rating,omitempty"`
	Reviews    *int     `json:"reviews,omitempty"`
	DistanceKM float64  `json:"distance_km"`
}

// BenchmarkStats summarizes a lead's standing among nearby competitors.
type BenchmarkStats struct {
	Density               int             `json:"density"`
	RatingPercentile      int             `json:"rating_percentile"`
	ReviewCountPercentile int             `json:"review_count_percentile"`
	Gaps                  map[string]bool `json:"gaps"`
}

// CompetitorBenchmark is one benchmark run for a lead.
type CompetitorBenchmark struct {
	ID          string         `json:"id"`
	LeadID      string         `json:"lead_id"`
	RadiusKM    float64        `json:"radius_km"`
	Competitors []Competitor   `json:"competitors"`
	Stats       BenchmarkStats `json:"stats"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Severity grades how urgently a website needs work.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// OfferAngle is the suggested sales pitch.
type OfferAngle string

const (
	OfferWebsiteRedesign OfferAngle = "website_redesign"
	OfferLandingPage     OfferAngle = "landing_page"
	OfferBookingWhatsApp OfferAngle = "booking_whatsapp"
	OfferSEOBasics       OfferAngle = "seo_basics"
	OfferUnknown         OfferAngle = "unknown"
)

// Verdict is the generated sales assessment of a lead's website.
type Verdict struct {
	ID                string     `json:"id"`
	LeadID            string     `json:"lead_id"`
	NeedsIntervention bool       `json:"needs_intervention"`
	Severity          Severity   `json:"severity"`
	Reasons           []string   `json:"reasons"`
	QuickWins         []string   `json:"quick_wins"`
	OfferAngle        OfferAngle `json:"offer_angle"`
	ModelName         string     `json:"model_name,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Tier is a coarse prioritization bucket derived from score.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
)

// ScoreRecord is one scoring run. The breakdown values sum to Score.
type ScoreRecord struct {
	ID        string         `json:"id"`
	LeadID    string         `json:"lead_id"`
	Score     int            `json:"score"`
	Tier      Tier           `json:"tier"`
	Breakdown map[string]int `json:"breakdown"`
	CreatedAt time.Time      `json:"created_at"`
}

// UsageCounter is a daily per-metric call count.
type UsageCounter struct {
	Date   string `json:"date"`
	Metric string `json:"metric"`
	Count  int    `json:"count"`
}
