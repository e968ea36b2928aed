// Package scorer implements the additive lead scoring rules.
package scorer

import (
	"github.com/sells-group/lead-enrich/internal/model"
)

// Breakdown factor names.
const (
	FactorHighRating       = "high_rating"
	FactorHighReviewVolume = "high_review_volume"
	FactorNoWebsite        = "no_website"
	FactorBrokenWebsite    = "broken_website"
	FactorLowSEO           = "low_seo"
	FactorLowPerformance   = "low_performance"
	FactorNoHTTPS          = "no_https"
	FactorLLMFlagged       = "llm_flagged"
)

// Thresholds and tier cut-offs.
const (
	HighRatingMin       = 4.3
	HighReviewVolumeMin = 100
	LowSEOBelow         = 70
	LowPerformanceBelow = 40

	TierAMin = 70
	TierBMin = 50
)

// Signals are the inputs to Score. Nil pointers mean "no signal".
type Signals struct {
	Rating      *float64
	ReviewCount *int

	// HasWebsite is false when the lead claims no URL at all.
	HasWebsite bool
	// WebsiteStatus is empty when no check has run yet.
	WebsiteStatus model.WebsiteStatus
	HTTPS         *bool

	SEO         *int
	Performance *int

	NeedsIntervention *bool
}

// Result is the scoring output. Breakdown values sum to Score.
type Result struct {
	Score     int
	Tier      model.Tier
	Breakdown map[string]int
}

type factor struct {
	name   string
	points int
}

// Score applies the rules in a fixed order. The website branch is
// exclusive: a missing or broken site contributes one dominant factor and
// none of the live-site sub-rules.
func Score(s Signals) Result {
	var factors []factor
	add := func(name string, points int) {
		factors = append(factors, factor{name, points})
	}

	if s.Rating != nil && *s.Rating >= HighRatingMin {
		add(FactorHighRating, 10)
	}
	if s.ReviewCount != nil && *s.ReviewCount >= HighReviewVolumeMin {
		add(FactorHighReviewVolume, 10)
	}

	switch {
	case !s.HasWebsite || s.WebsiteStatus == model.WebsiteNoWebsite:
		add(FactorNoWebsite, 50)
	case s.WebsiteStatus == model.WebsiteBroken:
		add(FactorBrokenWebsite, 40)
	default:
		if s.SEO != nil && *s.SEO < LowSEOBelow {
			add(FactorLowSEO, 10)
		}
		if s.Performance != nil && *s.Performance < LowPerformanceBelow {
			add(FactorLowPerformance, 10)
		}
		if s.HTTPS != nil && !*s.HTTPS {
			add(FactorNoHTTPS, 5)
		}
		if s.NeedsIntervention != nil && *s.NeedsIntervention {
			add(FactorLLMFlagged, 30)
		}
	}

	total := 0
	for _, f := range factors {
		total += f.points
	}
	score := clamp(total, 0, 100)

	// Trim from the last factor so the breakdown still sums to the clamped
	// score.
	excess := total - score
	for i := len(factors) - 1; i >= 0 && excess > 0; i-- {
		cut := min(excess, factors[i].points)
		factors[i].points -= cut
		excess -= cut
	}

	breakdown := make(map[string]int, len(factors))
	for _, f := range factors {
		if f.points > 0 {
			breakdown[f.name] = f.points
		}
	}

	return Result{Score: score, Tier: TierFor(score), Breakdown: breakdown}
}

// TierFor maps a score to its tier.
func TierFor(score int) model.Tier {
	switch {
	case score >= TierAMin:
		return model.TierA
	case score >= TierBMin:
		return model.TierB
	default:
		return model.TierC
	}
}

// SignalsFor assembles scoring signals from persisted records. Any record
// may be nil.
func SignalsFor(lead *model.Lead, check *model.WebsiteCheckResult, audit *model.PerformanceAudit, verdict *model.Verdict) Signals {
	s := Signals{
		Rating:      lead.Rating,
		ReviewCount: lead.ReviewCount,
		HasWebsite:  lead.Website() != "",
	}
	if check != nil {
		s.WebsiteStatus = check.Status
		s.HTTPS = model.Ptr(check.HTTPS)
	}
	if audit != nil {
		s.SEO = audit.SEO
		s.Performance = audit.Performance
	}
	if verdict != nil {
		s.NeedsIntervention = model.Ptr(verdict.NeedsIntervention)
	}
	return s
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
