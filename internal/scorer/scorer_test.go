package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/lead-enrich/internal/model"
)

func sum(m map[string]int) int {
	total := 0
	for _, v := range m {
		total += v
	}
	return total
}

func TestScore_NoWebsiteStrongReputation(t *testing.T) {
	res := Score(Signals{
		Rating:      model.Ptr(4.8),
		ReviewCount: model.Ptr(150),
		HasWebsite:  false,
	})
	assert.Equal(t, map[string]int{"high_rating": 10, "high_review_volume": 10, "no_website": 50}, res.Breakdown)
	assert.Equal(t, 70, res.Score)
	assert.Equal(t, model.TierA, res.Tier)
}

func TestScore_BrokenSiteIgnoresVerdict(t *testing.T) {
	res := Score(Signals{
		Rating:            model.Ptr(4.8),
		ReviewCount:       model.Ptr(150),
		HasWebsite:        true,
		WebsiteStatus:     model.WebsiteBroken,
		HTTPS:             model.Ptr(false),
		SEO:               model.Ptr(10),
		NeedsIntervention: model.Ptr(true),
	})
	assert.Equal(t, map[string]int{"high_rating": 10, "high_review_volume": 10, "broken_website": 40}, res.Breakdown)
	assert.Equal(t, 60, res.Score)
	assert.Equal(t, model.TierB, res.Tier)
}

func TestScore_HealthyOptimizedSite(t *testing.T) {
	res := Score(Signals{
		Rating:            model.Ptr(4.0),
		ReviewCount:       model.Ptr(10),
		HasWebsite:        true,
		WebsiteStatus:     model.WebsiteOK,
		HTTPS:             model.Ptr(true),
		SEO:               model.Ptr(90),
		Performance:       model.Ptr(90),
		NeedsIntervention: model.Ptr(false),
	})
	assert.Empty(t, res.Breakdown)
	assert.Equal(t, 0, res.Score)
	assert.Equal(t, model.TierC, res.Tier)
}

func TestScore_NoWebsiteStatusOverridesClaimedURL(t *testing.T) {
	res := Score(Signals{HasWebsite: true, WebsiteStatus: model.WebsiteNoWebsite})
	assert.Equal(t, map[string]int{"no_website": 50}, res.Breakdown)
}

func TestScore_LiveSiteAllWeaknesses(t *testing.T) {
	res := Score(Signals{
		Rating:            model.Ptr(4.3),
		ReviewCount:       model.Ptr(100),
		HasWebsite:        true,
		WebsiteStatus:     model.WebsiteOK,
		HTTPS:             model.Ptr(false),
		SEO:               model.Ptr(69),
		Performance:       model.Ptr(39),
		NeedsIntervention: model.Ptr(true),
	})
	assert.Equal(t, map[string]int{
		"high_rating": 10, "high_review_volume": 10,
		"low_seo": 10, "low_performance": 10, "no_https": 5, "llm_flagged": 30,
	}, res.Breakdown)
	assert.Equal(t, 75, res.Score)
	assert.Equal(t, model.TierA, res.Tier)
}

func TestScore_MissingAuditDataIsNoSignal(t *testing.T) {
	// Site is up but nothing else has landed yet.
	res := Score(Signals{HasWebsite: true, WebsiteStatus: model.WebsiteOK})
	assert.Empty(t, res.Breakdown)

	// Website claimed, check not run yet: treated as live.
	res = Score(Signals{HasWebsite: true})
	assert.Empty(t, res.Breakdown)
}

func TestScore_ThresholdBoundaries(t *testing.T) {
	below := Score(Signals{Rating: model.Ptr(4.29), ReviewCount: model.Ptr(99), HasWebsite: true, SEO: model.Ptr(70), Performance: model.Ptr(40)})
	assert.Empty(t, below.Breakdown)

	at := Score(Signals{Rating: model.Ptr(4.3), ReviewCount: model.Ptr(100), HasWebsite: true})
	assert.Equal(t, 20, at.Score)
}

func TestTierFor(t *testing.T) {
	cases := map[int]model.Tier{0: model.TierC, 49: model.TierC, 50: model.TierB, 69: model.TierB, 70: model.TierA, 100: model.TierA}
	for score, want := range cases {
		assert.Equal(t, want, TierFor(score), "score %d", score)
	}
}

// allSignals enumerates every combination of rule-relevant inputs.
func allSignals() []Signals {
	var out []Signals
	ratings := []*float64{nil, model.Ptr(3.0), model.Ptr(4.5)}
	counts := []*int{nil, model.Ptr(5), model.Ptr(99), model.Ptr(100), model.Ptr(500)}
	statuses := []model.WebsiteStatus{"", model.WebsiteOK, model.WebsiteBroken, model.WebsiteNoWebsite}
	bools := []*bool{nil, model.Ptr(true), model.Ptr(false)}
	scores := []*int{nil, model.Ptr(20), model.Ptr(95)}

	for _, r := range ratings {
		for _, c := range counts {
			for _, hasSite := range []bool{true, false} {
				for _, st := range statuses {
					for _, https := range bools {
						for _, seo := range scores {
							for _, perf := range scores {
								for _, flagged := range bools {
									out = append(out, Signals{
										Rating: r, ReviewCount: c, HasWebsite: hasSite, WebsiteStatus: st,
										HTTPS: https, SEO: seo, Performance: perf, NeedsIntervention: flagged,
									})
								}
							}
						}
					}
				}
			}
		}
	}
	return out
}

func TestScore_ClampTierAndBreakdownConsistency(t *testing.T) {
	for _, s := range allSignals() {
		res := Score(s)
		assert.GreaterOrEqual(t, res.Score, 0)
		assert.LessOrEqual(t, res.Score, 100)
		assert.Equal(t, TierFor(res.Score), res.Tier)
		assert.Equal(t, res.Score, sum(res.Breakdown))

		_, noSite := res.Breakdown[FactorNoWebsite]
		_, broken := res.Breakdown[FactorBrokenWebsite]
		_, flagged := res.Breakdown[FactorLLMFlagged]
		assert.False(t, noSite && broken)
		assert.False(t, (noSite || broken) && flagged, "live-site rules never mix with the dead-site branch")
	}
}

func TestScore_ReviewVolumeMonotonic(t *testing.T) {
	for _, s := range allSignals() {
		lo, hi := s, s
		lo.ReviewCount = model.Ptr(99)
		hi.ReviewCount = model.Ptr(100)
		assert.GreaterOrEqual(t, Score(hi).Score, Score(lo).Score)
	}
}

func TestSignalsFor(t *testing.T) {
	lead := &model.Lead{Rating: model.Ptr(4.5), ReviewCount: model.Ptr(10), WebsiteURL: model.Ptr("https://a.example")}
	check := &model.WebsiteCheckResult{Status: model.WebsiteOK, HTTPS: false}
	audit := &model.PerformanceAudit{SEO: model.Ptr(50)}
	verdict := &model.Verdict{NeedsIntervention: true}

	s := SignalsFor(lead, check, audit, verdict)
	assert.True(t, s.HasWebsite)
	assert.Equal(t, model.WebsiteOK, s.WebsiteStatus)
	assert.False(t, *s.HTTPS)
	assert.Equal(t, 50, *s.SEO)
	assert.Nil(t, s.Performance)
	assert.True(t, *s.NeedsIntervention)

	bare := SignalsFor(&model.Lead{WebsiteURL: model.Ptr("   ")}, nil, nil, nil)
	assert.False(t, bare.HasWebsite)
	assert.Nil(t, bare.HTTPS)
	assert.Nil(t, bare.NeedsIntervention)
}
