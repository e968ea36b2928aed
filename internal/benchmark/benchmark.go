// Package benchmark ranks a lead against nearby businesses of the same category.
package benchmark

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/model"
)

const (
	// DefaultRadiusKM is used when the caller passes a non-positive radius.
	DefaultRadiusKM = 2.0
	// TopN is the number of competitors kept per benchmark.
	TopN = 5

	kmPerDegree   = 111.0
	earthRadiusKM = 6371.0
)

// Gap keys reported in BenchmarkStats.Gaps.
const (
	GapWhatsApp = "whatsapp"
	GapBooking  = "booking"
	GapWebsite  = "website"
)

// Store is the persistence surface the engine reads and writes.
type Store interface {
	LeadsInBounds(ctx context.Context, box model.BBox, category, excludeID string) ([]model.Lead, error)
	LatestUxAudit(ctx context.Context, leadID string) (*model.UxAuditResult, error)
	InsertBenchmark(ctx context.Context, b *model.CompetitorBenchmark) error
}

// Engine computes competitor benchmarks.
type Engine struct {
	store Store
}

// NewEngine creates an Engine backed by st.
func NewEngine(st Store) *Engine {
	return &Engine{store: st}
}

// candidate is a nearby lead with its exact distance to the target.
type candidate struct {
	lead       model.Lead
	distanceKM float64
}

// Run benchmarks lead against competitors within radiusKM and persists the
// result. A lead without coordinates is skipped with nil, nil.
func (e *Engine) Run(ctx context.Context, lead *model.Lead, radiusKM float64) (*model.CompetitorBenchmark, error) {
	log := zap.L().With(zap.String("lead_id", lead.ID), zap.String("stage", "COMPETITOR_BENCHMARK"))

	if !lead.HasCoordinates() {
		log.Info("benchmark: skipping lead without coordinates")
		return nil, nil
	}
	if radiusKM <= 0 {
		radiusKM = DefaultRadiusKM
	}

	bounds := SearchBounds(*lead.Lat, *lead.Lng, radiusKM)
	nearby, err := e.store.LeadsInBounds(ctx, toBBox(bounds), lead.Category, lead.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "benchmark: load candidates for lead %s", lead.ID)
	}

	within := filterWithin(lead, nearby, bounds, radiusKM)
	top := rankTop(within, TopN)

	gaps, err := e.gaps(ctx, lead, top)
	if err != nil {
		return nil, err
	}

	competitors := make([]model.Competitor, len(top))
	for i, c := range top {
		competitors[i] = model.Competitor{
			Name:       c.lead.Name,
			Rating:     c.lead.Rating,
			Reviews:    c.lead.ReviewCount,
			DistanceKM: c.distanceKM,
		}
	}

	b := &model.CompetitorBenchmark{
		LeadID:      lead.ID,
		RadiusKM:    radiusKM,
		Competitors: competitors,
		Stats: model.BenchmarkStats{
			// Every competitor in the radius, not just the top 5.
			Density: len(within),
			RatingPercentile: Percentile(lead.RatingValue(), top, func(c candidate) float64 {
				return c.lead.RatingValue()
			}),
			ReviewCountPercentile: Percentile(float64(lead.ReviewCountValue()), top, func(c candidate) float64 {
				return float64(c.lead.ReviewCountValue())
			}),
			Gaps: gaps,
		},
		CreatedAt: time.Now().UTC(),
	}

	if err := e.store.InsertBenchmark(ctx, b); err != nil {
		return nil, eris.Wrapf(err, "benchmark: save for lead %s", lead.ID)
	}

	log.Info("benchmark complete",
		zap.Int("density", b.Stats.Density),
		zap.Int("rating_percentile", b.Stats.RatingPercentile),
		zap.Int("review_count_percentile", b.Stats.ReviewCountPercentile),
	)
	return b, nil
}

// SearchBounds returns the square pre-filter box of radiusKM/111 degrees
// around the point, in lng/lat order.
func SearchBounds(lat, lng, radiusKM float64) *geom.Bounds {
	delta := radiusKM / kmPerDegree
	return geom.NewBounds(geom.XY).Set(lng-delta, lat-delta, lng+delta, lat+delta)
}

func toBBox(b *geom.Bounds) model.BBox {
	return model.BBox{
		MinLng: b.Min(0),
		MinLat: b.Min(1),
		MaxLng: b.Max(0),
		MaxLat: b.Max(1),
	}
}

// filterWithin keeps the leads whose great-circle distance to target is at
// most radiusKM.
func filterWithin(target *model.Lead, nearby []model.Lead, bounds *geom.Bounds, radiusKM float64) []candidate {
	out := make([]candidate, 0, len(nearby))
	for _, l := range nearby {
		if l.ID == target.ID || !l.HasCoordinates() {
			continue
		}
		if !bounds.OverlapsPoint(geom.XY, geom.Coord{*l.Lng, *l.Lat}) {
			continue
		}
		d := Haversine(*target.Lat, *target.Lng, *l.Lat, *l.Lng)
		if d <= radiusKM {
			out = append(out, candidate{lead: l, distanceKM: d})
		}
	}
	return out
}

// rankTop sorts by rating descending and keeps the first n. Ties keep the
// nearer competitor first.
func rankTop(cs []candidate, n int) []candidate {
	sorted := slices.Clone(cs)
	slices.SortStableFunc(sorted, func(a, b candidate) int {
		if c := cmp.Compare(b.lead.RatingValue(), a.lead.RatingValue()); c != 0 {
			return c
		}
		return cmp.Compare(a.distanceKM, b.distanceKM)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// Percentile is the rounded share of competitors that do not beat target,
// as 0-100. It is 100 when there are no competitors.
func Percentile[T any](target float64, competitors []T, value func(T) float64) int {
	total := len(competitors)
	if total == 0 {
		return 100
	}
	higher := 0
	for _, c := range competitors {
		if value(c) > target {
			higher++
		}
	}
	return int(math.Round(float64(total-higher) / float64(total) * 100))
}

// Haversine returns the great-circle distance in kilometres.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
