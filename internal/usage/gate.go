// Package usage enforces daily per-metric caps on paid external calls.
package usage

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Metrics guarded by the gate.
const (
	MetricDiscoverPlaces    = "DISCOVER_PLACES"
	MetricPSIAudit          = "PSI_AUDIT"
	MetricLLMVerdict        = "LLM_VERDICT"
	MetricCaptureScreenshot = "CAPTURE_SCREENSHOT"
)

// Metrics lists every guarded metric in display order.
var Metrics = []string{MetricDiscoverPlaces, MetricPSIAudit, MetricLLMVerdict, MetricCaptureScreenshot}

// ErrQuotaExceeded is returned by Require when the daily cap is reached.
var ErrQuotaExceeded = eris.New("usage: daily quota exceeded")

// Counter is the storage primitive behind the gate. IncrementUsage must
// apply amount only when the new count stays within limit, in one atomic
// statement.
type Counter interface {
	IncrementUsage(ctx context.Context, date, metric string, amount, limit int) (int, bool, error)
	GetUsage(ctx context.Context, date, metric string) (int, error)
}

// Gate is a per-metric, per-day quota counter.
type Gate struct {
	counter Counter
	limits  map[string]int
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the clock used to pick the counter date.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// NewGate creates a Gate. Limit keys are matched case-insensitively since
// viper lowercases map keys.
func NewGate(counter Counter, limits map[string]int, opts ...Option) *Gate {
	g := &Gate{
		counter: counter,
		limits:  make(map[string]int, len(limits)),
		now:     time.Now,
	}
	for k, v := range limits {
		g.limits[strings.ToLower(k)] = v
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Limit returns the daily cap for metric and whether one is configured.
func (g *Gate) Limit(metric string) (int, bool) {
	l, ok := g.limits[strings.ToLower(metric)]
	return l, ok
}

func (g *Gate) today() string {
	return g.now().UTC().Format("2006-01-02")
}

// CheckAndIncrement reports whether amount more units of metric fit within
// today's cap, consuming them when they do. amount 0 is a pure read. Any
// storage failure, or a metric with no configured limit, denies.
func (g *Gate) CheckAndIncrement(ctx context.Context, metric string, amount int) bool {
	log := zap.L().With(zap.String("metric", metric), zap.Int("amount", amount))

	limit, ok := g.Limit(metric)
	if !ok {
		log.Warn("usage: no limit configured, denying")
		return false
	}
	if amount < 0 {
		log.Warn("usage: negative amount, denying")
		return false
	}
	date := g.today()

	if amount == 0 {
		count, err := g.counter.GetUsage(ctx, date, metric)
		if err != nil {
			log.Error("usage: read failed, denying", zap.Error(err))
			return false
		}
		if count > limit {
			log.Warn("usage: daily limit reached", zap.Int("count", count), zap.Int("limit", limit))
			return false
		}
		return true
	}

	count, allowed, err := g.counter.IncrementUsage(ctx, date, metric, amount, limit)
	if err != nil {
		log.Error("usage: increment failed, denying", zap.Error(err))
		return false
	}
	if !allowed {
		log.Warn("usage: daily limit reached", zap.String("date", date), zap.Int("limit", limit))
		return false
	}
	log.Debug("usage: consumed", zap.Int("count", count), zap.Int("limit", limit))
	return true
}

// Require is CheckAndIncrement for callers that prefer an error.
func (g *Gate) Require(ctx context.Context, metric string, amount int) error {
	if !g.CheckAndIncrement(ctx, metric, amount) {
		return eris.Wrapf(ErrQuotaExceeded, "usage: %s", metric)
	}
	return nil
}

// Usage returns today's count and the configured limit for metric.
func (g *Gate) Usage(ctx context.Context, metric string) (count, limit int, err error) {
	limit, _ = g.Limit(metric)
	count, err = g.counter.GetUsage(ctx, g.today(), metric)
	if err != nil {
		return 0, limit, eris.Wrapf(err, "usage: read %s", metric)
	}
	return count, limit, nil
}
