package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy is the retry schedule of an outbound call. Attempt n (from 0)
// that fails with a retryable error waits BaseDelay*2^n, capped at
// MaxBackoff, plus a random jitter below MaxJitter.
type Policy struct {
	// MaxAttempts counts the first try. 1 disables retries.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxBackoff  time.Duration
	// MaxJitter < 0 disables jitter.
	MaxJitter time.Duration

	// Retryable defaults to IsTransient.
	Retryable func(err error) bool
	OnRetry   func(attempt int, err error)
	// Sleep defaults to a timer that returns early on ctx cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy is three attempts waiting 1s then 2s, each plus up to one
// second of jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxBackoff:  30 * time.Second,
		MaxJitter:   time.Second,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxJitter == 0 {
		p.MaxJitter = def.MaxJitter
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	if p.Sleep == nil {
		p.Sleep = wait
	}
	return p
}

// Delay is the wait after failed attempt n. jitter is a fraction in [0, 1)
// of MaxJitter.
func (p Policy) Delay(attempt int, jitter float64) time.Duration {
	d := min(p.BaseDelay<<attempt, p.MaxBackoff)
	if d <= 0 {
		// Shift overflow.
		d = p.MaxBackoff
	}
	if p.MaxJitter > 0 {
		d += time.Duration(jitter * float64(p.MaxJitter))
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-retryable error, ctx is
// done or the attempts run out. The last error is returned unchanged.
func Retry[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !p.Retryable(err) || attempt+1 >= p.MaxAttempts {
			return zero, err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}
		if p.Sleep(ctx, p.Delay(attempt, rand.Float64())) != nil {
			return zero, err
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryLogger logs each retry of op against service.
func RetryLogger(service, op string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("resilience: retrying",
			zap.String("service", service),
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
