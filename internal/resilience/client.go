package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// HTTPDoer is the minimal HTTP client surface. *http.Client and
// *RetryingClient both satisfy it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryingClient wraps an HTTPDoer with a shared rate limiter and retry
// with exponential backoff. It retries 429, 5xx and transport errors. Any
// other 4xx fails immediately with *HTTPStatusError.
type RetryingClient struct {
	doer    HTTPDoer
	limiter *rate.Limiter
	policy  Policy
}

// ClientOption configures a RetryingClient.
type ClientOption func(*RetryingClient)

// WithLimiter shares an existing limiter. Tests pass rate.Inf.
func WithLimiter(l *rate.Limiter) ClientOption {
	return func(c *RetryingClient) { c.limiter = l }
}

// WithDoer sets the underlying transport client.
func WithDoer(d HTTPDoer) ClientOption {
	return func(c *RetryingClient) { c.doer = d }
}

// WithPolicy overrides the retry schedule.
func WithPolicy(p Policy) ClientOption {
	return func(c *RetryingClient) { c.policy = p }
}

// NewLimiter returns a limiter enforcing a minimum interval of 1/rps
// between calls. rps <= 0 means unlimited.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

// NewRetryingClient creates a client limited to rps requests per second
// that makes up to maxAttempts attempts per call.
func NewRetryingClient(rps float64, maxAttempts int, timeout time.Duration, opts ...ClientOption) *RetryingClient {
	policy := DefaultPolicy()
	if maxAttempts > 0 {
		policy.MaxAttempts = maxAttempts
	}
	c := &RetryingClient{
		doer:    &http.Client{Timeout: timeout},
		limiter: NewLimiter(rps),
		policy:  policy,
	}
	for _, o := range opts {
		o(c)
	}
	if c.policy.Retryable == nil {
		c.policy.Retryable = retryableHTTP
	}
	return c
}

// Do sends req, waiting on the limiter before every attempt. Request bodies
// are replayed through req.GetBody on retries.
func (c *RetryingClient) Do(req *http.Request) (*http.Response, error) {
	p := c.policy
	if p.OnRetry == nil {
		p.OnRetry = RetryLogger("http", req.Method+" "+req.URL.Host)
	}

	attempt := 0
	return Retry(req.Context(), p, func(ctx context.Context) (*http.Response, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", errClient, err)
		}

		r := req
		if attempt > 0 && req.Body != nil && req.Body != http.NoBody {
			if req.GetBody == nil {
				return nil, fmt.Errorf("%w: request body cannot be replayed", errClient)
			}
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("%w: replay body: %w", errClient, err)
			}
			r = req.Clone(ctx)
			r.Body = body
		}
		attempt++

		resp, err := c.doer.Do(r)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode < 400 {
			return resp, nil
		}
		drain(resp)
		se := &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status, URL: finalURL(req, resp)}
		if IsRetryableStatus(resp.StatusCode) {
			return nil, NewTransientError(se, resp.StatusCode)
		}
		return nil, se
	})
}

// errClient marks failures raised by the client itself. They are never retried.
var errClient = errors.New("http client")

// retryableHTTP retries transient statuses and every transport error.
func retryableHTTP(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return false
	}
	return !errors.Is(err, errClient) && !errors.Is(err, context.Canceled)
}

// finalURL is the URL after redirects when the transport recorded it.
func finalURL(req *http.Request, resp *http.Response) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return req.URL.String()
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
