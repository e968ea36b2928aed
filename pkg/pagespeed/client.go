// Package pagespeed wraps the PageSpeed Insights v5 runPagespeed endpoint.
package pagespeed

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://www.googleapis.com/pagespeedonline/v5"

// Lighthouse category ids requested on every run.
const (
	CategoryPerformance   = "performance"
	CategorySEO           = "seo"
	CategoryAccessibility = "accessibility"
	CategoryBestPractices = "best-practices"
)

// Categories lists the requested categories in query order.
var Categories = []string{CategoryPerformance, CategorySEO, CategoryAccessibility, CategoryBestPractices}

// Client runs PageSpeed audits.
type Client interface {
	RunAudit(ctx context.Context, pageURL, strategy string) (*Result, error)
}

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result holds the 0-100 category scores. A nil score means the category
// was absent from the response.
type Result struct {
	Performance   *int
	SEO           *int
	Accessibility *int
	BestPractices *int
}

type response struct {
	LighthouseResult *struct {
		Categories map[string]struct {
			Score *float64 `json:"score"`
		} `json:"categories"`
	} `json:"lighthouseResult"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		if u != "" {
			c.baseURL = u
		}
	}
}

// WithDoer overrides the default http.Client.
func WithDoer(d Doer) Option {
	return func(c *httpClient) {
		c.http = d
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    Doer
}

// NewClient creates a PageSpeed client. Lighthouse runs are slow, so the
// default timeout is generous.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 90 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) RunAudit(ctx context.Context, pageURL, strategy string) (*Result, error) {
	if pageURL == "" {
		return nil, eris.New("pagespeed: empty url")
	}

	q := url.Values{}
	q.Set("url", pageURL)
	q.Set("strategy", strategy)
	for _, cat := range Categories {
		q.Add("category", cat)
	}
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runPagespeed?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "pagespeed: create request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "pagespeed: run %s (%s)", pageURL, strategy)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "pagespeed: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("pagespeed: unexpected status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, eris.Wrap(err, "pagespeed: unmarshal response")
	}
	if r.LighthouseResult == nil || r.LighthouseResult.Categories == nil {
		return nil, eris.New("pagespeed: response missing lighthouse categories")
	}

	cats := r.LighthouseResult.Categories
	score := func(id string) *int {
		cat, ok := cats[id]
		if !ok || cat.Score == nil {
			return nil
		}
		v := int(math.Round(*cat.Score * 100))
		return &v
	}
	return &Result{
		Performance:   score(CategoryPerformance),
		SEO:           score(CategorySEO),
		Accessibility: score(CategoryAccessibility),
		BestPractices: score(CategoryBestPractices),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
