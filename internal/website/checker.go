// Package website probes a lead's claimed website and records its health.
package website

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/resilience"
)

// DefaultUserAgent identifies the checker to site operators.
const DefaultUserAgent = "Mozilla/5.0 (compatible; LeadGenBot/1.0)"

// maxBodyBytes bounds the page read for social link extraction.
const maxBodyBytes = 1 << 20

// Store is the persistence surface the checker writes to.
type Store interface {
	UpsertWebsiteCheck(ctx context.Context, r *model.WebsiteCheckResult) error
	UpdateLeadSocials(ctx context.Context, id string, socials map[string]string) error
}

// Fallback probes a URL through a second transport when the primary client
// cannot reach the host at all.
type Fallback interface {
	Probe(ctx context.Context, url string) (statusCode int, finalURL string, err error)
}

// Checker runs HEAD-then-GET health checks.
type Checker struct {
	client    resilience.HTTPDoer
	fallback  Fallback
	store     Store
	userAgent string
	now       func() time.Time
}

// Option configures a Checker.
type Option func(*Checker)

// WithFallback sets the transport used after a network-level failure.
func WithFallback(f Fallback) Option {
	return func(c *Checker) { c.fallback = f }
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) Option {
	return func(c *Checker) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewChecker creates a Checker that sends requests through client.
func NewChecker(client resilience.HTTPDoer, st Store, opts ...Option) *Checker {
	c := &Checker{
		client:    client,
		store:     st,
		userAgent: DefaultUserAgent,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var schemeRe = regexp.MustCompile(`(?i)^https?://`)

// Normalize trims the URL and adds https:// when the scheme is missing.
func Normalize(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if !schemeRe.MatchString(u) {
		u = "https://" + u
	}
	return u
}

// probeResult is the outcome of one HEAD/GET exchange.
type probeResult struct {
	code     int
	finalURL string
	err      error
}

// Check probes rawURL for lead, persists the result and, for healthy sites,
// stores any social profile links found on the page. Probe failures become
// a broken result. Only persistence errors are returned.
func (c *Checker) Check(ctx context.Context, lead *model.Lead, rawURL string) (*model.WebsiteCheckResult, error) {
	log := zap.L().With(zap.String("lead_id", lead.ID))

	res := &model.WebsiteCheckResult{
		LeadID:    lead.ID,
		CheckedAt: c.now().UTC(),
	}

	target := Normalize(rawURL)
	if target == "" {
		res.Status = model.WebsiteNoWebsite
		res.Error = "empty URL provided"
		return res, c.save(ctx, res)
	}

	res.Transport = model.TransportPrimary
	p := c.probe(ctx, target)
	if p.err != nil && p.code == 0 && c.fallback != nil && ctx.Err() == nil {
		log.Debug("website: primary transport failed, trying fallback", zap.Error(p.err))
		code, final, err := c.fallback.Probe(ctx, target)
		if err == nil {
			p = probeResult{code: code, finalURL: final}
			if code >= 400 {
				p.err = fmt.Errorf("HTTP %d %s", code, http.StatusText(code))
			}
			res.Transport = model.TransportFallback
		} else {
			log.Debug("website: fallback failed", zap.Error(err))
		}
	}

	classify(res, p)

	if res.Status == model.WebsiteOK && res.Transport == model.TransportPrimary {
		c.collectSocials(ctx, lead, res.ResolvedURL)
	}

	log.Info("website checked",
		zap.String("status", string(res.Status)),
		zap.String("transport", res.Transport),
		zap.Int("http_status", p.code),
	)
	return res, c.save(ctx, res)
}

func classify(res *model.WebsiteCheckResult, p probeResult) {
	res.ResolvedURL = p.finalURL
	res.HTTPS = strings.HasPrefix(strings.ToLower(p.finalURL), "https:")
	if p.code > 0 {
		res.HTTPStatus = model.Ptr(p.code)
	}

	switch {
	case p.err == nil && p.code >= 200 && p.code < 400:
		res.Status = model.WebsiteOK
	case p.code > 0:
		res.Status = model.WebsiteBroken
		res.Error = fmt.Sprintf("HTTP %d %s", p.code, http.StatusText(p.code))
	default:
		res.Status = model.WebsiteBroken
		res.Error = "unreachable"
		if p.err != nil {
			res.Error = p.err.Error()
		}
	}
}

// probe sends HEAD and falls back to GET for servers that reject HEAD.
func (c *Checker) probe(ctx context.Context, target string) probeResult {
	p := c.request(ctx, http.MethodHead, target)
	switch p.code {
	case http.StatusMethodNotAllowed, http.StatusNotFound, http.StatusBadRequest, http.StatusForbidden:
		if g := c.request(ctx, http.MethodGet, target); g.err == nil || g.code > 0 {
			p = g
		}
	}
	return p
}

func (c *Checker) request(ctx context.Context, method, target string) probeResult {
	req, err := c.newRequest(ctx, method, target)
	if err != nil {
		return probeResult{err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		var final string
		code := resilience.StatusCodeOf(err)
		if code > 0 {
			final = statusErrorURL(err)
		}
		return probeResult{code: code, finalURL: final, err: err}
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return probeResult{code: resp.StatusCode, finalURL: final}
}

func (c *Checker) newRequest(ctx context.Context, method, target string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "website: build %s request", method)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	return req, nil
}

// collectSocials fetches the page body and records social profile links.
// Every failure here is ignored.
func (c *Checker) collectSocials(ctx context.Context, lead *model.Lead, pageURL string) {
	log := zap.L().With(zap.String("lead_id", lead.ID))

	req, err := c.newRequest(ctx, http.MethodGet, pageURL)
	if err != nil {
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug("website: body fetch failed", zap.Error(err))
		return
	}
	defer resp.Body.Close() //nolint:errcheck

	socials, err := ExtractSocials(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil || len(socials) == 0 {
		return
	}

	merged := make(map[string]string, len(lead.Socials)+len(socials))
	for k, v := range lead.Socials {
		merged[k] = v
	}
	for k, v := range socials {
		merged[k] = v
	}
	if err := c.store.UpdateLeadSocials(ctx, lead.ID, merged); err != nil {
		log.Warn("website: save socials failed", zap.Error(err))
		return
	}
	lead.Socials = merged
}

func (c *Checker) save(ctx context.Context, res *model.WebsiteCheckResult) error {
	if err := c.store.UpsertWebsiteCheck(ctx, res); err != nil {
		return eris.Wrapf(err, "website: save check for lead %s", res.LeadID)
	}
	return nil
}

func statusErrorURL(err error) string {
	var se *resilience.HTTPStatusError
	if errors.As(err, &se) {
		return se.URL
	}
	return ""
}
