// Package ux measures how quickly a mobile visitor can find a way to
// contact the business.
package ux

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/lead-enrich/internal/evidence"
	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/pkg/browser"
)

const (
	// SentinelTimeToContactMS is recorded when no contact affordance is
	// visible above the fold. It is a penalty, not a measurement.
	SentinelTimeToContactMS = 5000
	// FoldHeight is the mobile viewport height in CSS pixels.
	FoldHeight = 844

	// BlockerTimeoutOrError marks a failed or timed-out navigation.
	BlockerTimeoutOrError = "timeout_or_error"
	// BlockerScreenshotFailed marks a missing evidence image.
	BlockerScreenshotFailed = "screenshot_failed"

	navTimeout = 15 * time.Second
	settleTime = 2 * time.Second
)

// ContactAffordances are the elements that count as an immediate way to
// reach the business.
var ContactAffordances = []browser.Affordance{
	{CSS: `a[href^="tel:"]`},
	{CSS: `a[href^="mailto:"]`},
	{CSS: `a[href*="wa.me"]`},
	{CSS: `a[href*="whatsapp"]`},
	{Text: "Call"},
	{Text: "Email"},
	{Text: "Quote"},
	{Text: "Contact"},
	{CSS: ".fab"},
	{CSS: `[aria-label*="chat"]`},
}

// Page is the slice of a browser tab the auditor needs.
type Page interface {
	NavigateWithin(ctx context.Context, url string, timeout time.Duration) error
	URL(ctx context.Context) string
	Anchors(ctx context.Context) ([]browser.Anchor, error)
	HasForm(ctx context.Context) (bool, error)
	FirstVisible(ctx context.Context, affs []browser.Affordance, maxY float64) (bool, error)
	Highlight(ctx context.Context, affs []browser.Affordance) (int, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Browser opens pages.
type Browser interface {
	Open(ctx context.Context, p browser.Profile) (Page, error)
}

// Chrome adapts a chromedp-backed browser to Browser.
func Chrome(c *browser.Chrome) Browser {
	return chromeBrowser{c}
}

type chromeBrowser struct{ c *browser.Chrome }

func (b chromeBrowser) Open(ctx context.Context, p browser.Profile) (Page, error) {
	page, err := b.c.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	return page, nil
}

// EvidenceWriter stores the audit screenshot.
type EvidenceWriter interface {
	Write(leadID, name string, png []byte) (string, error)
}

// Store persists audit results.
type Store interface {
	InsertUxAudit(ctx context.Context, r *model.UxAuditResult) error
}

// Auditor runs UX friction audits.
type Auditor struct {
	browser  Browser
	evidence EvidenceWriter
	store    Store
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewAuditor creates an Auditor.
func NewAuditor(b Browser, ev EvidenceWriter, st Store) *Auditor {
	return &Auditor{
		browser:  b,
		evidence: ev,
		store:    st,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Audit loads url in a mobile viewport, classifies the contact channels,
// measures time and clicks to contact, saves a highlighted screenshot and
// persists the result. Navigation and capture problems are recorded as
// blockers. Only browser launch and persistence errors are returned.
func (a *Auditor) Audit(ctx context.Context, leadID, url string) (*model.UxAuditResult, error) {
	log := zap.L().With(zap.String("lead_id", leadID), zap.String("url", url))

	page, err := a.browser.Open(ctx, browser.Mobile)
	if err != nil {
		return nil, eris.Wrap(err, "ux: open page")
	}
	defer page.Close() //nolint:errcheck

	res := &model.UxAuditResult{
		LeadID:          leadID,
		FinalURL:        url,
		Viewport:        model.ViewportMobile,
		TimeToContactMS: SentinelTimeToContactMS,
		ClicksToContact: 2,
		Channels:        []string{},
		Blockers:        []string{},
	}

	start := a.now()
	if err := page.NavigateWithin(ctx, url, navTimeout); err != nil {
		log.Warn("ux: navigation failed", zap.Error(err))
		res.Blockers = append(res.Blockers, BlockerTimeoutOrError)
	} else if err := a.sleep(ctx, settleTime); err != nil {
		return nil, eris.Wrap(err, "ux: settle")
	}
	if final := page.URL(ctx); final != "" {
		res.FinalURL = final
	}

	anchors, err := page.Anchors(ctx)
	if err != nil {
		log.Debug("ux: anchors unavailable", zap.Error(err))
	}
	hasForm, err := page.HasForm(ctx)
	if err != nil {
		log.Debug("ux: form check failed", zap.Error(err))
	}
	res.Channels = ClassifyChannels(anchors, hasForm)

	visible, err := page.FirstVisible(ctx, ContactAffordances, FoldHeight)
	if err != nil {
		log.Debug("ux: visibility check failed", zap.Error(err))
	}
	if visible {
		res.ClicksToContact = 0
		res.TimeToContactMS = int(a.now().Sub(start).Milliseconds())
	} else {
		res.ClicksToContact = ClicksWithoutVisibleContact(res.Channels)
		res.TimeToContactMS = SentinelTimeToContactMS
	}

	if _, err := page.Highlight(ctx, ContactAffordances); err != nil {
		log.Debug("ux: highlight failed", zap.Error(err))
	}

	png, err := page.Screenshot(ctx)
	if err == nil {
		res.EvidencePath, err = a.evidence.Write(leadID, evidence.UxAuditName(a.now()), png)
	}
	if err != nil {
		log.Warn("ux: evidence capture failed", zap.Error(err))
		res.Blockers = append(res.Blockers, BlockerScreenshotFailed)
	}

	if err := a.store.InsertUxAudit(ctx, res); err != nil {
		return nil, eris.Wrapf(err, "ux: save audit for lead %s", leadID)
	}

	log.Info("ux audit complete",
		zap.Int("clicks_to_contact", res.ClicksToContact),
		zap.Int("time_to_contact_ms", res.TimeToContactMS),
		zap.Strings("channels", res.Channels),
		zap.Strings("blockers", res.Blockers),
	)
	return res, nil
}

// ClicksWithoutVisibleContact estimates clicks when nothing is visible
// above the fold: one via a contact page link, otherwise two.
func ClicksWithoutVisibleContact(channels []string) int {
	for _, c := range channels {
		if c == model.ChannelContactPageLink {
			return 1
		}
	}
	return 2
}

var channelOrder = []string{
	model.ChannelPhone,
	model.ChannelEmail,
	model.ChannelWhatsApp,
	model.ChannelBooking,
	model.ChannelContactPageLink,
	model.ChannelForm,
}

var contactPhrases = []string{"contact", "get a quote"}

// ClassifyChannels buckets anchors by URL scheme, host and link text.
func ClassifyChannels(anchors []browser.Anchor, hasForm bool) []string {
	fold := cases.Fold()
	found := make(map[string]bool)
	for _, a := range anchors {
		href := strings.ToLower(strings.TrimSpace(a.Href))
		switch {
		case strings.HasPrefix(href, "tel:"):
			found[model.ChannelPhone] = true
		case strings.HasPrefix(href, "mailto:"):
			found[model.ChannelEmail] = true
		}
		if strings.Contains(href, "wa.me") || strings.Contains(href, "api.whatsapp.com") {
			found[model.ChannelWhatsApp] = true
		}
		if strings.Contains(href, "booking") || strings.Contains(href, "calendly") {
			found[model.ChannelBooking] = true
		}

		text := fold.String(a.Text)
		for _, phrase := range contactPhrases {
			if strings.Contains(text, phrase) {
				found[model.ChannelContactPageLink] = true
			}
		}
	}
	if hasForm {
		found[model.ChannelForm] = true
	}

	out := make([]string, 0, len(found))
	for _, c := range channelOrder {
		if found[c] {
			out = append(out, c)
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
