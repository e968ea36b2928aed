package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
)

// HighlightClass is added to every highlighted element.
const HighlightClass = "audit-highlight"

const highlightCSS = `.audit-highlight {
	outline: 4px solid #FF00FF !important;
	box-shadow: 0 0 15px rgba(255, 0, 255, 0.7) !important;
	background-color: rgba(255, 0, 255, 0.1) !important;
	z-index: 999999 !important;
}`

// Anchor is a link found on the page.
type Anchor struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// Affordance selects elements either by CSS selector or, for buttons, by a
// case-insensitive label substring.
type Affordance struct {
	CSS  string `json:"css,omitempty"`
	Text string `json:"text,omitempty"`
}

// Page is one browser tab.
type Page struct {
	ctx        context.Context
	cancel     context.CancelFunc
	profile    Profile
	navTimeout time.Duration
}

// Profile returns the emulated device.
func (p *Page) Profile() Profile { return p.profile }

// Close closes the tab.
func (p *Page) Close() error {
	p.cancel()
	return nil
}

// Navigate loads url, bounded by the navigation timeout.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, p.navTimeout, chromedp.Navigate(url)); err != nil {
		return eris.Wrapf(err, "browser: navigate %s", url)
	}
	return nil
}

// NavigateWithin is Navigate with an explicit timeout.
func (p *Page) NavigateWithin(ctx context.Context, url string, timeout time.Duration) error {
	if err := p.run(ctx, timeout, chromedp.Navigate(url)); err != nil {
		return eris.Wrapf(err, "browser: navigate %s", url)
	}
	return nil
}

// URL returns the current location, or "" if it cannot be read.
func (p *Page) URL(ctx context.Context) string {
	var loc string
	if err := p.run(ctx, 5*time.Second, chromedp.Location(&loc)); err != nil {
		return ""
	}
	return loc
}

// Anchors lists every <a> element's resolved href and visible text.
func (p *Page) Anchors(ctx context.Context) ([]Anchor, error) {
	var anchors []Anchor
	js := `Array.from(document.querySelectorAll('a')).map(a => ({href: a.href || '', text: a.innerText || ''}))`
	if err := p.run(ctx, 10*time.Second, chromedp.Evaluate(js, &anchors)); err != nil {
		return nil, eris.Wrap(err, "browser: list anchors")
	}
	return anchors, nil
}

// HasForm reports whether the document contains a <form>.
func (p *Page) HasForm(ctx context.Context) (bool, error) {
	var ok bool
	if err := p.run(ctx, 5*time.Second, chromedp.Evaluate(`document.querySelector('form') !== null`, &ok)); err != nil {
		return false, eris.Wrap(err, "browser: detect form")
	}
	return ok, nil
}

// FirstVisible reports whether any element matching affs is rendered with
// its top edge above maxY.
func (p *Page) FirstVisible(ctx context.Context, affs []Affordance, maxY float64) (bool, error) {
	js, err := affordanceScript(affs, fmt.Sprintf(`
		for (const el of found) {
			if (visible(el) && el.getBoundingClientRect().top < %f) return true;
		}
		return false;`, maxY))
	if err != nil {
		return false, err
	}
	var ok bool
	if err := p.run(ctx, 10*time.Second, chromedp.Evaluate(js, &ok)); err != nil {
		return false, eris.Wrap(err, "browser: check visibility")
	}
	return ok, nil
}

// Highlight outlines every visible element matching affs and returns how
// many were marked.
func (p *Page) Highlight(ctx context.Context, affs []Affordance) (int, error) {
	css, _ := json.Marshal(highlightCSS)
	js, err := affordanceScript(affs, fmt.Sprintf(`
		const style = document.createElement('style');
		style.textContent = %s;
		document.head.appendChild(style);
		let n = 0;
		for (const el of found) {
			if (visible(el)) { el.classList.add(%q); n++; }
		}
		return n;`, css, HighlightClass))
	if err != nil {
		return 0, err
	}
	var n int
	if err := p.run(ctx, 10*time.Second, chromedp.Evaluate(js, &n)); err != nil {
		return 0, eris.Wrap(err, "browser: highlight")
	}
	return n, nil
}

// Screenshot captures the current viewport as PNG.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, 20*time.Second, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, eris.Wrap(err, "browser: screenshot")
	}
	return buf, nil
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func emulateDevice(p Profile) chromedp.Action {
	return chromedp.Tasks{
		emulation.SetDeviceMetricsOverride(p.Width, p.Height, p.Scale, p.Mobile),
		emulation.SetUserAgentOverride(p.UserAgent),
	}
}

// affordanceScript wraps body in a function where `found` holds every
// element matching affs and `visible(el)` checks rendering.
func affordanceScript(affs []Affordance, body string) (string, error) {
	raw, err := json.Marshal(affs)
	if err != nil {
		return "", eris.Wrap(err, "browser: encode affordances")
	}
	return fmt.Sprintf(`(() => {
		const affs = %s;
		const visible = (el) => {
			const s = window.getComputedStyle(el);
			const r = el.getBoundingClientRect();
			return s.display !== 'none' && s.visibility !== 'hidden' && r.width > 0 && r.height > 0;
		};
		const found = [];
		for (const a of affs) {
			if (a.css) {
				try { found.push(...document.querySelectorAll(a.css)); } catch (e) {}
				continue;
			}
			const label = (a.text || '').toLowerCase();
			for (const b of document.querySelectorAll('button')) {
				if ((b.innerText || '').toLowerCase().includes(label)) found.push(b);
			}
		}
		%s
	})()`, raw, body), nil
}
