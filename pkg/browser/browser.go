// Package browser drives headless Chrome through chromedp for screenshots
// and in-page DOM checks.
package browser

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Profile describes the emulated device.
type Profile struct {
	Name      string
	Width     int64
	Height    int64
	Scale     float64
	Mobile    bool
	UserAgent string
}

var (
	// Mobile is an iPhone-sized portrait viewport.
	Mobile = Profile{
		Name:      "mobile",
		Width:     390,
		Height:    844,
		Scale:     3,
		Mobile:    true,
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
	}
	// Desktop is a common laptop viewport.
	Desktop = Profile{
		Name:      "desktop",
		Width:     1366,
		Height:    768,
		Scale:     1,
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	}
)

// ProfileFor returns the profile registered under name, defaulting to Mobile.
func ProfileFor(name string) Profile {
	if name == Desktop.Name {
		return Desktop
	}
	return Mobile
}

// Options configures the Chrome process.
type Options struct {
	ExecPath string
	// FastMode blocks images, media and fonts.
	FastMode   bool
	NavTimeout time.Duration
	Settle     time.Duration
}

// Chrome owns one headless browser process. Each Open creates a new tab.
type Chrome struct {
	allocCtx context.Context
	cancel   context.CancelFunc
	opts     Options
}

// New starts the exec allocator. The browser itself launches lazily on the
// first Open.
func New(opts Options) *Chrome {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = 30 * time.Second
	}
	if opts.Settle <= 0 {
		opts.Settle = time.Second
	}

	execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)
	if opts.ExecPath != "" {
		execOpts = append(execOpts, chromedp.ExecPath(opts.ExecPath))
	}

	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), execOpts...)
	return &Chrome{allocCtx: allocCtx, cancel: cancel, opts: opts}
}

// Close shuts down the browser process.
func (c *Chrome) Close() {
	c.cancel()
}

// Open creates a tab emulating profile.
func (c *Chrome) Open(ctx context.Context, p Profile) (*Page, error) {
	tabCtx, cancel := chromedp.NewContext(c.allocCtx)

	// The first Run allocates the tab. It must use the tab context itself
	// so that a caller deadline does not close the tab early.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, eris.Wrap(err, "browser: open tab")
	}

	page := &Page{ctx: tabCtx, cancel: cancel, profile: p, navTimeout: c.opts.NavTimeout}
	actions := []chromedp.Action{
		emulateDevice(p),
	}
	if c.opts.FastMode {
		blockHeavyResources(tabCtx)
		actions = append(actions, fetch.Enable().WithPatterns(heavyResourcePatterns()))
	}
	if err := page.run(ctx, page.navTimeout, actions...); err != nil {
		page.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "browser: emulate device")
	}
	return page, nil
}

// Capture is one screenshot of a page.
type Capture struct {
	PNG      []byte
	FinalURL string
}

// Capture navigates to url with profile, waits for the page to settle and
// screenshots the viewport.
func (c *Chrome) Capture(ctx context.Context, url string, p Profile) (*Capture, error) {
	page, err := c.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer page.Close() //nolint:errcheck

	if err := page.Navigate(ctx, url); err != nil {
		return nil, err
	}
	if err := page.run(ctx, c.opts.Settle+time.Second, chromedp.Sleep(c.opts.Settle)); err != nil {
		return nil, eris.Wrap(err, "browser: settle")
	}

	png, err := page.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	final := page.URL(ctx)
	if final == "" {
		final = url
	}

	zap.L().Debug("browser: captured",
		zap.String("url", url),
		zap.String("final_url", final),
		zap.String("profile", p.Name),
		zap.Int("bytes", len(png)),
	)
	return &Capture{PNG: png, FinalURL: final}, nil
}

func heavyResourcePatterns() []*fetch.RequestPattern {
	var patterns []*fetch.RequestPattern
	for _, rt := range []network.ResourceType{
		network.ResourceTypeImage,
		network.ResourceTypeMedia,
		network.ResourceTypeFont,
	} {
		patterns = append(patterns, &fetch.RequestPattern{URLPattern: "*", ResourceType: rt})
	}
	return patterns
}

// blockHeavyResources fails every request paused by the fetch patterns.
func blockHeavyResources(tabCtx context.Context) {
	chromedp.ListenTarget(tabCtx, func(ev any) {
		e, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			_ = chromedp.Run(tabCtx, fetch.FailRequest(e.RequestID, network.ErrorReasonBlockedByClient))
		}()
	})
}
