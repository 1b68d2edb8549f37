// Package browser launches or connects to Chrome through Rod and exposes the
// page operations the capture pipeline needs: metrics, scrolling, viewport
// snapshots and the fixed/sticky element scan.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ErrRestrictedPage is returned for pages the browser will not let us capture.
var ErrRestrictedPage = errors.New("browser: cannot capture this page type")

var restrictedPrefixes = []string{
	"chrome://",
	"edge://",
	"chrome-extension://",
	"devtools://",
	"chrome-error://",
}

// Restricted reports whether rawURL is a privileged browser page.
func Restricted(rawURL string) bool {
	if strings.TrimSpace(rawURL) == "" {
		return true
	}
	u := strings.ToLower(rawURL)
	for _, p := range restrictedPrefixes {
		if strings.HasPrefix(u, p) {
			return true
		}
	}
	return false
}

// Options configures the browser session.
type Options struct {
	Width             int
	Height            int
	DeviceScaleFactor float64
	Timeout           time.Duration
	Headless          bool
	ProfileDir        string // Chrome/Chromium profile directory for authenticated sessions
	RemoteURL         string // DevTools WebSocket URL of a running Chrome; empty launches one
	Stealth           bool
	JPEGQuality       int
	Logger            *slog.Logger
}

func (o *Options) defaults() {
	if o.Width <= 0 {
		o.Width = 1280
	}
	if o.Height <= 0 {
		o.Height = 720
	}
	if o.DeviceScaleFactor <= 0 {
		o.DeviceScaleFactor = 1
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = 92
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Browser wraps the Rod browser and the page being captured.
type Browser struct {
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	opts     Options
	log      *slog.Logger
}

// Open starts (or connects to) Chrome, opens url in a new tab sized to the
// requested viewport and waits for the page to settle.
func Open(ctx context.Context, url string, opts Options) (*Browser, error) {
	opts.defaults()
	if Restricted(url) {
		return nil, fmt.Errorf("%w: %s", ErrRestrictedPage, url)
	}

	b := &Browser{opts: opts, log: opts.Logger.With("component", "browser")}
	if err := b.connect(ctx); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openPage(ctx, url); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Browser) connect(ctx context.Context) error {
	wsURL := b.opts.RemoteURL

	if wsURL != "" {
		b.log.Info("connecting to remote chrome", "url", wsURL)
	} else {
		l := launcher.New().Context(ctx).Headless(b.opts.Headless)
		if path, ok := launcher.LookPath(); ok {
			l = l.Bin(path)
		}
		if b.opts.ProfileDir != "" {
			l = l.UserDataDir(b.opts.ProfileDir)
		}

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		b.launcher = l
		b.log.Info("launched local chrome", "url", wsURL, "headless", b.opts.Headless)
	}

	rb := rod.New().Context(ctx).ControlURL(wsURL)
	if err := rb.Connect(); err != nil {
		return fmt.Errorf("browser: connect: %w", err)
	}
	b.browser = rb
	return nil
}

func (b *Browser) openPage(ctx context.Context, url string) error {
	var page *rod.Page
	var err error

	if b.opts.Stealth {
		page, err = stealth.Page(b.browser)
	} else {
		page, err = b.browser.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return fmt.Errorf("browser: create tab: %w", err)
	}
	b.page = page

	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             b.opts.Width,
		Height:            b.opts.Height,
		DeviceScaleFactor: b.opts.DeviceScaleFactor,
		Mobile:            false,
	})
	if err != nil {
		return fmt.Errorf("browser: set viewport: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(url); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		b.log.Warn("wait load timeout", "url", url, "error", err)
	}

	// Don't hang on pages with persistent connections (WebSockets, polling).
	page.Timeout(5*time.Second).WaitRequestIdle(500*time.Millisecond, nil, nil, nil)()
	b.settle(ctx)

	b.log.Debug("page ready", "url", url)
	return nil
}

// Page returns the underlying Rod page
func (b *Browser) Page() *rod.Page {
	return b.page
}

// Close cleans up browser resources
func (b *Browser) Close() {
	if b.page != nil {
		if err := b.page.Close(); err != nil {
			b.log.Debug("close page", "error", err)
		}
	}
	// A remote Chrome belongs to someone else; only close what we launched.
	if b.browser != nil && b.launcher != nil {
		if err := b.browser.Close(); err != nil {
			b.log.Debug("close browser", "error", err)
		}
	}
	if b.launcher != nil {
		// Cleanup also deletes the user data dir, which must survive when it
		// is the caller's own profile.
		if b.opts.ProfileDir != "" {
			b.launcher.Kill()
		} else {
			b.launcher.Cleanup()
		}
	}
}
