package browser

import (
	"context"
	"time"

	"github.com/go-rod/rod"
)

const (
	settleTimeout  = 5 * time.Second
	settleInterval = 200 * time.Millisecond
	settleGrace    = 300 * time.Millisecond
)

// Framework markers of client-rendered apps, whose content shows up well
// after the load event.
const detectSPAJS = `() => {
	if (window.__REACT_DEVTOOLS_GLOBAL_HOOK__ || document.querySelector('[data-reactroot]') || document.querySelector('#__next')) return true;
	if (window.__VUE__ || document.querySelector('[data-v-app]')) return true;
	if (window.ng || document.querySelector('[ng-version]') || document.querySelector('app-root')) return true;
	if (document.querySelector('[class*="svelte-"]')) return true;
	return false;
}`

// Counts rendered elements that carry content, so a hydrated page reads
// as non-zero.
const renderedContentJS = `() => {
	let visible = 0;
	document.querySelectorAll('main, article, section, p, img, h1, h2, h3, a[href], button').forEach(el => {
		if (el.offsetParent) visible++;
	});
	return visible;
}`

func detectSPA(ctx context.Context, page *rod.Page) bool {
	res, err := page.Context(ctx).Eval(detectSPAJS)
	if err != nil {
		return false
	}
	return res.Value.Bool()
}

// settle waits for a client-rendered page to paint its content, so the
// height measured for the capture plan is not that of an empty shell.
// Static pages return at once.
func (b *Browser) settle(ctx context.Context) {
	if !detectSPA(ctx, b.page) {
		return
	}

	b.log.Debug("single-page app detected, waiting for content")
	deadline := time.Now().Add(settleTimeout)
	for time.Now().Before(deadline) {
		res, err := b.page.Context(ctx).Eval(renderedContentJS)
		if err == nil && res.Value.Int() > 0 {
			_ = sleep(ctx, settleGrace)
			return
		}
		if sleep(ctx, settleInterval) != nil {
			return
		}
	}
	b.log.Warn("page content did not appear", "timeout", settleTimeout)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
