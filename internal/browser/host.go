package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"

	"github.com/v0xg/pagesnap/internal/imagefmt"
	"github.com/v0xg/pagesnap/internal/overlay"
	"github.com/v0xg/pagesnap/internal/plan"
	"github.com/v0xg/pagesnap/internal/sticky"
)

// Several box metrics disagree in quirks mode; the largest one wins.
const metricsJS = `() => {
	const b = document.body, d = document.documentElement;
	return {
		totalWidth: Math.max(b.scrollWidth, d.scrollWidth, b.offsetWidth, d.offsetWidth, b.clientWidth, d.clientWidth),
		totalHeight: Math.max(b.scrollHeight, d.scrollHeight, b.offsetHeight, d.offsetHeight, b.clientHeight, d.clientHeight),
		viewportWidth: window.innerWidth,
		viewportHeight: window.innerHeight
	};
}`

const fixedElementsJS = `(excludeID) => Array.from(document.querySelectorAll('*')).filter(el => {
	if (el.id === excludeID || el.closest('#' + excludeID)) return false;
	const p = window.getComputedStyle(el).position;
	return p === 'fixed' || p === 'sticky';
})`

// Measure reports the page and viewport extent.
func (b *Browser) Measure(ctx context.Context) (plan.Metrics, error) {
	res, err := b.page.Context(ctx).Eval(metricsJS)
	if err != nil {
		return plan.Metrics{}, fmt.Errorf("browser: measure: %w", err)
	}
	return metricsFrom(res.Value), nil
}

func metricsFrom(v gson.JSON) plan.Metrics {
	return plan.Metrics{
		TotalWidth:     v.Get("totalWidth").Int(),
		TotalHeight:    v.Get("totalHeight").Int(),
		ViewportWidth:  v.Get("viewportWidth").Int(),
		ViewportHeight: v.Get("viewportHeight").Int(),
	}
}

// ScrollTo requests a scroll; the browser clamps it to the page.
func (b *Browser) ScrollTo(ctx context.Context, x, y int) error {
	_, err := b.page.Context(ctx).Eval(`(x, y) => window.scrollTo(x, y)`, x, y)
	return err
}

// ScrollOffset reads back the actual scroll position.
func (b *Browser) ScrollOffset(ctx context.Context) (int, int, error) {
	res, err := b.page.Context(ctx).Eval(`() => ({x: Math.round(window.scrollX), y: Math.round(window.scrollY)})`)
	if err != nil {
		return 0, 0, err
	}
	return res.Value.Get("x").Int(), res.Value.Get("y").Int(), nil
}

// Snapshot captures the visible viewport only.
func (b *Browser) Snapshot(ctx context.Context, format imagefmt.Format) ([]byte, error) {
	page := b.page.Context(ctx)

	info, err := page.Info()
	if err != nil {
		return nil, fmt.Errorf("browser: page info: %w", err)
	}
	if Restricted(info.URL) {
		return nil, fmt.Errorf("%w: %s", ErrRestrictedPage, info.URL)
	}

	return page.Screenshot(false, screenshotRequest(format, b.opts.JPEGQuality))
}

func screenshotRequest(format imagefmt.Format, quality int) *proto.PageCaptureScreenshot {
	if format == imagefmt.JPEG {
		return &proto.PageCaptureScreenshot{
			Format:  proto.PageCaptureScreenshotFormatJpeg,
			Quality: gson.Int(quality),
		}
	}
	return &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
}

// FixedElements lists fixed and sticky elements outside the pagesnap overlay.
func (b *Browser) FixedElements(ctx context.Context) ([]sticky.Element, error) {
	els, err := b.page.Context(ctx).ElementsByJS(rod.Eval(fixedElementsJS, overlay.OverlayID))
	if err != nil {
		return nil, err
	}

	out := make([]sticky.Element, len(els))
	for i, el := range els {
		out[i] = element{el: el}
	}
	return out, nil
}

// element adapts a Rod element handle to sticky.Element. The handle is a
// remote reference; the page owns the node.
type element struct {
	el *rod.Element
}

func (e element) Visibility(ctx context.Context) (string, error) {
	res, err := e.el.Context(ctx).Eval(`() => this.style.visibility`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (e element) SetVisibility(ctx context.Context, value string) error {
	_, err := e.el.Context(ctx).Eval(`(v) => { this.style.visibility = v; }`, value)
	return err
}
