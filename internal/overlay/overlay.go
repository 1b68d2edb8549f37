// Package overlay renders the in-page progress dialog, cancel button and
// toast notices while a capture runs.
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"

	"github.com/v0xg/pagesnap/internal/notify"
)

const (
	// OverlayID is the root of the overlay subtree. Sticky detection skips it.
	OverlayID = "pagesnap-overlay"
	// DialogID is the part hidden for each snapshot.
	DialogID = "pagesnap-dialog"
	ToastID  = "pagesnap-toast"

	ToastDuration = 3 * time.Second
)

// Indicator is the progress dialog injected into the captured page.
type Indicator struct {
	page *rod.Page
	log  *slog.Logger
}

// New creates an Indicator for page. Nothing is injected until Show.
func New(page *rod.Page, logger *slog.Logger) *Indicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indicator{page: page, log: logger.With("component", "overlay")}
}

// Show injects the overlay, replacing any left over from an earlier run.
// The overlay is transparent but blocks clicks on the page.
func (i *Indicator) Show(ctx context.Context) error {
	_, err := i.page.Context(ctx).Eval(showJS, OverlayID, DialogID)
	if err != nil {
		return fmt.Errorf("overlay: show: %w", err)
	}
	return nil
}

// Progress updates the "current / total" line.
func (i *Indicator) Progress(ctx context.Context, current, total int) error {
	_, err := i.page.Context(ctx).Eval(`(id, text) => {
		const el = document.getElementById(id);
		if (el) el.textContent = text;
	}`, OverlayID+"-detail", fmt.Sprintf("%d / %d", current, total))
	return err
}

// SetVisible hides or shows the dialog without removing the overlay, so the
// dialog stays out of snapshots while clicks remain blocked.
func (i *Indicator) SetVisible(ctx context.Context, visible bool) error {
	v := "hidden"
	if visible {
		v = "visible"
	}
	_, err := i.page.Context(ctx).Eval(`(id, v) => {
		const el = document.getElementById(id);
		if (el) el.style.setProperty('visibility', v, 'important');
	}`, DialogID, v)
	return err
}

// CancelRequested reports whether the user pressed the Cancel button.
func (i *Indicator) CancelRequested(ctx context.Context) (bool, error) {
	res, err := i.page.Context(ctx).Eval(`() => window.__pagesnapCancelled === true`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

// Remove takes the overlay out of the page.
func (i *Indicator) Remove(ctx context.Context) error {
	_, err := i.page.Context(ctx).Eval(`(id) => {
		const el = document.getElementById(id);
		if (el) el.remove();
		const style = document.getElementById(id + '-style');
		if (style) style.remove();
		delete window.__pagesnapCancelled;
	}`, OverlayID)
	if err != nil {
		return fmt.Errorf("overlay: remove: %w", err)
	}
	return nil
}

// Toaster shows notices as a toast in the bottom right corner of the page.
type Toaster struct {
	page *rod.Page

	mu    sync.Mutex
	until time.Time
}

func NewToaster(page *rod.Page) *Toaster {
	return &Toaster{page: page}
}

func (t *Toaster) Notify(ctx context.Context, n notify.Notice) error {
	bg := "rgba(0, 0, 0, 0.85)"
	switch n.Kind {
	case notify.Warning:
		bg = "rgba(255, 152, 0, 0.9)"
	case notify.Error:
		bg = "rgba(244, 67, 54, 0.9)"
	}

	_, err := t.page.Context(ctx).Eval(toastJS,
		ToastID,
		n.Kind.Icon()+" "+n.Message,
		n.Detail,
		bg,
		ToastDuration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("overlay: toast: %w", err)
	}

	t.mu.Lock()
	t.until = time.Now().Add(ToastDuration)
	t.mu.Unlock()
	return nil
}

// Wait blocks until the last toast has been on screen for its full
// duration, so the page is not closed under it. It returns early when ctx
// is done.
func (t *Toaster) Wait(ctx context.Context) {
	t.mu.Lock()
	left := time.Until(t.until)
	t.mu.Unlock()
	if left <= 0 {
		return
	}

	timer := time.NewTimer(left)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

const showJS = `(overlayID, dialogID) => {
	const old = document.getElementById(overlayID);
	if (old) old.remove();
	window.__pagesnapCancelled = false;

	const style = document.createElement('style');
	style.id = overlayID + '-style';
	style.textContent = '@keyframes pagesnap-spin { to { transform: rotate(360deg); } }';
	document.head.appendChild(style);

	const overlay = document.createElement('div');
	overlay.id = overlayID;
	overlay.style.cssText = 'position: fixed !important; top: 0 !important; left: 0 !important;' +
		'width: 100vw !important; height: 100vh !important; background: transparent !important;' +
		'display: flex !important; align-items: center !important; justify-content: center !important;' +
		'z-index: 2147483647 !important; pointer-events: auto !important;' +
		'font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif !important;';

	const dialog = document.createElement('div');
	dialog.id = dialogID;
	dialog.style.cssText = 'background: rgba(30, 30, 30, 0.95) !important; border-radius: 16px !important;' +
		'padding: 32px 48px !important; text-align: center !important;' +
		'box-shadow: 0 8px 32px rgba(0, 0, 0, 0.5) !important;';

	const spinner = document.createElement('div');
	spinner.style.cssText = 'width: 48px !important; height: 48px !important; margin: 0 auto 16px !important;' +
		'border: 4px solid rgba(255, 255, 255, 0.2) !important; border-top-color: #4facfe !important;' +
		'border-radius: 50% !important; animation: pagesnap-spin 1s linear infinite !important;';

	const title = document.createElement('div');
	title.style.cssText = 'color: #fff !important; font-size: 18px !important; font-weight: 500 !important; margin-bottom: 8px !important;';
	title.textContent = 'Capturing...';

	const detail = document.createElement('div');
	detail.id = overlayID + '-detail';
	detail.style.cssText = 'color: rgba(255, 255, 255, 0.6) !important; font-size: 14px !important; margin-bottom: 24px !important;';
	detail.textContent = 'Preparing...';

	const cancel = document.createElement('button');
	cancel.textContent = 'Cancel';
	cancel.style.cssText = 'background: transparent !important; border: 2px solid rgba(255, 255, 255, 0.3) !important;' +
		'color: #fff !important; padding: 10px 32px !important; font-size: 14px !important;' +
		'border-radius: 8px !important; cursor: pointer !important;';
	cancel.onclick = () => {
		window.__pagesnapCancelled = true;
		title.textContent = 'Cancelling...';
		cancel.disabled = true;
		cancel.style.opacity = '0.5';
	};

	dialog.append(spinner, title, detail, cancel);
	overlay.appendChild(dialog);
	document.body.appendChild(overlay);
}`

const toastJS = `(id, message, detail, bg, duration) => {
	const old = document.getElementById(id);
	if (old) old.remove();

	const toast = document.createElement('div');
	toast.id = id;
	toast.style.cssText = 'position: fixed !important; bottom: 20px !important; right: 20px !important;' +
		'padding: 12px 24px !important; color: #fff !important; font-size: 14px !important;' +
		'font-weight: 500 !important; border-radius: 8px !important; z-index: 2147483647 !important;' +
		'box-shadow: 0 4px 12px rgba(0, 0, 0, 0.3) !important; pointer-events: none !important;' +
		'font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif !important;';
	toast.style.setProperty('background-color', bg, 'important');

	const main = document.createElement('span');
	main.textContent = message;
	toast.appendChild(main);
	if (detail) {
		const sub = document.createElement('span');
		sub.textContent = ' (' + detail + ')';
		sub.style.cssText = 'color: #ffaa00 !important; font-size: 12px !important;';
		toast.appendChild(sub);
	}

	document.body.appendChild(toast);
	setTimeout(() => { if (toast.parentNode) toast.remove(); }, duration);
}`
