// Package executor drives the scroll, settle and snapshot cycle for every step
// of a capture plan.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/v0xg/pagesnap/internal/imagefmt"
	"github.com/v0xg/pagesnap/internal/plan"
)

// Tuned by hand against real pages; see config for overrides.
const (
	DefaultScrollDelay    = 600 * time.Millisecond
	DefaultIndicatorDelay = 50 * time.Millisecond
	DefaultRetryDelay     = 500 * time.Millisecond
	DefaultMaxAttempts    = 3
)

var errCancelled = errors.New("capture cancelled")

// Viewport is the scroll and snapshot surface of the page being captured.
type Viewport interface {
	ScrollTo(ctx context.Context, x, y int) error
	ScrollOffset(ctx context.Context) (x, y int, err error)
	// Snapshot captures exactly the currently visible region.
	Snapshot(ctx context.Context, format imagefmt.Format) ([]byte, error)
}

// Indicator is the progress UI shown while capturing.
type Indicator interface {
	Progress(ctx context.Context, current, total int) error
	SetVisible(ctx context.Context, visible bool) error
}

// Hider hides sticky elements; it must be idempotent.
type Hider interface {
	Hide(ctx context.Context) error
}

// Options configures execution behavior
type Options struct {
	Format         imagefmt.Format
	ScrollDelay    time.Duration // wait after scrolling for lazy content and repaint
	IndicatorDelay time.Duration // wait after hiding the indicator
	RetryDelay     time.Duration
	MaxAttempts    int
	Logger         *slog.Logger
}

// DefaultOptions returns the stock delays and retry bound.
func DefaultOptions() Options {
	return Options{
		ScrollDelay:    DefaultScrollDelay,
		IndicatorDelay: DefaultIndicatorDelay,
		RetryDelay:     DefaultRetryDelay,
		MaxAttempts:    DefaultMaxAttempts,
	}
}

// Executor runs the steps of a plan strictly in order.
type Executor struct {
	view      Viewport
	indicator Indicator
	hider     Hider
	cancelled func() bool
	opts      Options
	log       *slog.Logger
}

// New creates an Executor. indicator, hider and cancelled may be nil.
func New(view Viewport, indicator Indicator, hider Hider, cancelled func() bool, opts Options) *Executor {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if indicator == nil {
		indicator = nopIndicator{}
	}
	if hider == nil {
		hider = nopHider{}
	}
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	return &Executor{
		view:      view,
		indicator: indicator,
		hider:     hider,
		cancelled: cancelled,
		opts:      opts,
		log:       opts.Logger.With("component", "executor"),
	}
}

// Run captures every step of p. Cancellation is checked before each step
// and before each snapshot attempt, never during one; a cancelled run
// returns Capture{Cancelled: true} and a nil error. A step that keeps
// failing returns a *SnapshotError and no frames.
func (e *Executor) Run(ctx context.Context, p plan.Plan) (Capture, error) {
	steps := p.Steps()
	frames := make([]Frame, 0, len(steps))

	for _, step := range steps {
		frame, err := e.captureStep(ctx, p, step)
		if errors.Is(err, errCancelled) {
			e.log.Info("capture cancelled", "step", step.Index, "total", p.StepCount)
			return Capture{Cancelled: true}, nil
		}
		if err != nil {
			return Capture{}, err
		}
		frames = append(frames, frame)
	}

	return Capture{Frames: frames}, nil
}

func (e *Executor) captureStep(ctx context.Context, p plan.Plan, step plan.Step) (Frame, error) {
	if e.cancelled() {
		return Frame{}, errCancelled
	}

	if err := e.indicator.Progress(ctx, step.Index, p.StepCount); err != nil {
		e.log.Warn("progress update failed", "error", err)
	}

	if err := e.view.ScrollTo(ctx, 0, step.Offset); err != nil {
		return Frame{}, fmt.Errorf("scroll to %d: %w", step.Offset, err)
	}
	if err := sleep(ctx, e.opts.ScrollDelay); err != nil {
		return Frame{}, err
	}

	if step.HidesSticky() {
		if err := e.hider.Hide(ctx); err != nil {
			e.log.Warn("hide sticky elements failed", "step", step.Index, "error", err)
		}
	}

	// Near the page bottom the host clamps the scroll; place the frame where
	// the page really is, not where we asked it to be.
	_, actualY, err := e.view.ScrollOffset(ctx)
	if err != nil {
		return Frame{}, fmt.Errorf("read scroll offset: %w", err)
	}

	data, w, h, err := e.snapshotWithRetry(ctx, step)
	if err != nil {
		return Frame{}, err
	}

	e.log.Debug("step captured",
		"step", step.Index,
		"requested", step.Offset,
		"actual", actualY,
		"pixels", fmt.Sprintf("%dx%d", w, h),
	)

	return Frame{
		Data:        data,
		PixelWidth:  w,
		PixelHeight: h,
		OriginY:     actualY,
		Height:      p.ViewportHeight,
	}, nil
}

func (e *Executor) snapshotWithRetry(ctx context.Context, step plan.Step) ([]byte, int, int, error) {
	var lastErr error

	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		if e.cancelled() {
			return nil, 0, 0, errCancelled
		}

		data, err := e.snapshotOnce(ctx)
		if err == nil {
			w, h, derr := decodeFrame(data)
			if derr == nil {
				return data, w, h, nil
			}
			err = derr
		}
		if ctx.Err() != nil {
			return nil, 0, 0, ctx.Err()
		}

		lastErr = err
		e.log.Warn("snapshot attempt failed",
			"step", step.Index,
			"attempt", attempt,
			"max", e.opts.MaxAttempts,
			"error", err,
		)

		if attempt < e.opts.MaxAttempts {
			if err := sleep(ctx, e.opts.RetryDelay); err != nil {
				return nil, 0, 0, err
			}
		}
	}

	return nil, 0, 0, &SnapshotError{Step: step.Index, Attempts: e.opts.MaxAttempts, Err: lastErr}
}

// snapshotOnce hides the indicator for the duration of one snapshot and
// shows it again whatever the outcome.
func (e *Executor) snapshotOnce(ctx context.Context) ([]byte, error) {
	if err := e.indicator.SetVisible(ctx, false); err != nil {
		e.log.Warn("hide indicator failed", "error", err)
	}
	defer func() {
		if err := e.indicator.SetVisible(ctx, true); err != nil {
			e.log.Warn("show indicator failed", "error", err)
		}
	}()

	if err := sleep(ctx, e.opts.IndicatorDelay); err != nil {
		return nil, err
	}
	return e.view.Snapshot(ctx, e.opts.Format)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopIndicator struct{}

func (nopIndicator) Progress(context.Context, int, int) error { return nil }
func (nopIndicator) SetVisible(context.Context, bool) error   { return nil }

type nopHider struct{}

func (nopHider) Hide(context.Context) error { return nil }
