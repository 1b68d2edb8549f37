// Package pipeline sequences a full-page capture: plan, capture every step,
// stitch, clean up the page and deliver the image.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/v0xg/pagesnap/internal/compositor"
	"github.com/v0xg/pagesnap/internal/config"
	"github.com/v0xg/pagesnap/internal/delivery"
	"github.com/v0xg/pagesnap/internal/executor"
	"github.com/v0xg/pagesnap/internal/imagefmt"
	"github.com/v0xg/pagesnap/internal/notify"
	"github.com/v0xg/pagesnap/internal/plan"
	"github.com/v0xg/pagesnap/internal/sticky"
)

// ErrRunInProgress is returned when Run is called while a run is active.
var ErrRunInProgress = errors.New("pipeline: a capture is already running")

// DefaultLargeImage is the encoded size above which a clipboard copy may
// not show up in the OS clipboard history.
const DefaultLargeImage = 4 << 20

const cleanupTimeout = 10 * time.Second

// Host is the page being captured.
type Host interface {
	executor.Viewport
	sticky.Finder
	Measure(ctx context.Context) (plan.Metrics, error)
}

// Indicator is the progress UI with its cancel control.
type Indicator interface {
	executor.Indicator
	Show(ctx context.Context) error
	CancelRequested(ctx context.Context) (bool, error)
	Remove(ctx context.Context) error
}

// PreferenceSource supplies the user's delivery preferences.
type PreferenceSource interface {
	Preferences(ctx context.Context) (config.Preferences, error)
}

// Clipboard accepts PNG images only.
type Clipboard interface {
	WriteImage(ctx context.Context, png []byte) error
}

// FileSaver persists bytes under a file name and returns where they went.
type FileSaver interface {
	Save(ctx context.Context, data []byte, name string) (string, error)
}

// Deps are the collaborators of a pipeline. Indicator and Clipboard may be
// nil; a nil Clipboard makes clipboard delivery fall back to a file.
type Deps struct {
	Host        Host
	Indicator   Indicator
	Preferences PreferenceSource
	Clipboard   Clipboard
	Files       FileSaver
	Notifier    notify.Notifier
}

// Options configures a Pipeline. Overlap is used as given, zero included;
// DefaultOptions carries the stock value.
type Options struct {
	Executor    executor.Options
	Overlap     int
	JPEGQuality int
	MaxWidth    uint
	LargeImage  int
	Now         func() time.Time
	Logger      *slog.Logger
}

// DefaultOptions returns the stock tunables.
func DefaultOptions() Options {
	return Options{
		Executor:    executor.DefaultOptions(),
		Overlap:     plan.DefaultOverlap,
		JPEGQuality: compositor.DefaultQuality,
		LargeImage:  DefaultLargeImage,
	}
}

// Result describes how a run ended.
type Result struct {
	State       State
	Notice      notify.Notice
	Path        string // file written, if any
	Size        int    // encoded bytes delivered
	Clipboard   bool   // image went to the clipboard
	Steps       int
	Transitions []State
}

// Pipeline owns capture runs for one page. Only one run may be active at a
// time; each Run call gets a fresh run with its own cancellation flag.
type Pipeline struct {
	deps    Deps
	opts    Options
	log     *slog.Logger
	running atomic.Bool

	mu      sync.Mutex
	current *run
}

// New creates a Pipeline.
func New(deps Deps, opts Options) *Pipeline {
	if opts.LargeImage <= 0 {
		opts.LargeImage = DefaultLargeImage
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Multi(nil)
	}
	opts.Executor.Logger = opts.Logger
	return &Pipeline{deps: deps, opts: opts, log: opts.Logger.With("component", "pipeline")}
}

// Cancel asks the active run to stop at its next checkpoint. A snapshot
// already in flight completes first. Without an active run it does nothing.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		p.current.cancelled.Store(true)
		p.log.Info("cancel requested")
	}
}

// Running reports whether a run is active.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Run performs one capture and reports it through the notifier exactly
// once. A cancelled run returns a nil error; a failed one returns the cause.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Result{State: Idle}, ErrRunInProgress
	}
	defer p.running.Store(false)

	r := &run{p: p, log: p.log}
	p.setCurrent(r)
	defer p.setCurrent(nil)

	res, err := r.execute(ctx)
	res.Transitions = r.transitions

	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if nerr := p.deps.Notifier.Notify(nctx, res.Notice); nerr != nil {
		p.log.Warn("notify failed", "error", nerr)
	}

	return res, err
}

func (p *Pipeline) setCurrent(r *run) {
	p.mu.Lock()
	p.current = r
	p.mu.Unlock()
}

// run is a single capture invocation.
type run struct {
	p           *Pipeline
	log         *slog.Logger
	state       State
	transitions []State
	cancelled   atomic.Bool
	steps       int
}

func (r *run) transition(to State) {
	r.log.Debug("state", "from", r.state, "to", to)
	r.state = to
	r.transitions = append(r.transitions, to)
}

func (r *run) execute(ctx context.Context) (Result, error) {
	r.transition(Planning)

	prefs, err := r.p.deps.Preferences.Preferences(ctx)
	if err != nil {
		return r.fail(fmt.Errorf("read preferences: %w", err))
	}
	format := prefs.EffectiveFormat()

	data, cancelled, err := r.capture(ctx, format)
	if err != nil {
		return r.fail(err)
	}
	if cancelled {
		r.transition(Cancelled)
		return Result{
			State:  Cancelled,
			Notice: notify.Notice{Kind: notify.Warning, Message: "Capture cancelled"},
			Steps:  r.steps,
		}, nil
	}

	r.transition(Delivering)
	return r.deliver(ctx, prefs, format, data)
}

func (r *run) fail(err error) (Result, error) {
	r.transition(Failed)
	r.log.Error("capture failed", "error", err)
	return Result{
		State:  Failed,
		Notice: notify.Notice{Kind: notify.Error, Message: "Capture failed: " + err.Error()},
		Steps:  r.steps,
	}, err
}

// isCancelled is the executor's checkpoint test. It also polls the
// indicator's cancel button and latches the answer into the run flag.
func (r *run) isCancelled(ctx context.Context) bool {
	if r.cancelled.Load() {
		return true
	}
	if ind := r.p.deps.Indicator; ind != nil {
		req, err := ind.CancelRequested(ctx)
		if err != nil {
			r.log.Debug("poll cancel button", "error", err)
		} else if req {
			r.cancelled.Store(true)
			r.log.Info("cancel requested from page")
			return true
		}
	}
	return false
}

// capture runs planning, every capture step and compositing. The page is
// put back the way it was (sticky elements, scroll position, indicator)
// before it returns, whatever the outcome.
func (r *run) capture(ctx context.Context, format imagefmt.Format) (data []byte, cancelled bool, err error) {
	host := r.p.deps.Host
	ind := r.p.deps.Indicator

	cleanupCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	}

	var execIndicator executor.Indicator
	if ind != nil {
		if err := ind.Show(ctx); err != nil {
			r.log.Warn("show indicator failed", "error", err)
		} else {
			execIndicator = ind
			defer func() {
				cctx, cancel := cleanupCtx()
				defer cancel()
				if err := ind.Remove(cctx); err != nil {
					r.log.Warn("remove indicator failed", "error", err)
				}
			}()
		}
	}

	metrics, err := host.Measure(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("measure page: %w", err)
	}
	pl := plan.New(metrics, r.p.opts.Overlap)
	r.steps = pl.StepCount
	r.log.Info("capture planned",
		"total", fmt.Sprintf("%dx%d", metrics.TotalWidth, metrics.TotalHeight),
		"viewport", fmt.Sprintf("%dx%d", metrics.ViewportWidth, metrics.ViewportHeight),
		"steps", pl.StepCount,
	)

	origX, origY, err := host.ScrollOffset(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("read scroll position: %w", err)
	}
	defer func() {
		cctx, cancel := cleanupCtx()
		defer cancel()
		if err := host.ScrollTo(cctx, origX, origY); err != nil {
			r.log.Warn("restore scroll position failed", "error", err)
		}
	}()

	set, err := sticky.Detect(ctx, host, r.log)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		cctx, cancel := cleanupCtx()
		defer cancel()
		if err := set.Restore(cctx); err != nil {
			r.log.Warn("restore sticky elements failed", "error", err)
		}
	}()

	r.transition(Capturing)

	execOpts := r.p.opts.Executor
	execOpts.Format = format
	stop := func() bool { return r.isCancelled(ctx) }

	capt, err := executor.New(host, execIndicator, set, stop, execOpts).Run(ctx, pl)
	if err != nil {
		return nil, false, err
	}
	if capt.Cancelled || r.isCancelled(ctx) {
		return nil, true, nil
	}

	r.transition(Compositing)

	data, err = compositor.Composite(capt.Frames, compositor.Options{
		TotalHeight:   metrics.TotalHeight,
		ViewportWidth: metrics.ViewportWidth,
		Format:        format,
		Quality:       r.p.opts.JPEGQuality,
		MaxWidth:      r.p.opts.MaxWidth,
	})
	if err != nil {
		return nil, false, err
	}

	r.log.Info("composite ready", "bytes", len(data), "format", format)
	return data, false, nil
}

func (r *run) deliver(ctx context.Context, prefs config.Preferences, format imagefmt.Format, data []byte) (Result, error) {
	res := Result{State: Done, Size: len(data), Steps: r.steps}

	if prefs.Delivery == config.DeliverClipboard {
		err := r.writeClipboard(ctx, data)
		if err == nil {
			res.Clipboard = true
			res.Notice = notify.Notice{Kind: notify.Success, Message: "Copied to clipboard!"}
			if len(data) > r.p.opts.LargeImage {
				res.Notice.Detail = "Too large for clipboard history"
			}
			r.transition(Done)
			return res, nil
		}

		r.log.Warn("clipboard write failed, saving to file", "error", err)
		path, err := r.save(ctx, format, data)
		if err != nil {
			return r.fail(err)
		}
		res.Path = path
		res.Notice = notify.Notice{Kind: notify.Warning, Message: "Could not copy to clipboard. Saved instead.", Detail: path}
		r.transition(Done)
		return res, nil
	}

	path, err := r.save(ctx, format, data)
	if err != nil {
		return r.fail(err)
	}
	res.Path = path
	res.Notice = notify.Notice{Kind: notify.Success, Message: "Saved!", Detail: path}
	r.transition(Done)
	return res, nil
}

func (r *run) writeClipboard(ctx context.Context, data []byte) error {
	if r.p.deps.Clipboard == nil {
		return errors.New("no clipboard available")
	}
	return r.p.deps.Clipboard.WriteImage(ctx, data)
}

func (r *run) save(ctx context.Context, format imagefmt.Format, data []byte) (string, error) {
	name := delivery.Filename(r.p.opts.Now(), format)
	path, err := r.p.deps.Files.Save(ctx, data, name)
	if err != nil {
		return "", fmt.Errorf("save %s: %w", name, err)
	}
	r.log.Info("saved", "path", path, "bytes", len(data))
	return path, nil
}
