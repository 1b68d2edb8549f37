package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/v0xg/pagesnap/internal/config"
	"github.com/v0xg/pagesnap/internal/executor"
	"github.com/v0xg/pagesnap/internal/imagefmt"
	"github.com/v0xg/pagesnap/internal/notify"
	"github.com/v0xg/pagesnap/internal/plan"
	"github.com/v0xg/pagesnap/internal/sticky"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	testWidth    = 4
	testViewport = 550
)

type fakeElement struct {
	mu         sync.Mutex
	visibility string
	sets       []string
}

func (e *fakeElement) Visibility(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visibility, nil
}

func (e *fakeElement) SetVisibility(_ context.Context, v string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.visibility = v
	e.sets = append(e.sets, v)
	return nil
}

type fakeHost struct {
	mu       sync.Mutex
	total    int
	x, y     int
	elements []*fakeElement
	calls    int
	failOn   map[int]bool // snapshot call numbers (1-based) that fail
	onShot   func(call int)
	block    chan struct{}
}

func newHost(total int) *fakeHost {
	return &fakeHost{total: total, y: 37, failOn: map[int]bool{}}
}

func (h *fakeHost) Measure(context.Context) (plan.Metrics, error) {
	return plan.Metrics{
		TotalWidth:     testWidth,
		TotalHeight:    h.total,
		ViewportWidth:  testWidth,
		ViewportHeight: testViewport,
	}, nil
}

func (h *fakeHost) ScrollTo(_ context.Context, x, y int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	maxY := max(h.total-testViewport, 0)
	h.x, h.y = x, min(max(y, 0), maxY)
	return nil
}

func (h *fakeHost) ScrollOffset(context.Context) (int, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.x, h.y, nil
}

func (h *fakeHost) Snapshot(ctx context.Context, _ imagefmt.Format) ([]byte, error) {
	h.mu.Lock()
	h.calls++
	call := h.calls
	fail := h.failOn[call]
	hook := h.onShot
	block := h.block
	h.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hook != nil {
		hook(call)
	}
	if fail {
		return nil, errors.New("capture quota exceeded")
	}

	img := image.NewRGBA(image.Rect(0, 0, testWidth, testViewport))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (h *fakeHost) FixedElements(context.Context) ([]sticky.Element, error) {
	out := make([]sticky.Element, len(h.elements))
	for i, el := range h.elements {
		out[i] = el
	}
	return out, nil
}

func (h *fakeHost) snapshots() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fakeIndicator struct {
	mu       sync.Mutex
	shown    bool
	removed  bool
	cancelAt int // report a cancel request once progress reaches this step
	progress int
}

func (i *fakeIndicator) Show(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.shown = true
	return nil
}

func (i *fakeIndicator) Progress(_ context.Context, cur, _ int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.progress = cur
	return nil
}

func (i *fakeIndicator) SetVisible(context.Context, bool) error { return nil }

func (i *fakeIndicator) CancelRequested(context.Context) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancelAt > 0 && i.progress >= i.cancelAt, nil
}

func (i *fakeIndicator) Remove(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removed = true
	return nil
}

type fakeClipboard struct {
	err    error
	writes [][]byte
}

func (c *fakeClipboard) WriteImage(_ context.Context, png []byte) error {
	if c.err != nil {
		return c.err
	}
	c.writes = append(c.writes, png)
	return nil
}

type savedFile struct {
	name string
	data []byte
}

type fakeFiles struct {
	err   error
	saved []savedFile
}

func (f *fakeFiles) Save(_ context.Context, data []byte, name string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, savedFile{name: name, data: data})
	return "/out/" + name, nil
}

type recorder struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recorder) Notify(_ context.Context, n notify.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

type fixture struct {
	host  *fakeHost
	ind   *fakeIndicator
	clip  *fakeClipboard
	files *fakeFiles
	notes *recorder
	prefs config.Preferences
}

var fixedNow = time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

func newFixture(total int) *fixture {
	return &fixture{
		host:  newHost(total),
		ind:   &fakeIndicator{},
		clip:  &fakeClipboard{},
		files: &fakeFiles{},
		notes: &recorder{},
		prefs: config.Preferences{Delivery: config.DeliverClipboard, Format: imagefmt.PNG},
	}
}

func (f *fixture) pipeline(mod ...func(*Options)) *Pipeline {
	opts := Options{
		Executor: executor.Options{MaxAttempts: 3},
		Overlap:  plan.DefaultOverlap,
		Now:      func() time.Time { return fixedNow },
	}
	for _, m := range mod {
		m(&opts)
	}
	return New(Deps{
		Host:        f.host,
		Indicator:   f.ind,
		Preferences: config.Static(f.prefs),
		Clipboard:   f.clip,
		Files:       f.files,
		Notifier:    f.notes,
	}, opts)
}

// assertPageRestored checks the cleanup guarantees shared by every exit path.
func (f *fixture) assertPageRestored(t *testing.T) {
	t.Helper()
	x, y, _ := f.host.ScrollOffset(context.Background())
	assert.Equal(t, 0, x)
	assert.Equal(t, 37, y, "scroll position restored")
	for _, el := range f.host.elements {
		assert.Equal(t, "visible", el.visibility)
	}
	assert.True(t, f.ind.removed, "indicator removed")
	require.Len(t, f.notes.notices, 1, "exactly one notice per run")
}

func TestRun_ClipboardSuccess(t *testing.T) {
	f := newFixture(2500)
	f.prefs.Format = imagefmt.JPEG // ignored in clipboard mode
	el := &fakeElement{visibility: "visible"}
	f.host.elements = []*fakeElement{el}

	res, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Done, res.State)
	assert.Equal(t, 5, res.Steps)
	assert.Equal(t, []State{Planning, Capturing, Compositing, Delivering, Done}, res.Transitions)
	assert.Equal(t, notify.Notice{Kind: notify.Success, Message: "Copied to clipboard!"}, res.Notice)
	assert.True(t, res.Clipboard)
	assert.Empty(t, f.files.saved)

	require.Len(t, f.clip.writes, 1)
	img, err := png.Decode(bytes.NewReader(f.clip.writes[0]))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, testWidth, 2500), img.Bounds())
	r, _, _, _ := img.At(0, 2499).RGBA()
	assert.Equal(t, uint32(0x8080), r, "last row covered by the tail frame")

	assert.Equal(t, []string{"hidden", "visible"}, el.sets, "hidden once from step 2, restored once")
	f.assertPageRestored(t)
}

func TestRun_LargeClipboardImage(t *testing.T) {
	f := newFixture(1200)

	res, err := f.pipeline(func(o *Options) { o.LargeImage = 1 }).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, notify.Success, res.Notice.Kind)
	assert.Equal(t, "Too large for clipboard history", res.Notice.Detail)
}

func TestRun_ClipboardFailureFallsBackToFile(t *testing.T) {
	f := newFixture(1200)
	f.clip.err = errors.New("document not focused")

	res, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Done, res.State)
	assert.Equal(t, notify.Warning, res.Notice.Kind)
	assert.Equal(t, "Could not copy to clipboard. Saved instead.", res.Notice.Message)
	assert.False(t, res.Clipboard)
	require.Len(t, f.files.saved, 1)
	assert.Equal(t, "screenshot_2024-03-09-14-05-07.png", f.files.saved[0].name)
	assert.Equal(t, "/out/screenshot_2024-03-09-14-05-07.png", res.Path)
	f.assertPageRestored(t)
}

func TestRun_NoClipboardFallsBackToFile(t *testing.T) {
	f := newFixture(600)
	p := New(Deps{
		Host:        f.host,
		Indicator:   f.ind,
		Preferences: config.Static(f.prefs),
		Files:       f.files,
		Notifier:    f.notes,
	}, Options{Now: func() time.Time { return fixedNow }})

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, notify.Warning, res.Notice.Kind)
	assert.Len(t, f.files.saved, 1)
}

func TestRun_FileModeUsesPreferredFormat(t *testing.T) {
	f := newFixture(1200)
	f.prefs = config.Preferences{Delivery: config.DeliverFile, Format: imagefmt.JPEG}

	res, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, notify.Notice{Kind: notify.Success, Message: "Saved!", Detail: res.Path}, res.Notice)
	assert.Empty(t, f.clip.writes)
	require.Len(t, f.files.saved, 1)
	assert.Equal(t, "screenshot_2024-03-09-14-05-07.jpg", f.files.saved[0].name)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(f.files.saved[0].data))
	require.NoError(t, err)
	assert.Equal(t, 1200, cfg.Height)
	assert.Equal(t, color.YCbCrModel, cfg.ColorModel)
	f.assertPageRestored(t)
}

func TestRun_CancelAtStepThree(t *testing.T) {
	f := newFixture(2500)
	f.host.elements = []*fakeElement{{visibility: "visible"}}
	p := f.pipeline()
	f.host.onShot = func(call int) {
		if call == 2 {
			p.Cancel()
		}
	}

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Cancelled, res.State)
	assert.Equal(t, notify.Notice{Kind: notify.Warning, Message: "Capture cancelled"}, res.Notice)
	assert.Equal(t, 2, f.host.snapshots(), "in-flight snapshot completes, step 3 never starts")
	assert.Empty(t, f.clip.writes)
	assert.Empty(t, f.files.saved)
	f.assertPageRestored(t)
}

func TestRun_CancelFromPageButton(t *testing.T) {
	f := newFixture(2500)
	f.ind.cancelAt = 2

	res, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Cancelled, res.State)
	assert.Less(t, f.host.snapshots(), 5)
	assert.Empty(t, f.clip.writes)
	f.assertPageRestored(t)
}

func TestRun_RetryExhaustionFails(t *testing.T) {
	f := newFixture(2500)
	f.host.elements = []*fakeElement{{visibility: "visible"}}
	f.host.failOn = map[int]bool{2: true, 3: true, 4: true}

	res, err := f.pipeline().Run(context.Background())

	var snapErr *executor.SnapshotError
	require.ErrorAs(t, err, &snapErr)
	assert.Equal(t, 2, snapErr.Step)
	assert.Equal(t, 3, snapErr.Attempts)

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, notify.Error, res.Notice.Kind)
	assert.Contains(t, res.Notice.Message, "Capture failed: ")
	assert.Contains(t, res.Notice.Message, "capture quota exceeded")
	assert.Equal(t, 4, f.host.snapshots())
	assert.Empty(t, f.clip.writes)
	assert.Empty(t, f.files.saved)
	f.assertPageRestored(t)
}

func TestRun_SaveFailureFails(t *testing.T) {
	f := newFixture(600)
	f.prefs.Delivery = config.DeliverFile
	f.files.err = errors.New("disk full")

	res, err := f.pipeline().Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, res.State)
	assert.Contains(t, res.Notice.Message, "disk full")
	f.assertPageRestored(t)
}

func TestRun_SingleViewportNeverHidesSticky(t *testing.T) {
	f := newFixture(400)
	el := &fakeElement{visibility: "visible"}
	f.host.elements = []*fakeElement{el}

	res, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Steps)
	assert.Empty(t, el.sets)
	assert.Equal(t, 1, f.host.snapshots())
}

type failingPrefs struct{}

func (failingPrefs) Preferences(context.Context) (config.Preferences, error) {
	return config.Preferences{}, errors.New("corrupt preferences")
}

func TestRun_PreferencesError(t *testing.T) {
	f := newFixture(600)
	notes := &recorder{}
	p := New(Deps{Host: f.host, Preferences: failingPrefs{}, Files: f.files, Notifier: notes}, Options{})

	res, err := p.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, []State{Planning, Failed}, res.Transitions)
	assert.Zero(t, f.host.snapshots())
	assert.Len(t, notes.notices, 1)
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	f := newFixture(600)
	f.host.block = make(chan struct{})
	p := f.pipeline()

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background())
		done <- err
	}()

	require.Eventually(t, p.Running, time.Second, time.Millisecond)

	res, err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, Idle, res.State)

	close(f.host.block)
	require.NoError(t, <-done)
	assert.False(t, p.Running())
	assert.Len(t, f.notes.notices, 1, "rejected run sends no notice")
}

func TestRun_ContextCancelledStillCleansUp(t *testing.T) {
	f := newFixture(2500)
	f.host.elements = []*fakeElement{{visibility: "visible"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.host.onShot = func(call int) {
		if call == 3 {
			cancel()
		}
	}

	res, err := f.pipeline(func(o *Options) { o.Executor.ScrollDelay = time.Millisecond }).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, res.State)
	f.assertPageRestored(t)
}

func TestCancel_WithoutRunIsNoop(t *testing.T) {
	f := newFixture(600)
	p := f.pipeline()
	p.Cancel()

	res, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Done, res.State, "a stale cancel does not leak into the next run")
}

// cancelOnPlanning calls Cancel as soon as the run logs its move to Planning,
// the earliest point at which the run is published.
type cancelOnPlanning struct {
	slog.Handler
	p *Pipeline
}

func (h *cancelOnPlanning) Enabled(context.Context, slog.Level) bool { return true }

func (h *cancelOnPlanning) Handle(_ context.Context, rec slog.Record) error {
	if rec.Message != "state" {
		return nil
	}
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "to" && a.Value.String() == Planning.String() {
			h.p.Cancel()
			return false
		}
		return true
	})
	return nil
}

func (h *cancelOnPlanning) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *cancelOnPlanning) WithGroup(string) slog.Handler      { return h }

func TestRun_CancelDuringPlanningIsKept(t *testing.T) {
	f := newFixture(2500)
	h := &cancelOnPlanning{}
	p := f.pipeline(func(o *Options) { o.Logger = slog.New(h) })
	h.p = p

	res, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Cancelled, res.State)
	assert.Zero(t, f.host.snapshots())
	assert.Empty(t, f.clip.writes)
	f.assertPageRestored(t)
}

func TestRun_ZeroOverlapIsHonoured(t *testing.T) {
	f := newFixture(1100)

	res, err := f.pipeline(func(o *Options) { o.Overlap = 0 }).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Steps, "1100 rows in 550 row strides")

	f = newFixture(1100)
	res, err = f.pipeline().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Steps, "default overlap shrinks the stride to 500")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "capturing", Capturing.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", State(42).String())
	assert.True(t, Cancelled.Terminal())
	assert.False(t, Delivering.Terminal())
}
