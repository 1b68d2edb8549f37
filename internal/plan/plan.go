// Package plan computes how many scroll steps a full-page capture needs and
// where each one scrolls to.
package plan

// DefaultOverlap is the number of rows consecutive frames share, so that
// sub-pixel scroll rounding never leaves a gap between them.
const DefaultOverlap = 50

// Metrics is the page geometry reported by the host, in CSS pixels.
type Metrics struct {
	TotalWidth     int
	TotalHeight    int
	ViewportWidth  int
	ViewportHeight int
}

// Plan is the ordered list of requested scroll offsets for one capture run.
type Plan struct {
	Metrics
	Overlap   int
	Stride    int
	StepCount int
	Offsets   []int
}

// Step is one scroll-and-snapshot cycle of a plan.
type Step struct {
	Index  int // 1-based
	Offset int // requested scroll offset
	First  bool
}

// HidesSticky reports whether fixed/sticky elements must be hidden for this
// step. Only the first step keeps them, so page chrome appears once.
func (s Step) HidesSticky() bool {
	return s.Index >= 2
}

// New builds a plan. It never fails: a page that fits in one viewport, or
// nonsensical geometry, yields a single step at offset 0.
//
// The last offset is not clamped to the page end. The host clamps the real
// scroll position and the executor records what it actually got.
func New(m Metrics, overlap int) Plan {
	if overlap < 0 {
		overlap = 0
	}
	stride := m.ViewportHeight - overlap
	if stride < 1 {
		stride = m.ViewportHeight
	}

	p := Plan{Metrics: m, Overlap: overlap, Stride: stride}
	if stride < 1 || m.TotalHeight <= 0 {
		p.Offsets = []int{0}
		p.StepCount = 1
		return p
	}

	p.Offsets = make([]int, 0, (m.TotalHeight+stride-1)/stride)
	for y := 0; y < m.TotalHeight; y += stride {
		p.Offsets = append(p.Offsets, y)
	}
	p.StepCount = len(p.Offsets)
	return p
}

// Steps expands the offsets into steps.
func (p Plan) Steps() []Step {
	steps := make([]Step, len(p.Offsets))
	for i, y := range p.Offsets {
		steps[i] = Step{Index: i + 1, Offset: y, First: i == 0}
	}
	return steps
}

// SingleViewport reports whether the whole page fits in one capture.
func (p Plan) SingleViewport() bool {
	return p.StepCount == 1
}
