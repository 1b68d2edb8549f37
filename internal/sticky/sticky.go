// Package sticky hides fixed and sticky page elements between capture steps
// so that headers and floating widgets appear once in the composite instead
// of once per step.
package sticky

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Hidden is the visibility value applied to records while hidden.
const Hidden = "hidden"

// Element is a non-owning handle to a live page element.
type Element interface {
	// Visibility returns the element's inline style visibility ("" when unset).
	Visibility(ctx context.Context) (string, error)
	SetVisibility(ctx context.Context, value string) error
}

// Finder lists elements positioned out of the normal scroll flow (fixed or
// sticky), excluding the pipeline's own overlay.
type Finder interface {
	FixedElements(ctx context.Context) ([]Element, error)
}

// Record pairs an element with the visibility it had before the run.
type Record struct {
	Element  Element
	Original string
}

// Set is the fixed list of sticky elements for one run.
type Set struct {
	records  []Record
	hidden   bool
	restored bool
	logger   *slog.Logger
}

// Detect scans the page once and records every sticky element with its
// current visibility. It does not change the page.
func Detect(ctx context.Context, finder Finder, logger *slog.Logger) (*Set, error) {
	if logger == nil {
		logger = slog.Default()
	}

	elements, err := finder.FixedElements(ctx)
	if err != nil {
		return nil, fmt.Errorf("sticky: scan: %w", err)
	}

	s := &Set{logger: logger, records: make([]Record, 0, len(elements))}
	for _, el := range elements {
		v, err := el.Visibility(ctx)
		if err != nil {
			// Element detached between scan and read; nothing to restore.
			logger.Debug("sticky: skip element", "error", err)
			continue
		}
		s.records = append(s.records, Record{Element: el, Original: v})
	}

	logger.Debug("sticky: detected", "count", len(s.records))
	return s, nil
}

// Len returns the number of recorded elements.
func (s *Set) Len() int {
	return len(s.records)
}

// Records returns a copy of the recorded elements.
func (s *Set) Records() []Record {
	return append([]Record(nil), s.records...)
}

// Hide sets every recorded element to hidden. Calling it again is a no-op.
func (s *Set) Hide(ctx context.Context) error {
	if s.hidden || s.restored {
		return nil
	}
	s.hidden = true

	var errs []error
	for _, r := range s.records {
		if err := r.Element.SetVisibility(ctx, Hidden); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("sticky: hide: %w", err)
	}
	return nil
}

// Restore puts back the original visibility of every element. Only the
// first call has an effect; every record is attempted even if some fail.
func (s *Set) Restore(ctx context.Context) error {
	if s.restored {
		return nil
	}
	s.restored = true
	if !s.hidden {
		return nil
	}

	var errs []error
	for _, r := range s.records {
		if err := r.Element.SetVisibility(ctx, r.Original); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("sticky: restore: %w", err)
	}
	s.logger.Debug("sticky: restored", "count", len(s.records))
	return nil
}
