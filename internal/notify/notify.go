// Package notify reports the terminal outcome of a capture run to the user.
package notify

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// Kind classifies a notice.
type Kind int

const (
	Success Kind = iota
	Warning
	Error
)

// Icon returns the glyph shown in front of the message.
func (k Kind) Icon() string {
	switch k {
	case Warning:
		return "⚠"
	case Error:
		return "✕"
	default:
		return "✓"
	}
}

func (k Kind) String() string {
	switch k {
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "success"
	}
}

// Notice is a single user-visible notification.
type Notice struct {
	Kind    Kind
	Message string
	Detail  string // optional secondary text
}

func (n Notice) String() string {
	if n.Detail != "" {
		return fmt.Sprintf("%s %s (%s)", n.Kind.Icon(), n.Message, n.Detail)
	}
	return fmt.Sprintf("%s %s", n.Kind.Icon(), n.Message)
}

// Notifier displays notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Writer prints one line per notice.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (p *Writer) Notify(_ context.Context, n Notice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.w, n.String())
	return err
}

// Multi sends a notice to every notifier and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var first error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}
