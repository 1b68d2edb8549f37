package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.design/x/clipboard"
)

// SystemClipboard writes PNG images to the OS clipboard. The clipboard only
// accepts PNG, so callers must never hand it other encodings.
type SystemClipboard struct {
	once    sync.Once
	initErr error

	mu      sync.Mutex
	changed <-chan struct{}

	// nil means golang.design/x/clipboard
	open  func() error
	write func(png []byte) <-chan struct{}
}

// ServedByProcess reports whether copied data lives in this process and is
// lost when it exits. X11 selections work that way; macOS and Windows keep
// a copy in the system.
func ServedByProcess() bool {
	return runtime.GOOS != "darwin" && runtime.GOOS != "windows"
}

// WriteImage places png on the clipboard. An unavailable clipboard (no
// display, missing cgo support) is reported as an error so the caller can
// fall back to a file.
func (c *SystemClipboard) WriteImage(ctx context.Context, png []byte) error {
	c.once.Do(func() {
		if c.open == nil {
			c.open = clipboard.Init
		}
		if c.write == nil {
			c.write = func(png []byte) <-chan struct{} {
				return clipboard.Write(clipboard.FmtImage, png)
			}
		}
		c.initErr = c.open()
	})
	if c.initErr != nil {
		return fmt.Errorf("clipboard unavailable: %w", c.initErr)
	}

	changed := c.write(png)
	if changed == nil {
		return errors.New("clipboard rejected image")
	}

	c.mu.Lock()
	c.changed = changed
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Hold blocks while the last written image is still ours to serve: until
// another application replaces the clipboard content, limit elapses or ctx is
// done. It reports whether the content was replaced. Without a prior write
// it returns true at once.
func (c *SystemClipboard) Hold(ctx context.Context, limit time.Duration) bool {
	c.mu.Lock()
	changed := c.changed
	c.mu.Unlock()
	if changed == nil {
		return true
	}

	t := time.NewTimer(limit)
	defer t.Stop()
	select {
	case <-changed:
		return true
	case <-t.C:
	case <-ctx.Done():
	}
	return false
}
