package executor

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
)

// Frame is one captured viewport, placed in the composite at OriginY.
type Frame struct {
	Data        []byte // encoded snapshot; cleared once drawn
	PixelWidth  int
	PixelHeight int
	OriginY     int // actual scroll offset when captured, CSS pixels
	Height      int // viewport height, CSS pixels
}

// Released reports whether the frame's pixel data has been dropped.
func (f Frame) Released() bool {
	return f.Data == nil
}

// Capture is what a run of the executor produced.
type Capture struct {
	Frames    []Frame
	Cancelled bool
}

// SnapshotError is returned when a step could not be captured within the
// retry bound. It aborts the whole run.
type SnapshotError struct {
	Step     int
	Attempts int
	Err      error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("capture step %d failed after %d attempts: %v", e.Step, e.Attempts, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// decodeFrame checks that data is a decodable image and returns its size.
func decodeFrame(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("empty snapshot")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode snapshot: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}
