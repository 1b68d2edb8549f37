// Package delivery hands a finished composite to the user: the system
// clipboard or a file on disk.
package delivery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/v0xg/pagesnap/internal/imagefmt"
)

// Filename returns screenshot_YYYY-MM-DD-HH-mm-ss.<ext> for t.
func Filename(t time.Time, f imagefmt.Format) string {
	return fmt.Sprintf("screenshot_%s.%s", t.Format("2006-01-02-15-04-05"), f.Extension())
}

// FileSaver writes images into a directory.
type FileSaver struct {
	Dir string
}

// Save writes data to Dir/name and returns the resulting path.
func (s FileSaver) Save(ctx context.Context, data []byte, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := s.Dir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
