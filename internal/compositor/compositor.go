// Package compositor stitches the frames of a capture run into one image.
package compositor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	"github.com/v0xg/pagesnap/internal/executor"
	"github.com/v0xg/pagesnap/internal/imagefmt"
)

// DefaultQuality is the JPEG quality used when Options.Quality is unset.
const DefaultQuality = 92

// ErrNoFrames is returned when there is nothing to stitch.
var ErrNoFrames = errors.New("compositor: no frames")

// Options configures composite generation
type Options struct {
	TotalHeight   int
	ViewportWidth int
	Format        imagefmt.Format
	Quality       int  // JPEG only
	MaxWidth      uint // downscale the result when wider; 0 keeps full size
}

// Composite stitches frames and encodes the result. Each frame's Data is
// cleared as soon as it has been drawn.
func Composite(frames []executor.Frame, opts Options) ([]byte, error) {
	canvas, err := Stitch(frames, opts.ViewportWidth, opts.TotalHeight)
	if err != nil {
		return nil, err
	}

	var out image.Image = canvas
	if opts.MaxWidth > 0 && uint(canvas.Bounds().Dx()) > opts.MaxWidth {
		out = resize.Resize(opts.MaxWidth, 0, canvas, resize.Lanczos3)
	}

	return Encode(out, opts.Format, opts.Quality)
}

// Stitch draws frames onto a white width x height canvas. Frames must be in
// ascending OriginY order. All but the last are drawn at full height; the
// last one is cropped from the top when it runs past the page end, so the
// composite ends exactly at height with neither a gap nor a repeated strip.
func Stitch(frames []executor.Frame, width, height int) (*image.RGBA, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("compositor: invalid canvas size %dx%d", width, height)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)

	last := len(frames) - 1
	for i := range frames {
		f := &frames[i]

		src, err := decode(f.Data, width)
		if err != nil {
			return nil, fmt.Errorf("compositor: frame %d: %w", i+1, err)
		}

		b := src.Bounds()
		frameHeight := f.Height
		if frameHeight <= 0 {
			frameHeight = b.Dy()
		}

		sr := image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+frameHeight)
		if i == last {
			remaining := height - f.OriginY
			if remaining <= 0 {
				f.Data = nil
				continue
			}
			if remaining < frameHeight {
				sr.Min.Y = b.Min.Y + frameHeight - remaining
			}
		}

		draw.Copy(canvas, image.Pt(0, f.OriginY), src, sr, draw.Src, nil)

		f.Data = nil
	}

	return canvas, nil
}

// decode turns snapshot bytes into an image whose width is the viewport
// width in CSS pixels. Snapshots taken at a device scale factor other than
// 1 are resampled so frame offsets line up.
func decode(data []byte, width int) (image.Image, error) {
	if data == nil {
		return nil, errors.New("frame already released")
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if img.Bounds().Dx() != width {
		img = resize.Resize(uint(width), 0, img, resize.Lanczos3)
	}
	return img, nil
}

// Encode writes img in the requested format.
func Encode(img image.Image, format imagefmt.Format, quality int) ([]byte, error) {
	var buf bytes.Buffer
	var err error

	switch format {
	case imagefmt.JPEG:
		if quality <= 0 || quality > 100 {
			quality = DefaultQuality
		}
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality})
	default:
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("compositor: encode %s: %w", format, err)
	}

	return buf.Bytes(), nil
}
