// Package imagefmt names the raster formats a composite can be encoded in.
package imagefmt

import (
	"fmt"
	"strings"
)

// Format is an output image encoding.
type Format int

const (
	PNG Format = iota
	JPEG
)

// Parse accepts "png", "jpeg" and "jpg" (case-insensitive).
func Parse(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "png", "":
		return PNG, nil
	case "jpeg", "jpg":
		return JPEG, nil
	default:
		return PNG, fmt.Errorf("unknown image format: %s (supported: png, jpeg)", s)
	}
}

func (f Format) String() string {
	if f == JPEG {
		return "jpeg"
	}
	return "png"
}

// Extension returns the file extension without the dot.
func (f Format) Extension() string {
	if f == JPEG {
		return "jpg"
	}
	return "png"
}

// MarshalText lets formats round-trip through YAML and JSON as strings.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
