// Package decode turns compressed image payloads (JPEG, PNG) into BGR24 pixel buffers.
package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
)

// Decoder names accepted by New
const (
	KindStd  = "std"
	KindGocv = "gocv"
)

// DefaultMaxPixels admits frames up to 8K UHD (7680x4320)
const DefaultMaxPixels = 7680 * 4320

var (
	// ErrUnavailable is returned when a decoder was not compiled into this binary
	ErrUnavailable = errors.New("decode: decoder not available in this build")
	// ErrTooManyPixels is returned when the declared dimensions exceed the pixel bound
	ErrTooManyPixels = errors.New("decode: image exceeds pixel limit")
)

// Image is a decoded BGR24 pixel buffer
type Image struct {
	Width  int
	Height int
	// Data holds Width*Height*3 bytes, B G R per pixel, rows top to bottom
	Data []byte
}

// Decoder decodes one compressed image
type Decoder interface {
	Name() string
	Decode(payload []byte) (Image, error)
}

// New returns the decoder for kind ("" selects the standard library decoder).
// maxPixels bounds width*height; 0 selects DefaultMaxPixels.
func New(kind string, maxPixels int) (Decoder, error) {
	switch kind {
	case "", KindStd:
		return Std{MaxPixels: maxPixels}, nil
	case KindGocv:
		return newGocv(maxPixels)
	default:
		return nil, fmt.Errorf("unknown decoder %q (want %s or %s)", kind, KindStd, KindGocv)
	}
}

func pixelLimit(max int) int {
	if max <= 0 {
		return DefaultMaxPixels
	}
	return max
}

func checkPixels(w, h, max int) error {
	if w <= 0 || h <= 0 {
		return nil
	}
	if limit := pixelLimit(max); w > limit/h {
		return fmt.Errorf("%w: %dx%d > %d pixels", ErrTooManyPixels, w, h, limit)
	}
	return nil
}

// headerPixels reads only the image header and rejects oversized dimensions
// before any pixel buffer is allocated.
func headerPixels(payload []byte, max int) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(payload))
	if err != nil {
		return cfg, format, err
	}
	if err := checkPixels(cfg.Width, cfg.Height, max); err != nil {
		return cfg, format, err
	}
	return cfg, format, nil
}
