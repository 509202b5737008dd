//go:build gocv

package decode

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// Gocv decodes with OpenCV's imdecode, which yields BGR natively
type Gocv struct {
	MaxPixels int
}

func newGocv(maxPixels int) (Decoder, error) {
	return Gocv{MaxPixels: maxPixels}, nil
}

func (Gocv) Name() string { return KindGocv }

// Decode decodes payload with IMReadColor (always three channels)
func (g Gocv) Decode(payload []byte) (Image, error) {
	// Formats the image package cannot parse are checked after imdecode instead
	if _, _, err := headerPixels(payload, g.MaxPixels); errors.Is(err, ErrTooManyPixels) {
		return Image{}, err
	}

	mat, err := gocv.IMDecode(payload, gocv.IMReadColor)
	if err != nil {
		return Image{}, fmt.Errorf("failed to decode image: %w", err)
	}
	defer mat.Close()

	if mat.Empty() {
		return Image{}, fmt.Errorf("imdecode returned an empty matrix")
	}
	if err := checkPixels(mat.Cols(), mat.Rows(), g.MaxPixels); err != nil {
		return Image{}, err
	}

	return Image{
		Width:  mat.Cols(),
		Height: mat.Rows(),
		Data:   mat.ToBytes(),
	}, nil
}
