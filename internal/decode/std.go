package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
)

// Std decodes with the image package's registered formats
type Std struct {
	// MaxPixels bounds width*height from the header; 0 selects DefaultMaxPixels
	MaxPixels int
}

func (Std) Name() string { return KindStd }

// Decode decodes payload and converts it to BGR24
func (s Std) Decode(payload []byte) (Image, error) {
	if len(payload) == 0 {
		return Image{}, fmt.Errorf("empty payload")
	}

	if _, format, err := headerPixels(payload, s.MaxPixels); err != nil {
		if errors.Is(err, ErrTooManyPixels) {
			return Image{}, fmt.Errorf("%s header: %w", format, err)
		}
		return Image{}, fmt.Errorf("failed to decode image header: %w", err)
	}

	img, format, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return Image{}, fmt.Errorf("failed to decode image: %w", err)
	}

	b := img.Bounds()
	if b.Empty() {
		return Image{}, fmt.Errorf("decoded %s image has no pixels", format)
	}

	return Image{Width: b.Dx(), Height: b.Dy(), Data: ToBGR(img)}, nil
}

// ToBGR converts any image to a packed BGR24 buffer
func ToBGR(img image.Image) []byte {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, w*h*3)

	switch src := img.(type) {
	case *image.YCbCr:
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				yi := src.YOffset(x, y)
				ci := src.COffset(x, y)
				r, g, bl := color.YCbCrToRGB(src.Y[yi], src.Cb[ci], src.Cr[ci])
				out[i], out[i+1], out[i+2] = bl, g, r
				i += 3
			}
		}
	case *image.RGBA:
		packRGBA(out, src.Pix, src.Stride, w, h)
	case *image.NRGBA:
		// Alpha is dropped rather than premultiplied
		packRGBA(out, src.Pix, src.Stride, w, h)
	case *image.Gray:
		i := 0
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w]
			for _, v := range row {
				out[i], out[i+1], out[i+2] = v, v, v
				i += 3
			}
		}
	default:
		i := 0
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				out[i], out[i+1], out[i+2] = uint8(bl>>8), uint8(g>>8), uint8(r>>8)
				i += 3
			}
		}
	}

	return out
}

func packRGBA(out, pix []byte, stride, w, h int) {
	i := 0
	for y := 0; y < h; y++ {
		row := pix[y*stride : y*stride+w*4]
		for x := 0; x < w*4; x += 4 {
			out[i], out[i+1], out[i+2] = row[x+2], row[x+1], row[x]
			i += 3
		}
	}
}

// ToRGBA expands a BGR24 buffer into an RGBA image (opaque)
func ToRGBA(data []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	n := width * height
	if len(data) < n*3 {
		return img
	}
	for p := 0; p < n; p++ {
		img.Pix[p*4] = data[p*3+2]
		img.Pix[p*4+1] = data[p*3+1]
		img.Pix[p*4+2] = data[p*3]
		img.Pix[p*4+3] = 0xFF
	}
	return img
}
