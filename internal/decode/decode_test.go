package decode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

// TestDecodePNGChannelOrder verifies pixels come out as B, G, R.
func TestDecodePNGChannelOrder(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 2, 1))
	src.Set(0, 0, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	src.Set(1, 0, color.RGBA{R: 200, G: 100, B: 50, A: 255})

	img, err := Std{}.Decode(encodePNG(t, src))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if img.Width != 2 || img.Height != 1 {
		t.Fatalf("Expected 2x1, got %dx%d", img.Width, img.Height)
	}
	want := []byte{30, 20, 10, 50, 100, 200}
	if !bytes.Equal(img.Data, want) {
		t.Errorf("Expected %v, got %v", want, img.Data)
	}
}

// TestDecodeJPEGDimensions verifies the YCbCr path produces a full buffer.
func TestDecodeJPEGDimensions(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			src.Set(x, y, color.RGBA{R: 0, G: 0, B: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}

	img, err := Std{}.Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if img.Width != 64 || img.Height != 48 {
		t.Fatalf("Expected 64x48, got %dx%d", img.Width, img.Height)
	}
	if len(img.Data) != 64*48*3 {
		t.Fatalf("Expected %d bytes, got %d", 64*48*3, len(img.Data))
	}
	// Blue dominates in a pure-blue frame
	if img.Data[0] < 200 || img.Data[2] > 60 {
		t.Errorf("Unexpected first pixel BGR %v", img.Data[:3])
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := (Std{}).Decode([]byte("definitely not an image")); err == nil {
		t.Error("Expected error for garbage payload")
	}
	if _, err := (Std{}).Decode(nil); err == nil {
		t.Error("Expected error for empty payload")
	}
}

func TestToRGBARoundTrip(t *testing.T) {
	bgr := []byte{1, 2, 3, 4, 5, 6}
	img := ToRGBA(bgr, 2, 1)

	if !bytes.Equal(ToBGR(img), bgr) {
		t.Errorf("Round trip mismatch: %v", ToBGR(img))
	}
}

func TestNew(t *testing.T) {
	d, err := New("", 0)
	if err != nil || d.Name() != KindStd {
		t.Fatalf("Expected std decoder, got %v, %v", d, err)
	}
	if _, err := New("bogus", 0); err == nil {
		t.Error("Expected error for unknown decoder")
	}
	if d, err := New(KindGocv, 0); err != nil && !errors.Is(err, ErrUnavailable) {
		t.Errorf("Unexpected gocv error: %v", err)
	} else if err == nil && d.Name() != KindGocv {
		t.Errorf("Expected gocv decoder, got %s", d.Name())
	}
}

// pngHeader returns a PNG signature and IHDR chunk declaring w x h grayscale.
// It carries no pixel data: only the header is needed to hit the bound.
func pngHeader(w, h uint32) []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")

	chunk := make([]byte, 4+13)
	copy(chunk, "IHDR")
	binary.BigEndian.PutUint32(chunk[4:], w)
	binary.BigEndian.PutUint32(chunk[8:], h)
	chunk[12] = 8 // bit depth
	chunk[13] = 0 // grayscale

	binary.Write(&buf, binary.BigEndian, uint32(13))
	buf.Write(chunk)
	binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

// TestDecodeRejectsHugeDimensions: a few bytes declaring 12000x12000 must be
// refused from the header alone.
func TestDecodeRejectsHugeDimensions(t *testing.T) {
	_, err := Std{}.Decode(pngHeader(12000, 12000))
	if !errors.Is(err, ErrTooManyPixels) {
		t.Fatalf("Expected ErrTooManyPixels, got %v", err)
	}
}

func TestDecodeMaxPixelsConfigurable(t *testing.T) {
	payload := encodePNG(t, image.NewGray(image.Rect(0, 0, 40, 30)))

	if _, err := (Std{MaxPixels: 40 * 30}).Decode(payload); err != nil {
		t.Fatalf("Image at the limit should decode: %v", err)
	}
	if _, err := (Std{MaxPixels: 40*30 - 1}).Decode(payload); !errors.Is(err, ErrTooManyPixels) {
		t.Errorf("Expected ErrTooManyPixels one below the limit, got %v", err)
	}

	d, err := New(KindStd, 100)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := d.Decode(payload); !errors.Is(err, ErrTooManyPixels) {
		t.Errorf("Expected limit from New to apply, got %v", err)
	}
}
