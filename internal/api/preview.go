package api

import (
	"bytes"
	"context"
	"hash/fnv"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"sync"
	"time"

	"github.com/hybridgroup/mjpeg"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/decode"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

// previewInterval caps the preview encode rate
const previewInterval = 100 * time.Millisecond

// Preview renders the latest processed frame with its detection boxes as an MJPEG stream
type Preview struct {
	stream *mjpeg.Stream

	mu      sync.Mutex
	frame   *types.Frame
	result  types.ResultMessage
	pending bool
}

// NewPreview creates an idle preview
func NewPreview() *Preview {
	return &Preview{stream: mjpeg.NewStream()}
}

// Stream returns the MJPEG HTTP handler
func (p *Preview) Stream() *mjpeg.Stream {
	return p.stream
}

// Update replaces the pending frame. It never blocks on encoding.
func (p *Preview) Update(frame *types.Frame, result types.ResultMessage) {
	p.mu.Lock()
	p.frame = frame
	p.result = result
	p.pending = true
	p.mu.Unlock()
}

// Run encodes pending frames at most every previewInterval until ctx is done
func (p *Preview) Run(ctx context.Context) {
	ticker := time.NewTicker(previewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			frame, result, pending := p.frame, p.result, p.pending
			p.pending = false
			p.mu.Unlock()

			if !pending || frame == nil {
				continue
			}

			jpg, err := Render(frame, result)
			if err != nil {
				slog.Debug("preview encode failed", "error", err)
				continue
			}
			p.stream.UpdateJPEG(jpg)
		}
	}
}

// Render draws the result's boxes over the frame and encodes it as JPEG
func Render(frame *types.Frame, result types.ResultMessage) ([]byte, error) {
	img := decode.ToRGBA(frame.Data, frame.Width, frame.Height)

	for _, d := range result.Detections {
		r := image.Rect(d.BBoxXYXY[0], d.BBoxXYXY[1], d.BBoxXYXY[2], d.BBoxXYXY[3])
		drawBox(img, r, labelColor(d.Label), 2)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawBox outlines r with the given stroke width, clipped to img
func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA, width int) {
	r = r.Canon().Intersect(img.Bounds())
	if r.Empty() {
		return
	}

	for w := 0; w < width; w++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, r.Min.Y+w, c)
			img.SetRGBA(x, r.Max.Y-1-w, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetRGBA(r.Min.X+w, y, c)
			img.SetRGBA(r.Max.X-1-w, y, c)
		}
	}
}

// labelColor picks a stable, saturated colour per label
func labelColor(label string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(label))
	v := h.Sum32()

	c := color.RGBA{R: uint8(v), G: uint8(v >> 8), B: uint8(v >> 16), A: 0xFF}
	switch v % 3 {
	case 0:
		c.R = 0xFF
	case 1:
		c.G = 0xFF
	default:
		c.B = 0xFF
	}
	return c
}
