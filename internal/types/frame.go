package types

import "time"

// PixelFormatBGR24 is the only pixel layout frames carry: 3 bytes per pixel, B G R order.
const PixelFormatBGR24 = "BGR24"

// Frame represents a single decoded video frame
type Frame struct {
	// Seq is the arrival order assigned by the sink on push
	Seq uint64
	// Timestamp is when the frame was received/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains the pixel buffer (BGR24, Width*Height*3 bytes)
	Data []byte
	// Encoded is the compressed payload the frame was decoded from (JPEG, PNG).
	// Empty for frames produced by raw sources such as the RTSP capture.
	Encoded []byte
	// ConnID identifies the producer connection (or capture source) the frame came from
	ConnID string
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// Size returns the frame dimensions as reported on the wire
func (f *Frame) Size() ImageSize {
	return ImageSize{W: f.Width, H: f.Height}
}

// FrameMeta contains frame metadata without the pixel data
type FrameMeta struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	ConnID    string
	TraceID   string
}

// Meta strips the buffers from a frame
func (f *Frame) Meta() FrameMeta {
	return FrameMeta{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		ConnID:    f.ConnID,
		TraceID:   f.TraceID,
	}
}
