// Package capture provides camera sources that push decoded BGR frames straight
// into the frame sink, next to the TCP ingest producers.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

// Reconnect delays
const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// ErrUnavailable is returned when the binary was built without GStreamer (-tags gst)
var ErrUnavailable = errors.New("capture: rtsp support not compiled in (build with -tags gst)")

// Pusher accepts frames without blocking
type Pusher interface {
	Push(frame *types.Frame)
}

// Config contains RTSP source settings
type Config struct {
	RTSPURL string
	Width   int
	Height  int
	FPS     int
}

// Stats contains source counters
type Stats struct {
	URL        string `json:"url"`
	Connected  bool   `json:"connected"`
	FrameCount uint64 `json:"frame_count"`
	BytesRead  uint64 `json:"bytes_read"`
	Reconnects uint32 `json:"reconnects"`
}

// Source is a running camera source
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Stats() Stats
}

// New validates cfg and creates the RTSP source
func New(cfg Config, sink Pusher) (Source, error) {
	if cfg.RTSPURL == "" {
		return nil, fmt.Errorf("rtsp_url is required")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid resolution: %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("invalid fps: %d", cfg.FPS)
	}
	return newRTSP(cfg, sink)
}

// backoff doubles from minBackoff up to maxBackoff
func backoff(attempt int) time.Duration {
	d := minBackoff
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}
