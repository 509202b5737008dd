// Package detector defines the detection collaborator the pipeline calls once
// per frame, with a synthetic implementation and a subprocess-backed one.
package detector

import (
	"context"
	"errors"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

// ErrNotStarted is returned by Detect before Start or after Stop
var ErrNotStarted = errors.New("detector: not started")

// Detector turns one frame into a list of detections
type Detector interface {
	Name() string
	Start(ctx context.Context) error
	// Detect runs inference synchronously. Errors affect this frame only.
	Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error)
	Stop() error
	Metrics() Metrics
}

// Metrics contains detector health counters
type Metrics struct {
	Requests     uint64    `json:"requests"`
	Failures     uint64    `json:"failures"`
	Timeouts     uint64    `json:"timeouts"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}
