package detector

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

// Mock emits one deterministic box per frame, for development without a model
type Mock struct {
	label string
	delay time.Duration

	started  atomic.Bool
	requests atomic.Uint64

	mu       sync.Mutex
	lastSeen time.Time
}

// NewMock creates a mock detector. The box is labelled with the first prompt,
// or "object" when there are none. delay simulates inference time.
func NewMock(prompts []string, delay time.Duration) *Mock {
	label := "object"
	if len(prompts) > 0 && prompts[0] != "" {
		label = prompts[0]
	}
	return &Mock{label: label, delay: delay}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Start(ctx context.Context) error {
	m.started.Store(true)
	slog.Info("mock detector started", "label", m.label, "delay", m.delay)
	return nil
}

// Detect returns a box covering the centre half of the frame
func (m *Mock) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	if !m.started.Load() {
		return nil, ErrNotStarted
	}

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.requests.Add(1)
	m.mu.Lock()
	m.lastSeen = time.Now()
	m.mu.Unlock()

	w, h := frame.Width, frame.Height
	det := types.NewDetection(w/4, h/4, w*3/4, h*3/4, m.label, 0.9)
	det.Meta["source"] = "mock"
	det.Meta["seq"] = frame.Seq

	return []types.Detection{det}, nil
}

func (m *Mock) Stop() error {
	m.started.Store(false)
	return nil
}

func (m *Mock) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Metrics{
		Requests:   m.requests.Load(),
		LastSeenAt: m.lastSeen,
	}
}
