// Package sink implements the bounded frame queue shared between the ingest
// connections (producers) and the inference loop (single consumer).
//
// Policy: drop-oldest. Push never blocks and never rejects; when the queue is
// full the single oldest frame is evicted before the new one is appended, so
// the consumer always sees the most recent frames rather than a stale backlog.
package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

// DefaultCapacity keeps the newest two frames
const DefaultCapacity = 2

// ErrInvalidCapacity is returned by New for capacities below one
var ErrInvalidCapacity = errors.New("sink: capacity must be at least 1")

// Sink is a bounded drop-oldest frame queue.
//
// Producers serialise on pushMu so that "evict oldest, then append" is one
// atomic step; the consumer only ever receives from the channel and never
// takes the mutex.
type Sink struct {
	frames   chan *types.Frame
	capacity int

	pushMu sync.Mutex
	seq    uint64
	closed bool
	done   chan struct{}

	pushed    atomic.Uint64
	evicted   atomic.Uint64
	consumed  atomic.Uint64
	discarded atomic.Uint64
}

// Stats is a point-in-time snapshot of sink counters
type Stats struct {
	Capacity  int    `json:"capacity"`
	Len       int    `json:"len"`
	Pushed    uint64 `json:"pushed"`
	Evicted   uint64 `json:"evicted"`
	Consumed  uint64 `json:"consumed"`
	Discarded uint64 `json:"discarded"`
	Closed    bool   `json:"closed"`
}

// New creates a sink holding at most capacity frames
func New(capacity int) (*Sink, error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	return &Sink{
		frames:   make(chan *types.Frame, capacity),
		capacity: capacity,
		done:     make(chan struct{}),
	}, nil
}

// Push appends a frame, evicting the oldest queued frame when full.
// It assigns frame.Seq. Frames pushed after Close are discarded.
func (s *Sink) Push(frame *types.Frame) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	if s.closed {
		s.discarded.Add(1)
		return
	}

	s.seq++
	frame.Seq = s.seq

	for {
		select {
		case s.frames <- frame:
			s.pushed.Add(1)
			return
		default:
		}

		// Full. The consumer may race us to the oldest frame, in which case
		// the next send attempt has room and nothing is evicted.
		select {
		case <-s.frames:
			s.evicted.Add(1)
		default:
		}
	}
}

// Consume returns the oldest queued frame, waiting up to timeout for one to arrive.
// It reports false when the timeout elapses, ctx is done, or the sink is closed.
func (s *Sink) Consume(ctx context.Context, timeout time.Duration) (*types.Frame, bool) {
	select {
	case <-s.done:
		return nil, false
	default:
	}

	// Fast path, no timer
	select {
	case f := <-s.frames:
		s.consumed.Add(1)
		return f, true
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-s.frames:
		s.consumed.Add(1)
		return f, true
	case <-timer.C:
		return nil, false
	case <-ctx.Done():
		return nil, false
	case <-s.done:
		return nil, false
	}
}

// Len returns the number of queued frames
func (s *Sink) Len() int {
	return len(s.frames)
}

// Capacity returns the fixed capacity
func (s *Sink) Capacity() int {
	return s.capacity
}

// Close wakes blocked consumers and discards later pushes. Idempotent.
func (s *Sink) Close() {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Stats returns current counters
func (s *Sink) Stats() Stats {
	s.pushMu.Lock()
	closed := s.closed
	s.pushMu.Unlock()

	return Stats{
		Capacity:  s.capacity,
		Len:       len(s.frames),
		Pushed:    s.pushed.Load(),
		Evicted:   s.evicted.Load(),
		Consumed:  s.consumed.Load(),
		Discarded: s.discarded.Load(),
		Closed:    closed,
	}
}
