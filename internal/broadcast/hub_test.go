package broadcast

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

type fakeSubscriber struct {
	id string

	mu     sync.Mutex
	lines  []string
	writes int
	fail   bool
	stall  bool
	closed bool
}

func (f *fakeSubscriber) ID() string   { return f.id }
func (f *fakeSubscriber) Kind() string { return "fake" }

func (f *fakeSubscriber) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSubscriber) WriteLine(line []byte, deadline time.Time) error {
	f.mu.Lock()
	f.writes++
	fail, stall := f.fail, f.stall
	f.mu.Unlock()

	if stall {
		time.Sleep(time.Until(deadline))
		return errors.New("i/o timeout")
	}
	// A socket write fails at once when its deadline has already passed
	if !time.Now().Before(deadline) {
		return errors.New("i/o timeout")
	}
	if fail {
		return errors.New("broken pipe")
	}

	f.mu.Lock()
	f.lines = append(f.lines, string(line))
	f.mu.Unlock()
	return nil
}

func (f *fakeSubscriber) snapshot() (lines []string, writes int, closed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...), f.writes, f.closed
}

func msg(id uint64) types.ResultMessage {
	return types.ResultMessage{FrameID: id, TsMS: 1, ImageSize: types.ImageSize{W: 4, H: 4}}
}

// TestFailingSubscriberIsolated: 3 subscribers, #2 fails → #1 and #3 receive,
// #2 is removed and closed, and the next Send never touches it.
func TestFailingSubscriberIsolated(t *testing.T) {
	hub := NewHub(50 * time.Millisecond)
	s1 := &fakeSubscriber{id: "1"}
	s2 := &fakeSubscriber{id: "2", fail: true}
	s3 := &fakeSubscriber{id: "3"}
	hub.Join(s1)
	hub.Join(s2)
	hub.Join(s3)

	hub.Send(msg(1))

	if hub.Len() != 2 {
		t.Fatalf("Expected 2 subscribers after failure, got %d", hub.Len())
	}
	if _, _, closed := s2.snapshot(); !closed {
		t.Error("Failing subscriber was not closed")
	}

	hub.Send(msg(2))

	for _, s := range []*fakeSubscriber{s1, s3} {
		lines, _, _ := s.snapshot()
		if len(lines) != 2 {
			t.Errorf("Subscriber %s: expected 2 lines, got %d", s.id, len(lines))
		}
	}
	if _, writes, _ := s2.snapshot(); writes != 1 {
		t.Errorf("Removed subscriber was written %d times, expected 1", writes)
	}
	if st := hub.Stats(); st.Dropped != 1 || st.MessagesSent != 2 {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

// TestStalledSubscriberBounded verifies the write deadline bounds a Send and
// that subscribers written after the stalled one still get a full window.
func TestStalledSubscriberBounded(t *testing.T) {
	hub := NewHub(100 * time.Millisecond)
	slow := &fakeSubscriber{id: "slow", stall: true}
	fast := &fakeSubscriber{id: "fast"}
	hub.Join(slow)
	hub.Join(fast)

	start := time.Now()
	hub.Send(msg(1))
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send took %v with a stalled subscriber", elapsed)
	}

	if lines, _, _ := fast.snapshot(); len(lines) != 1 {
		t.Errorf("Fast subscriber expected 1 line, got %d", len(lines))
	}
	if hub.Len() != 1 {
		t.Errorf("Stalled subscriber should be dropped, have %d", hub.Len())
	}
}

// TestStalledSubscriberFirstInBatch puts the stalled subscriber ahead of every
// healthy one in the same sequential batch.
func TestStalledSubscriberFirstInBatch(t *testing.T) {
	hub := NewHub(50 * time.Millisecond)
	slow := &fakeSubscriber{id: "slow", stall: true}
	hub.Join(slow)
	var healthy []*fakeSubscriber
	for i := 0; i < fanoutBatchSize-1; i++ {
		s := &fakeSubscriber{id: string(rune('a' + i))}
		healthy = append(healthy, s)
		hub.Join(s)
	}

	hub.Send(msg(1))
	hub.Send(msg(2))

	if hub.Len() != len(healthy) {
		t.Fatalf("Expected %d subscribers left, got %d", len(healthy), hub.Len())
	}
	for _, s := range healthy {
		lines, _, closed := s.snapshot()
		if closed || len(lines) != 2 {
			t.Errorf("Subscriber %s: closed=%v lines=%d", s.id, closed, len(lines))
		}
	}
	if st := hub.Stats(); st.Dropped != 1 {
		t.Errorf("Expected only the stalled subscriber dropped, got %d", st.Dropped)
	}
}

// TestBatchedFanoutOrder: above the batch threshold every subscriber still sees call order.
func TestBatchedFanoutOrder(t *testing.T) {
	hub := NewHub(time.Second)
	var subs []*fakeSubscriber
	for i := 0; i < 3*fanoutBatchSize+1; i++ {
		s := &fakeSubscriber{id: string(rune('a' + i))}
		subs = append(subs, s)
		hub.Join(s)
	}

	for id := uint64(0); id < 20; id++ {
		hub.Send(msg(id))
	}

	want, _, _ := subs[0].snapshot()
	if len(want) != 20 {
		t.Fatalf("Expected 20 lines, got %d", len(want))
	}
	for _, s := range subs[1:] {
		got, _, _ := s.snapshot()
		if len(got) != len(want) {
			t.Fatalf("Subscriber %s got %d lines", s.id, len(got))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("Subscriber %s line %d differs", s.id, i)
			}
		}
	}
}

// TestEncodeErrorAbandonsMessage: a message that cannot be serialised closes nobody.
func TestEncodeErrorAbandonsMessage(t *testing.T) {
	hub := NewHub(0)
	s := &fakeSubscriber{id: "1"}
	hub.Join(s)

	bad := msg(1)
	bad.Detections = []types.Detection{types.NewDetection(0, 0, 1, 1, "x", math.NaN())}
	hub.Send(bad)

	lines, writes, closed := s.snapshot()
	if len(lines) != 0 || writes != 0 || closed {
		t.Errorf("Subscriber touched by an unencodable message: lines=%d writes=%d closed=%v", len(lines), writes, closed)
	}
	if hub.Stats().EncodeErrors != 1 {
		t.Errorf("Expected 1 encode error, got %d", hub.Stats().EncodeErrors)
	}
}

// TestJoinAfterClose verifies the hub is sealed after Close.
func TestJoinAfterClose(t *testing.T) {
	hub := NewHub(0)
	a := &fakeSubscriber{id: "a"}
	hub.Join(a)
	hub.Close()

	b := &fakeSubscriber{id: "b"}
	if hub.Join(b) {
		t.Error("Join succeeded on a closed hub")
	}
	for _, s := range []*fakeSubscriber{a, b} {
		if _, _, closed := s.snapshot(); !closed {
			t.Errorf("Subscriber %s not closed", s.id)
		}
	}
}
