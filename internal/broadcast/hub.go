package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/results"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/tcpserver"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

// DefaultWriteTimeout bounds a single write to one subscriber
const DefaultWriteTimeout = 250 * time.Millisecond

// fanoutBatchSize is the subscriber count above which writes run in parallel batches.
// Below it the goroutine spawn costs more than the writes themselves.
const fanoutBatchSize = 8

// Subscriber is one registered receiver of result lines
type Subscriber interface {
	// ID identifies the subscriber in logs
	ID() string
	// Kind is the transport ("tcp", "websocket")
	Kind() string
	// WriteLine writes one newline-terminated message, giving up at deadline
	WriteLine(line []byte, deadline time.Time) error
	Close() error
}

// HubStats is a snapshot of delivery counters
type HubStats struct {
	Subscribers  int    `json:"subscribers"`
	MessagesSent uint64 `json:"messages_sent"`
	BytesSent    uint64 `json:"bytes_sent"`
	Dropped      uint64 `json:"subscribers_dropped"`
	EncodeErrors uint64 `json:"encode_errors"`
}

// Hub fans result lines out to every registered subscriber.
//
// Sends are serialised so each subscriber sees messages in call order. A
// subscriber whose write fails or exceeds the deadline is removed and closed
// inside the same Send; the caller never sees the error.
type Hub struct {
	subs         *tcpserver.ConnSet[Subscriber]
	writeTimeout time.Duration

	sendMu sync.Mutex

	messagesSent atomic.Uint64
	bytesSent    atomic.Uint64
	dropped      atomic.Uint64
	encodeErrors atomic.Uint64
}

// NewHub creates an empty hub. writeTimeout <= 0 selects DefaultWriteTimeout.
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Hub{
		subs:         tcpserver.NewConnSet[Subscriber](),
		writeTimeout: writeTimeout,
	}
}

// Join registers a subscriber. Returns false (and closes sub) once the hub is closed.
func (h *Hub) Join(sub Subscriber) bool {
	if !h.subs.Add(sub) {
		return false
	}
	slog.Info("subscriber joined",
		"subscriber_id", sub.ID(),
		"kind", sub.Kind(),
		"subscribers", h.subs.Len(),
	)
	return true
}

// Leave deregisters a subscriber that went away on its own. It does not close it.
// Reports false when the subscriber was already gone (dropped or never joined).
func (h *Hub) Leave(sub Subscriber) bool {
	if !h.subs.Remove(sub) {
		return false
	}
	slog.Info("subscriber left",
		"subscriber_id", sub.ID(),
		"kind", sub.Kind(),
		"subscribers", h.subs.Len(),
	)
	return true
}

// Len returns the number of registered subscribers
func (h *Hub) Len() int {
	return h.subs.Len()
}

// Send serialises msg once and delivers it to every subscriber.
// Serialisation failures abandon this message only.
func (h *Hub) Send(msg types.ResultMessage) {
	line, err := results.Encode(msg)
	if err != nil {
		h.encodeErrors.Add(1)
		slog.Error("failed to encode result message, skipping",
			"frame_id", msg.FrameID,
			"error", err,
		)
		return
	}
	h.SendLine(line)
}

// SendLine delivers an already serialised, newline-terminated line
func (h *Hub) SendLine(line []byte) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	subs := h.subs.Snapshot()
	h.messagesSent.Add(1)
	if len(subs) == 0 {
		return
	}

	if len(subs) <= fanoutBatchSize {
		for _, sub := range subs {
			h.deliver(sub, line)
		}
		return
	}

	// Batches run in parallel but Send waits for all of them so the next
	// message cannot overtake this one on any subscriber
	var wg sync.WaitGroup
	for i := 0; i < len(subs); i += fanoutBatchSize {
		end := i + fanoutBatchSize
		if end > len(subs) {
			end = len(subs)
		}

		wg.Add(1)
		go func(batch []Subscriber) {
			defer wg.Done()
			for _, sub := range batch {
				h.deliver(sub, line)
			}
		}(subs[i:end])
	}
	wg.Wait()
}

// deliver gives each write its own window so a stalled subscriber earlier in
// the batch cannot spend the time of the ones after it
func (h *Hub) deliver(sub Subscriber, line []byte) {
	if err := sub.WriteLine(line, time.Now().Add(h.writeTimeout)); err != nil {
		h.drop(sub, err)
		return
	}
	h.bytesSent.Add(uint64(len(line)))
}

// drop removes and closes a failed subscriber
func (h *Hub) drop(sub Subscriber, err error) {
	if !h.subs.Remove(sub) {
		return
	}
	sub.Close()
	h.dropped.Add(1)

	slog.Warn("subscriber dropped after failed write",
		"subscriber_id", sub.ID(),
		"kind", sub.Kind(),
		"error", err,
		"subscribers", h.subs.Len(),
	)
}

// Close closes every subscriber and rejects later joins
func (h *Hub) Close() int {
	return h.subs.CloseAll()
}

// Stats returns current counters
func (h *Hub) Stats() HubStats {
	return HubStats{
		Subscribers:  h.subs.Len(),
		MessagesSent: h.messagesSent.Load(),
		BytesSent:    h.bytesSent.Load(),
		Dropped:      h.dropped.Load(),
		EncodeErrors: h.encodeErrors.Load(),
	}
}
