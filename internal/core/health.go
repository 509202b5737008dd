package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/tcpserver"
)

// highEvictionRate is the share of pushed frames evicted in one stats interval
// above which the consumer is reported as falling behind
const highEvictionRate = 0.80

// Ready reports whether both listeners are up
func (b *Bridge) Ready() bool {
	b.mu.RLock()
	running := b.isRunning
	b.mu.RUnlock()

	return running &&
		b.ingest.State() == tcpserver.StateListening &&
		b.broadcast.State() == tcpserver.StateListening
}

// Snapshot returns all component stats for /api/v1/stats
func (b *Bridge) Snapshot() interface{} {
	return b.getStatus()
}

// logStats logs pipeline counters every interval and warns when the detector
// cannot keep up with producers
func (b *Bridge) logStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := b.sink.Stats()
	prevProcessed := b.processed.Load()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sk := b.sink.Stats()
			processed := b.processed.Load()

			deltaPushed := sk.Pushed - prev.Pushed
			deltaEvicted := sk.Evicted - prev.Evicted

			// Alert if eviction rate > 80% in this interval
			if deltaPushed > 0 {
				rate := float64(deltaEvicted) / float64(deltaPushed)
				if rate > highEvictionRate {
					slog.Warn("high frame eviction rate detected",
						"eviction_rate_pct", int(rate*100),
						"evicted_last_interval", deltaEvicted,
						"pushed_last_interval", deltaPushed,
						"action", "detector slower than producers",
					)
				}
			}

			in := b.ingest.Stats()
			bc := b.broadcast.Stats()

			slog.Debug("pipeline stats",
				"producers", in.Active,
				"subscribers", bc.Subscribers,
				"pushed", sk.Pushed,
				"evicted", sk.Evicted,
				"processed", processed,
				"processed_last_interval", processed-prevProcessed,
				"decode_errors", in.DecodeErrors,
				"detect_errors", b.detectErrors.Load(),
				"paused", b.isPaused.Load(),
			)

			prev = sk
			prevProcessed = processed
		}
	}
}
