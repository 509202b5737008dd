package core

import (
	"fmt"
	"log/slog"
	"time"
)

// getStatus answers the get_status control command
func (b *Bridge) getStatus() map[string]interface{} {
	b.mu.RLock()
	started := b.started
	running := b.isRunning
	b.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id":      b.cfg.InstanceID,
		"uptime_s":         time.Since(started).Seconds(),
		"running":          running,
		"paused":           b.isPaused.Load(),
		"frames_processed": b.processed.Load(),
		"detector":         b.detector.Name(),
		"sink":             b.sink.Stats(),
		"ingest":           b.ingest.Stats(),
		"broadcast":        b.broadcast.Stats(),
		"config": map[string]interface{}{
			"ingest_addr":    b.cfg.Ingest.Addr,
			"broadcast_addr": b.cfg.Broadcast.Addr,
			"prompt_mode":    b.cfg.Detector.PromptMode,
			"prompts":        b.cfg.Detector.Prompts,
		},
	}
	if b.emitter != nil {
		status["mqtt"] = b.emitter.Stats()
	}
	return status
}

// Pause stops running detection; frames keep flowing through the sink
func (b *Bridge) Pause() error {
	if !b.isPaused.CompareAndSwap(false, true) {
		return fmt.Errorf("already paused")
	}
	slog.Info("inference paused")
	return nil
}

// Resume restarts detection after Pause
func (b *Bridge) Resume() error {
	if !b.isPaused.CompareAndSwap(true, false) {
		return fmt.Errorf("not paused")
	}
	slog.Info("inference resumed")
	return nil
}

// IsPaused reports whether detection is paused
func (b *Bridge) IsPaused() bool {
	return b.isPaused.Load()
}

// shutdownViaControl cancels Run; main then performs the graceful Shutdown
func (b *Bridge) shutdownViaControl() error {
	b.mu.RLock()
	cancel := b.cancelCtx
	b.mu.RUnlock()

	if cancel == nil {
		return fmt.Errorf("bridge is not running")
	}

	slog.Info("shutdown requested via control plane")
	cancel()
	return nil
}
