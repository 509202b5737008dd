package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/results"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

// processFrames pulls the freshest frame from the sink, runs detection and
// fans the result out. Detector errors skip the frame.
func (b *Bridge) processFrames(ctx context.Context) {
	defer b.wg.Done()

	timeout := b.cfg.Sink.ConsumeTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	slog.Info("frame consumer started", "detector", b.detector.Name())

	for {
		if ctx.Err() != nil {
			slog.Info("frame consumer stopping", "total_frames", b.processed.Load())
			return
		}

		frame, ok := b.sink.Consume(ctx, timeout)
		if !ok {
			if b.sink.Stats().Closed {
				slog.Info("frame sink closed", "total_frames", b.processed.Load())
				return
			}
			continue
		}

		if b.isPaused.Load() {
			b.skipped.Add(1)
			continue
		}

		b.processFrame(ctx, frame)
	}
}

func (b *Bridge) processFrame(ctx context.Context, frame *types.Frame) {
	dets, err := b.detector.Detect(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		b.detectErrors.Add(1)
		slog.Warn("detection failed, skipping frame",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"conn_id", frame.ConnID,
			"error", err,
		)
		return
	}

	id := b.frameID.Add(1) - 1
	msg := results.Build(id, frame.Size(), dets, time.Now(), b.resultOpt)

	b.broadcast.Send(msg)

	if b.emitter != nil {
		b.emitter.Publish(msg)
	}
	if b.preview != nil {
		b.preview.Update(frame, msg)
	}

	b.processed.Add(1)

	slog.Debug("frame processed",
		"frame_id", id,
		"seq", frame.Seq,
		"trace_id", frame.TraceID,
		"detections", len(msg.Detections),
	)
}
