// Package core wires the frame sink, the TCP servers and the detector into the
// running bridge.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/api"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/broadcast"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/capture"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/config"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/control"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/decode"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/detector"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/emitter"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/ingest"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/results"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/sink"
)

// Bridge is the main service orchestrator
type Bridge struct {
	cfg *config.Config

	// Core components
	sink      *sink.Sink
	ingest    *ingest.Server
	broadcast *broadcast.Server
	detector  detector.Detector
	resultOpt results.Options

	// Optional components (nil when disabled)
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	api            *api.Server
	preview        *api.Preview
	capture        capture.Source

	metrics *prometheus.Registry

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc

	isPaused atomic.Bool
	frameID  atomic.Uint64

	processed    atomic.Uint64
	skipped      atomic.Uint64
	detectErrors atomic.Uint64
}

// Option customises a Bridge
type Option func(*Bridge)

// WithDetector replaces the detector selected by the config
func WithDetector(d detector.Detector) Option {
	return func(b *Bridge) {
		b.detector = d
	}
}

// NewBridge builds every component from cfg. Nothing listens until Run.
func NewBridge(cfg *config.Config, opts ...Option) (*Bridge, error) {
	frames, err := sink.New(cfg.Sink.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create sink: %w", err)
	}

	dec, err := decode.New(cfg.Ingest.Decoder, cfg.Ingest.MaxPixels)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	b := &Bridge{
		cfg:  cfg,
		sink: frames,
		ingest: ingest.New(ingest.Config{
			Addr:            cfg.Ingest.Addr,
			MaxFrameBytes:   cfg.Ingest.MaxFrameBytes,
			ReadIdleTimeout: cfg.Ingest.ReadIdleTimeout,
		}, dec, frames),
		broadcast: broadcast.New(broadcast.Config{
			Addr:         cfg.Broadcast.Addr,
			WriteTimeout: cfg.Broadcast.WriteTimeout,
		}),
		resultOpt: results.Options{
			MaxDetections:    cfg.Results.MaxDetections,
			CalibrationEvery: cfg.Results.CalibrationEvery,
		},
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.detector == nil {
		if b.detector, err = newDetector(cfg.Detector); err != nil {
			return nil, fmt.Errorf("failed to create detector: %w", err)
		}
	}

	if cfg.MQTT.Broker != "" {
		b.emitter = emitter.NewMQTTEmitter(emitter.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topics.Results,
			QoS:      cfg.MQTT.QoS,
		})
	}

	if cfg.Capture.RTSPURL != "" {
		b.capture, err = capture.New(capture.Config{
			RTSPURL: cfg.Capture.RTSPURL,
			Width:   cfg.Capture.Width,
			Height:  cfg.Capture.Height,
			FPS:     cfg.Capture.FPS,
		}, frames)
		if err != nil {
			return nil, fmt.Errorf("failed to create capture source: %w", err)
		}
	}

	b.metrics = b.newMetrics()

	if cfg.API.Addr != "" {
		b.preview = api.NewPreview()
		b.api = api.NewServer(cfg.API.Addr, b, b.metrics, b.broadcast.Hub(), b.preview)
	}

	slog.Info("bridge configured",
		"instance_id", cfg.InstanceID,
		"detector", b.detector.Name(),
		"decoder", dec.Name(),
		"sink_capacity", frames.Capacity(),
		"mqtt", b.emitter != nil,
		"api", b.api != nil,
		"capture", b.capture != nil,
	)

	return b, nil
}

func newDetector(cfg config.DetectorConfig) (detector.Detector, error) {
	switch cfg.Kind {
	case "", "mock":
		return detector.NewMock(cfg.Prompts, 0), nil
	case "python":
		return detector.NewPython(detector.PythonConfig{
			Command:    cfg.Command,
			Args:       cfg.Args,
			Weights:    cfg.Weights,
			Device:     cfg.Device,
			ImgSz:      cfg.ImgSz,
			Conf:       cfg.Conf,
			IoU:        cfg.IoU,
			PromptMode: cfg.PromptMode,
			Prompts:    cfg.Prompts,
			Timeout:    cfg.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown detector kind %q", cfg.Kind)
	}
}

// Run starts the bridge and blocks until ctx is cancelled or a shutdown
// command arrives. Listener bind errors are returned.
func (b *Bridge) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.isRunning {
		b.mu.Unlock()
		return fmt.Errorf("bridge is already running")
	}
	b.isRunning = true
	b.started = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.cancelCtx = cancel
	b.mu.Unlock()

	slog.Info("bridge starting", "instance_id", b.cfg.InstanceID)

	if err := b.detector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start detector: %w", err)
	}

	if err := b.broadcast.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broadcast server: %w", err)
	}

	if err := b.ingest.Start(ctx); err != nil {
		return fmt.Errorf("failed to start ingest server: %w", err)
	}

	if b.capture != nil {
		if err := b.capture.Start(ctx); err != nil {
			return fmt.Errorf("failed to start capture source: %w", err)
		}
	}

	if b.emitter != nil {
		if err := b.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		b.controlHandler = control.NewHandler(control.Config{
			Topic: b.cfg.MQTT.Topics.Control,
			QoS:   b.cfg.MQTT.QoS,
		}, b.emitter.Client(), control.Callbacks{
			OnGetStatus: b.getStatus,
			OnPause:     b.Pause,
			OnResume:    b.Resume,
			OnShutdown:  b.shutdownViaControl,
		})
		if err := b.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}
	}

	if b.api != nil {
		if err := b.api.Start(); err != nil {
			return fmt.Errorf("failed to start api server: %w", err)
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.preview.Run(ctx)
		}()
	}

	b.wg.Add(1)
	go b.processFrames(ctx)

	if b.cfg.StatsInterval > 0 {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.logStats(ctx, b.cfg.StatsInterval)
		}()
	}

	slog.Info("bridge running",
		"ingest_addr", addrString(b.ingest.Addr()),
		"broadcast_addr", addrString(b.broadcast.Addr()),
	)

	<-ctx.Done()

	slog.Info("bridge run loop exiting")
	return nil
}

// Shutdown stops producers first, then the consumer, then subscribers.
// Components that never started are skipped.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.isRunning {
		b.mu.Unlock()
		return nil
	}
	cancel := b.cancelCtx
	b.mu.Unlock()

	slog.Info("shutting down bridge")

	if cancel != nil {
		cancel()
	}

	var errs []error

	// 1. Stop producers
	if err := b.ingest.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("ingest: %w", err))
	}
	if b.capture != nil {
		if err := b.capture.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("capture: %w", err))
		}
	}

	// 2. Wake the consumer and wait for pipeline goroutines
	b.sink.Close()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("timed out waiting for pipeline goroutines")
	}

	// 3. Stop subscribers and the detector
	if err := b.broadcast.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("broadcast: %w", err))
	}
	if err := b.detector.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("detector: %w", err))
	}

	if b.api != nil {
		if err := b.api.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api: %w", err))
		}
	}

	// 4. Control plane and MQTT last so the shutdown ack is delivered
	if b.controlHandler != nil {
		if err := b.controlHandler.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("control: %w", err))
		}
	}
	if b.emitter != nil {
		if err := b.emitter.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}

	b.mu.Lock()
	uptime := time.Since(b.started)
	b.isRunning = false
	b.mu.Unlock()

	slog.Info("bridge shutdown complete",
		"uptime", uptime,
		"frames_processed", b.processed.Load(),
	)

	return errors.Join(errs...)
}

// ShutdownTimeout returns the configured graceful shutdown bound
func (b *Bridge) ShutdownTimeout() time.Duration {
	if b.cfg.ShutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return b.cfg.ShutdownTimeout
}

// IngestAddr returns the bound producer address, or nil before Run
func (b *Bridge) IngestAddr() net.Addr {
	return b.ingest.Addr()
}

// BroadcastAddr returns the bound subscriber address, or nil before Run
func (b *Bridge) BroadcastAddr() net.Addr {
	return b.broadcast.Addr()
}

// APIAddr returns the bound HTTP address, or nil when the API is disabled
func (b *Bridge) APIAddr() net.Addr {
	if b.api == nil {
		return nil
	}
	return b.api.Addr()
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
