//go:build gst

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

const (
	busPoll     = 50 * time.Millisecond
	stopTimeout = 3 * time.Second
)

var gstInit sync.Once

// RTSP decodes an H.264 camera into BGR frames and pushes them into the sink
type RTSP struct {
	cfg       Config
	sink      Pusher
	frameSize int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	connected  atomic.Bool
	frameCount atomic.Uint64
	bytesRead  atomic.Uint64
	reconnects atomic.Uint32
}

func newRTSP(cfg Config, sink Pusher) (Source, error) {
	return &RTSP{
		cfg:       cfg,
		sink:      sink,
		frameSize: cfg.Width * cfg.Height * 3,
	}, nil
}

// Start launches the capture loop; it reconnects until Stop
func (s *RTSP) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("capture: already started")
	}

	gstInit.Do(func() { gst.Init(nil) })

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)

	slog.Info("capture starting",
		"url", s.cfg.RTSPURL,
		"size", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"fps", s.cfg.FPS,
	)
	return nil
}

func (s *RTSP) loop(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	for ctx.Err() == nil {
		before := s.frameCount.Load()
		if err := s.session(ctx); err != nil {
			slog.Error("capture session failed", "url", s.cfg.RTSPURL, "error", err)
		}
		s.connected.Store(false)
		if ctx.Err() != nil {
			return
		}

		if s.frameCount.Load() > before {
			attempt = 0
		}
		delay := backoff(attempt)
		attempt++
		s.reconnects.Add(1)

		slog.Warn("capture reconnecting", "attempt", attempt, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// session runs one pipeline until end of stream, a pipeline error or ctx
func (s *RTSP) session(ctx context.Context) error {
	pipeline, err := s.buildPipeline()
	if err != nil {
		return err
	}
	defer pipeline.SetState(gst.StateNull)

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("set playing: %w", err)
	}

	bus := pipeline.GetPipelineBus()
	for ctx.Err() == nil {
		msg := bus.TimedPop(busPoll)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return errors.New("end of stream")
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Debug("gstreamer error detail", "debug", gerr.DebugString())
			return fmt.Errorf("gstreamer: %w", gerr)
		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			if _, state := msg.ParseStateChanged(); state == gst.StatePlaying && !s.connected.Swap(true) {
				slog.Info("capture connected", "url", s.cfg.RTSPURL)
			}
		}
	}
	return nil
}

// buildPipeline assembles
// rtspsrc ! rtph264depay ! avdec_h264 ! videoconvert ! videoscale ! videorate ! BGR caps ! appsink
func (s *RTSP) buildPipeline() (*gst.Pipeline, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	src, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("create rtspsrc: %w", err)
	}
	src.SetProperty("location", s.cfg.RTSPURL)
	src.SetProperty("protocols", 4) // tcp
	src.SetProperty("latency", 200)

	names := []string{"rtph264depay", "avdec_h264", "videoconvert", "videoscale", "videorate", "capsfilter"}
	chain := make([]*gst.Element, 0, len(names)+1)
	for _, name := range names {
		el, err := gst.NewElement(name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		chain = append(chain, el)
	}
	depay, rate, caps := chain[0], chain[4], chain[5]

	rate.SetProperty("drop-only", true)
	rate.SetProperty("skip-to-first", true)
	caps.SetProperty("caps", gst.NewCapsFromString(fmt.Sprintf(
		"video/x-raw,format=BGR,width=%d,height=%d,framerate=%d/1",
		s.cfg.Width, s.cfg.Height, s.cfg.FPS,
	)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)
	sink.SetCallbacks(&app.SinkCallbacks{NewSampleFunc: s.onSample})
	chain = append(chain, sink.Element)

	if err := pipeline.Add(src); err != nil {
		return nil, fmt.Errorf("add rtspsrc: %w", err)
	}
	if err := pipeline.AddMany(chain...); err != nil {
		return nil, fmt.Errorf("add elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return nil, fmt.Errorf("link elements: %w", err)
	}

	// rtspsrc exposes its pad only after SDP negotiation
	src.Connect("pad-added", func(_ *gst.Element, pad *gst.Pad) {
		if ret := pad.Link(depay.GetStaticPad("sink")); ret != gst.PadLinkOK {
			slog.Warn("capture: pad link failed", "pad", pad.GetName(), "result", ret)
		}
	})

	return pipeline, nil
}

func (s *RTSP) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowEOS
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowError
	}

	mapped := buffer.Map(gst.MapRead)
	defer buffer.Unmap()

	data := mapped.Bytes()
	if len(data) < s.frameSize {
		slog.Debug("capture: short buffer skipped", "bytes", len(data), "want", s.frameSize)
		return gst.FlowOK
	}

	pixels := make([]byte, s.frameSize)
	copy(pixels, data)

	s.frameCount.Add(1)
	s.bytesRead.Add(uint64(len(data)))

	s.sink.Push(&types.Frame{
		Timestamp: time.Now(),
		Width:     s.cfg.Width,
		Height:    s.cfg.Height,
		Data:      pixels,
		ConnID:    "rtsp",
		TraceID:   uuid.NewString(),
	})
	return gst.FlowOK
}

// Stop cancels the capture loop and waits up to stopTimeout for the pipeline
func (s *RTSP) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		slog.Info("capture stopped",
			"frames", s.frameCount.Load(),
			"reconnects", s.reconnects.Load(),
		)
		return nil
	case <-time.After(stopTimeout):
		return errors.New("capture: pipeline did not stop in time")
	}
}

func (s *RTSP) Stats() Stats {
	return Stats{
		URL:        s.cfg.RTSPURL,
		Connected:  s.connected.Load(),
		FrameCount: s.frameCount.Load(),
		BytesRead:  s.bytesRead.Load(),
		Reconnects: s.reconnects.Load(),
	}
}
