package core

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/config"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/detector"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/framing"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Ingest.Addr = "127.0.0.1:0"
	cfg.Broadcast.Addr = "127.0.0.1:0"
	cfg.API.Addr = ""
	cfg.StatsInterval = 0
	cfg.Sink.ConsumeTimeout = 50 * time.Millisecond
	cfg.Detector.Prompts = []string{"person"}
	return &cfg
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

// startBridge runs b in the background and waits for both listeners
func startBridge(t *testing.T, b *Bridge) (cancel func()) {
	t.Helper()

	ctx, cancelRun := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for !b.Ready() {
		select {
		case err := <-errCh:
			t.Fatalf("Run returned early: %v", err)
		case <-deadline:
			t.Fatalf("bridge not ready")
		case <-time.After(5 * time.Millisecond):
		}
	}

	return func() {
		cancelRun()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancelShutdown()
		if err := b.Shutdown(shutdownCtx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		select {
		case <-errCh:
		case <-time.After(3 * time.Second):
			t.Errorf("Run did not return")
		}
	}
}

func subscribe(t *testing.T, b *Bridge) (*bufio.Reader, net.Conn) {
	t.Helper()

	conn, err := net.Dial("tcp", b.BroadcastAddr().String())
	if err != nil {
		t.Fatalf("dial broadcast: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for b.broadcast.Hub().Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return bufio.NewReader(conn), conn
}

func readResult(t *testing.T, conn net.Conn, r *bufio.Reader) types.ResultMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	var msg types.ResultMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("invalid json %q: %v", line, err)
	}
	return msg
}

func TestBridgeEndToEnd(t *testing.T) {
	b, err := NewBridge(testConfig())
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	stop := startBridge(t, b)
	defer stop()

	r, sub := subscribe(t, b)
	defer sub.Close()

	producer, err := net.Dial("tcp", b.IngestAddr().String())
	if err != nil {
		t.Fatalf("dial ingest: %v", err)
	}
	defer producer.Close()

	if err := framing.WriteFrame(producer, encodePNG(t, 64, 48)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	msg := readResult(t, sub, r)
	if msg.FrameID != 0 {
		t.Errorf("Expected frame_id 0, got %d", msg.FrameID)
	}
	if msg.ImageSize != (types.ImageSize{W: 64, H: 48}) {
		t.Errorf("Expected image size 64x48, got %+v", msg.ImageSize)
	}
	if len(msg.Detections) != 1 || msg.Detections[0].Label != "person" {
		t.Fatalf("Expected one person detection, got %+v", msg.Detections)
	}
	if msg.Detections[0].BBoxXYXY != [4]int{16, 12, 48, 36} {
		t.Errorf("Unexpected box %v", msg.Detections[0].BBoxXYXY)
	}

	// A malformed payload is skipped; the next frame on the same connection is processed
	if err := framing.WriteFrame(producer, []byte("not an image")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if err := framing.WriteFrame(producer, encodePNG(t, 8, 8)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	msg = readResult(t, sub, r)
	if msg.FrameID != 1 || msg.ImageSize.W != 8 {
		t.Errorf("Expected frame_id 1 at 8px, got %d at %d", msg.FrameID, msg.ImageSize.W)
	}
}

// flakyDetector fails its first request
type flakyDetector struct {
	calls atomic.Int32
}

func (f *flakyDetector) Name() string                    { return "flaky" }
func (f *flakyDetector) Start(ctx context.Context) error { return nil }
func (f *flakyDetector) Stop() error                     { return nil }
func (f *flakyDetector) Metrics() detector.Metrics       { return detector.Metrics{} }

func (f *flakyDetector) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	if f.calls.Add(1) == 1 {
		return nil, errors.New("model exploded")
	}
	return nil, nil
}

func TestDetectorErrorSkipsFrame(t *testing.T) {
	det := &flakyDetector{}
	b, err := NewBridge(testConfig(), WithDetector(det))
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	stop := startBridge(t, b)
	defer stop()

	r, sub := subscribe(t, b)
	defer sub.Close()

	producer, err := net.Dial("tcp", b.IngestAddr().String())
	if err != nil {
		t.Fatalf("dial ingest: %v", err)
	}
	defer producer.Close()

	// Send the second frame only after the first was consumed so the sink
	// cannot coalesce them
	framing.WriteFrame(producer, encodePNG(t, 4, 4))
	deadline := time.Now().Add(2 * time.Second)
	for det.calls.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("detector never called")
		}
		time.Sleep(5 * time.Millisecond)
	}
	framing.WriteFrame(producer, encodePNG(t, 6, 6))

	msg := readResult(t, sub, r)
	if msg.FrameID != 0 {
		t.Errorf("Expected frame_id 0 after skipped frame, got %d", msg.FrameID)
	}
	if msg.ImageSize.W != 6 {
		t.Errorf("Expected the second frame, got width %d", msg.ImageSize.W)
	}
	if msg.Detections == nil {
		t.Errorf("Expected empty detections array, got nil")
	}
	if b.detectErrors.Load() != 1 {
		t.Errorf("Expected 1 detect error, got %d", b.detectErrors.Load())
	}
}

func TestPauseResume(t *testing.T) {
	b, err := NewBridge(testConfig())
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}

	if err := b.Resume(); err == nil {
		t.Errorf("Expected error resuming a running pipeline")
	}
	if err := b.Pause(); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if err := b.Pause(); err == nil {
		t.Errorf("Expected error pausing twice")
	}
	if !b.IsPaused() {
		t.Errorf("Expected paused")
	}
	if err := b.Resume(); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if b.IsPaused() {
		t.Errorf("Expected resumed")
	}
}

func TestRunTwiceFails(t *testing.T) {
	b, err := NewBridge(testConfig())
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	stop := startBridge(t, b)
	defer stop()

	if err := b.Run(context.Background()); err == nil {
		t.Errorf("Expected error on second Run")
	}
}

func TestUnknownDetectorKind(t *testing.T) {
	cfg := testConfig()
	cfg.Detector.Kind = "onnx"
	if _, err := NewBridge(cfg); err == nil {
		t.Errorf("Expected error for unknown detector kind")
	}
}

func TestMetricsIncludeSinkCounters(t *testing.T) {
	b, err := NewBridge(testConfig())
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	b.sink.Push(&types.Frame{Width: 1, Height: 1})

	families, err := b.metrics.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := false
	for _, mf := range families {
		switch mf.GetName() {
		case "yoloe_sink_frames_pushed_total":
			found = true
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Errorf("Expected 1 pushed frame, got %v", v)
			}
		case "yoloe_detector_timeouts_total":
			if l := mf.GetMetric()[0].GetLabel(); len(l) != 1 || l[0].GetValue() != "mock" {
				t.Errorf("Expected detector label, got %v", l)
			}
		case "yoloe_mqtt_published_total", "yoloe_capture_frames_total":
			t.Errorf("Unexpected metric for a disabled component: %s", mf.GetName())
		}
	}
	if !found {
		t.Errorf("Expected sink pushed metric")
	}
}
