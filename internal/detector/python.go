package detector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/framing"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

// PythonConfig configures the subprocess worker
type PythonConfig struct {
	// Command and Args start the worker, e.g. python3 workers/yoloe_worker.py
	Command string
	Args    []string
	// Env is appended to the current environment
	Env []string

	Weights    string
	Device     string
	ImgSz      int
	Conf       float64
	IoU        float64
	PromptMode string
	Prompts    []string

	// Timeout bounds one request/response round trip
	Timeout time.Duration
}

// Python runs inference in a subprocess speaking length-prefixed msgpack on stdin/stdout.
// One request is in flight at a time.
type Python struct {
	cfg PythonConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *framing.Writer

	responses chan *workerResponse
	exited    chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isActive atomic.Bool
	reqMu    sync.Mutex
	writeMu  sync.Mutex

	requests       atomic.Uint64
	successes      atomic.Uint64
	failures       atomic.Uint64
	timeouts       atomic.Uint64
	totalLatencyUS atomic.Uint64
	lastSeenAt     atomic.Value // time.Time
}

// workerRequest is one frame sent to the worker
type workerRequest struct {
	FrameData []byte      `msgpack:"frame_data"`
	Format    string      `msgpack:"format"` // "encoded" (JPEG/PNG bytes) or "bgr24"
	Width     int         `msgpack:"width"`
	Height    int         `msgpack:"height"`
	Meta      requestMeta `msgpack:"meta"`
}

type requestMeta struct {
	Seq       uint64 `msgpack:"seq"`
	TraceID   string `msgpack:"trace_id"`
	Timestamp string `msgpack:"timestamp"`
}

// workerResponse is the worker's answer for one frame
type workerResponse struct {
	Seq        uint64                 `msgpack:"seq"`
	Detections []workerDetection      `msgpack:"detections"`
	Timing     map[string]interface{} `msgpack:"timing"`
	Error      string                 `msgpack:"error"`
}

type workerDetection struct {
	BBoxXYXY []float64             `msgpack:"bbox_xyxy"`
	Label    string                 `msgpack:"label"`
	Score    float64                `msgpack:"score"`
	Meta     map[string]interface{} `msgpack:"meta"`
}

// NewPython creates a stopped subprocess detector
func NewPython(cfg PythonConfig) (*Python, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.PromptMode == "text" && len(cfg.Prompts) == 0 {
		slog.Warn("prompt_mode=text but no prompts configured; add labels under 'text:' in the prompts file")
	}

	slog.Info("python detector created",
		"command", cfg.Command,
		"weights", cfg.Weights,
		"device", cfg.Device,
		"prompt_mode", cfg.PromptMode,
		"prompts", len(cfg.Prompts),
	)

	return &Python{cfg: cfg}, nil
}

func (p *Python) Name() string { return "python" }

// Start spawns the worker process and its reader goroutines
func (p *Python) Start(ctx context.Context) error {
	if p.isActive.Load() {
		return fmt.Errorf("detector already started")
	}

	// Cancelling ctx must not kill the worker: Stop closes stdin first and
	// only cancels once the grace period runs out
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.responses = make(chan *workerResponse, 1)
	p.exited = make(chan struct{})

	if err := p.spawn(); err != nil {
		p.cancel()
		return fmt.Errorf("failed to spawn python process: %w", err)
	}

	p.isActive.Store(true)
	p.lastSeenAt.Store(time.Now())

	slog.Info("python detector started",
		"pid", p.cmd.Process.Pid,
		"timeout", p.cfg.Timeout,
	)
	return nil
}

// workerArgs renders model settings as CLI flags after the configured args
func (p *Python) workerArgs() []string {
	args := append([]string{}, p.cfg.Args...)
	if p.cfg.Weights != "" {
		args = append(args, "--weights", p.cfg.Weights)
	}
	if p.cfg.Device != "" {
		args = append(args, "--device", p.cfg.Device)
	}
	if p.cfg.ImgSz > 0 {
		args = append(args, "--imgsz", strconv.Itoa(p.cfg.ImgSz))
	}
	args = append(args,
		"--conf", strconv.FormatFloat(p.cfg.Conf, 'f', 2, 64),
		"--iou", strconv.FormatFloat(p.cfg.IoU, 'f', 2, 64),
	)
	if p.cfg.PromptMode != "" {
		args = append(args, "--prompt-mode", p.cfg.PromptMode)
	}
	for _, prompt := range p.cfg.Prompts {
		args = append(args, "--prompt", prompt)
	}
	return args
}

func (p *Python) spawn() error {
	p.cmd = exec.CommandContext(p.ctx, p.cfg.Command, p.workerArgs()...)
	p.cmd.Env = append(os.Environ(), p.cfg.Env...)

	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start python process: %w", err)
	}

	p.stdin = stdin
	p.writer = framing.NewWriter(stdin)

	// Pipes must be fully read before Wait, so the waiter joins the readers first
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readResponses(stdout)
	}()
	go func() {
		defer readers.Done()
		p.logStderr(stderr)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		readers.Wait()
		p.waitProcess()
	}()

	return nil
}

// Detect sends one frame and waits for the matching response
func (p *Python) Detect(ctx context.Context, frame *types.Frame) ([]types.Detection, error) {
	if !p.isActive.Load() {
		return nil, ErrNotStarted
	}

	p.reqMu.Lock()
	defer p.reqMu.Unlock()

	p.requests.Add(1)
	start := time.Now()

	req := workerRequest{
		FrameData: frame.Encoded,
		Format:    "encoded",
		Width:     frame.Width,
		Height:    frame.Height,
		Meta: requestMeta{
			Seq:       frame.Seq,
			TraceID:   frame.TraceID,
			Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
		},
	}
	if len(frame.Encoded) == 0 {
		req.FrameData = frame.Data
		req.Format = "bgr24"
	}

	payload, err := msgpack.Marshal(&req)
	if err != nil {
		p.failures.Add(1)
		return nil, fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	timeout := time.NewTimer(p.cfg.Timeout)
	defer timeout.Stop()

	// The write runs in its own goroutine so a hung worker cannot block us past the timeout
	writeErr := make(chan error, 1)
	go func() {
		p.writeMu.Lock()
		defer p.writeMu.Unlock()
		writeErr <- p.writer.WriteFrame(payload)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			p.failures.Add(1)
			return nil, fmt.Errorf("failed to write to stdin: %w", err)
		}
	case <-timeout.C:
		p.timeouts.Add(1)
		return nil, fmt.Errorf("stdin write timeout after %s (python worker may be hung)", p.cfg.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.exited:
		p.failures.Add(1)
		return nil, fmt.Errorf("python worker exited")
	}

	for {
		select {
		case resp := <-p.responses:
			// A late answer to a request we already gave up on
			if resp.Seq != 0 && resp.Seq != frame.Seq {
				slog.Debug("discarding stale python response",
					"response_seq", resp.Seq,
					"frame_seq", frame.Seq,
				)
				continue
			}
			return p.finish(resp, start)
		case <-timeout.C:
			p.timeouts.Add(1)
			return nil, fmt.Errorf("inference timeout after %s", p.cfg.Timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.exited:
			p.failures.Add(1)
			return nil, fmt.Errorf("python worker exited")
		}
	}
}

func (p *Python) finish(resp *workerResponse, start time.Time) ([]types.Detection, error) {
	if resp.Error != "" {
		p.failures.Add(1)
		return nil, fmt.Errorf("python worker error: %s", resp.Error)
	}

	p.successes.Add(1)
	p.lastSeenAt.Store(time.Now())
	p.totalLatencyUS.Add(uint64(time.Since(start).Microseconds()))

	dets := make([]types.Detection, 0, len(resp.Detections))
	for i, wd := range resp.Detections {
		if len(wd.BBoxXYXY) != 4 {
			slog.Warn("python worker returned malformed box, skipping",
				"index", i,
				"values", len(wd.BBoxXYXY),
			)
			continue
		}
		d := types.NewDetection(
			int(math.Round(wd.BBoxXYXY[0])),
			int(math.Round(wd.BBoxXYXY[1])),
			int(math.Round(wd.BBoxXYXY[2])),
			int(math.Round(wd.BBoxXYXY[3])),
			wd.Label,
			wd.Score,
		)
		d.Meta["source"] = "YOLOE"
		for k, v := range wd.Meta {
			d.Meta[k] = v
		}
		dets = append(dets, d)
	}

	if total, ok := toFloat(resp.Timing["total_ms"]); ok {
		slog.Debug("python inference complete",
			"detections", len(dets),
			"total_ms", total,
		)
	}

	return dets, nil
}

// readResponses reads framed msgpack responses from the worker's stdout
func (p *Python) readResponses(stdout io.Reader) {
	reader := framing.NewReader(stdout, framing.DefaultMaxFrameBytes)

	for {
		data, err := reader.Next()
		if err != nil {
			if errors.Is(err, framing.ErrConnectionClosed) {
				slog.Debug("python worker stdout closed")
			} else {
				slog.Error("failed to read from python worker", "error", err)
			}
			return
		}

		var resp workerResponse
		if err := msgpack.Unmarshal(data, &resp); err != nil {
			slog.Error("failed to unmarshal msgpack inference result",
				"error", err,
				"data_length", len(data),
				"action", "check python worker logs in stderr",
			)
			continue
		}

		select {
		case p.responses <- &resp:
		default:
			// Nobody is waiting; drop the older pending response in favour of this one
			select {
			case <-p.responses:
			default:
			}
			p.responses <- &resp
		}
	}
}

// logStderr maps the worker's log levels onto slog
func (p *Python) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]"):
			slog.Error("python worker error", "log", line)
		case containsAny(line, "[WARNING]", "[WARN]", "[warn]"):
			slog.Warn("python worker warning", "log", line)
		default:
			slog.Debug("python worker log", "log", line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("error reading stderr", "error", err)
	}
}

// waitProcess reaps the worker and reports how it exited
func (p *Python) waitProcess() {
	err := p.cmd.Wait()
	close(p.exited)
	p.isActive.Store(false)

	pid := p.cmd.Process.Pid
	switch {
	case err == nil:
		slog.Info("python process exited cleanly", "pid", pid)
	case p.ctx.Err() != nil:
		slog.Debug("python process exited (shutdown)", "pid", pid)
	default:
		slog.Error("python process exited unexpectedly", "pid", pid, "error", err)
	}
}

// Stop closes stdin so the worker can exit on its own, then kills it after 2s
func (p *Python) Stop() error {
	if p.cmd == nil {
		return nil
	}
	p.isActive.Store(false)

	if p.stdin != nil {
		p.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("python worker did not exit after stdin close, killing")
		p.cancel()
		<-done
	}
	p.cancel()

	slog.Info("python detector stopped",
		"requests", p.requests.Load(),
		"failures", p.failures.Load(),
		"timeouts", p.timeouts.Load(),
	)
	return nil
}

func (p *Python) Metrics() Metrics {
	m := Metrics{
		Requests: p.requests.Load(),
		Failures: p.failures.Load(),
		Timeouts: p.timeouts.Load(),
	}
	if ok := p.successes.Load(); ok > 0 {
		m.AvgLatencyMS = float64(p.totalLatencyUS.Load()) / float64(ok) / 1000
	}
	if t, ok := p.lastSeenAt.Load().(time.Time); ok {
		m.LastSeenAt = t
	}
	return m
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}
