// Package control implements the MQTT control plane: JSON commands in on the
// control topic, JSON responses out on <control>/response.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Command names
const (
	CmdGetStatus = "get_status"
	CmdPause     = "pause_inference"
	CmdResume    = "resume_inference"
	CmdShutdown  = "shutdown"
)

// Response statuses
const (
	StatusSuccess = "success"
	StatusPaused  = "paused"
	StatusError   = "error"
)

const (
	queueSize       = 10
	subscribeWait   = 5 * time.Second
	publishWait     = 2 * time.Second
	unsubscribeWait = 2 * time.Second
)

var errNotImplemented = errors.New("not implemented")

// Client is the part of the paho client the handler needs
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// Command is one control message
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response answers one Command
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// Callbacks connect commands to the bridge. A nil callback answers with an error.
type Callbacks struct {
	OnGetStatus func() map[string]interface{}
	OnPause     func() error
	OnResume    func() error
	OnShutdown  func() error
}

// Config configures the handler
type Config struct {
	Topic string
	QoS   byte
	// ShutdownDelay lets the shutdown acknowledgement reach the broker first
	ShutdownDelay time.Duration
}

// Handler dispatches control commands from one topic
type Handler struct {
	cfg       Config
	client    Client
	callbacks Callbacks
	routes    map[string]func(Command) Response

	queue    chan Command
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewHandler creates a handler; Start subscribes it
func NewHandler(cfg Config, client Client, callbacks Callbacks) *Handler {
	if cfg.ShutdownDelay == 0 {
		cfg.ShutdownDelay = 500 * time.Millisecond
	}
	h := &Handler{
		cfg:       cfg,
		client:    client,
		callbacks: callbacks,
		queue:     make(chan Command, queueSize),
		stopped:   make(chan struct{}),
	}
	h.routes = map[string]func(Command) Response{
		CmdGetStatus: h.getStatus,
		CmdPause:     h.pause,
		CmdResume:    h.resume,
		CmdShutdown:  h.shutdown,
	}
	return h
}

// ResponseTopic is where responses are published
func (h *Handler) ResponseTopic() string {
	return h.cfg.Topic + "/response"
}

// Start subscribes to the control topic and serves commands until ctx is done or Stop
func (h *Handler) Start(ctx context.Context) error {
	token := h.client.Subscribe(h.cfg.Topic, h.cfg.QoS, h.onMessage)
	if !token.WaitTimeout(subscribeWait) {
		return errors.New("control: subscribe timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscribe failed: %w", err)
	}

	slog.Info("control plane listening", "topic", h.cfg.Topic, "qos", h.cfg.QoS)

	go h.serve(ctx)
	return nil
}

// Stop unsubscribes and ends command processing. Idempotent.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() {
		close(h.stopped)
		if h.client != nil && h.client.IsConnected() {
			h.client.Unsubscribe(h.cfg.Topic).WaitTimeout(unsubscribeWait)
		}
		slog.Info("control plane stopped")
	})
	return nil
}

// onMessage runs on the paho delivery goroutine; it only parses and queues
func (h *Handler) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Warn("control: invalid command payload", "error", err)
		h.reply(Response{CommandAck: "unknown", Status: StatusError, Error: "invalid JSON"})
		return
	}

	select {
	case <-h.stopped:
		slog.Debug("control: command after stop ignored", "command", cmd.Command)
		return
	default:
	}

	select {
	case h.queue <- cmd:
		slog.Info("control command received", "command", cmd.Command)
	default:
		slog.Warn("control: queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopped:
			return
		case cmd := <-h.queue:
			select {
			case <-h.stopped:
				return
			default:
			}
			h.dispatch(cmd)
		}
	}
}

func (h *Handler) dispatch(cmd Command) {
	route, ok := h.routes[cmd.Command]
	if !ok {
		h.reply(failure(cmd, fmt.Errorf("unknown command: %s", cmd.Command)))
		return
	}
	if resp := route(cmd); resp.Status != "" {
		h.reply(resp)
	}
}

func (h *Handler) getStatus(cmd Command) Response {
	if h.callbacks.OnGetStatus == nil {
		return failure(cmd, errNotImplemented)
	}
	return Response{CommandAck: cmd.Command, Status: StatusSuccess, Data: h.callbacks.OnGetStatus()}
}

func (h *Handler) pause(cmd Command) Response {
	if err := call(h.callbacks.OnPause); err != nil {
		return failure(cmd, err)
	}
	return Response{
		CommandAck: cmd.Command,
		Status:     StatusPaused,
		Data:       map[string]interface{}{"inference_active": false},
	}
}

func (h *Handler) resume(cmd Command) Response {
	if err := call(h.callbacks.OnResume); err != nil {
		return failure(cmd, err)
	}
	return Response{
		CommandAck: cmd.Command,
		Status:     StatusSuccess,
		Data:       map[string]interface{}{"inference_active": true},
	}
}

// shutdown acknowledges before invoking the callback, which tears the client down
func (h *Handler) shutdown(cmd Command) Response {
	if h.callbacks.OnShutdown == nil {
		return failure(cmd, errNotImplemented)
	}

	slog.Warn("shutdown requested via control plane")
	h.reply(Response{
		CommandAck: cmd.Command,
		Status:     StatusSuccess,
		Data:       map[string]interface{}{"shutdown_initiated": true},
	})

	time.AfterFunc(h.cfg.ShutdownDelay, func() {
		if err := h.callbacks.OnShutdown(); err != nil {
			slog.Error("shutdown callback failed", "error", err)
		}
	})
	return Response{}
}

func call(fn func() error) error {
	if fn == nil {
		return errNotImplemented
	}
	return fn()
}

func failure(cmd Command, err error) Response {
	return Response{CommandAck: cmd.Command, Status: StatusError, Error: err.Error()}
}

func (h *Handler) reply(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.ResponseTopic(), h.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishWait) {
		slog.Warn("control: response publish timed out", "command_ack", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		slog.Warn("control: response publish failed", "command_ack", resp.CommandAck, "error", err)
		return
	}

	slog.Debug("control response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
