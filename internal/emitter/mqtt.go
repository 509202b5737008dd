// Package emitter mirrors result messages to an MQTT broker.
package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/results"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

// queueSize bounds results waiting for the broker
const queueSize = 32

// Publisher is the part of the paho client the emitter needs
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnected() bool
}

// Config configures the emitter
type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// MQTTEmitter publishes result messages to the broker from a background loop.
// Publish never blocks the pipeline: when the queue is full the new message is dropped.
type MQTTEmitter struct {
	cfg    Config
	client mqtt.Client
	pub    Publisher

	queue chan []byte
	wg    sync.WaitGroup
	once  sync.Once
	done  chan struct{}

	connected atomic.Bool
	published atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// NewMQTTEmitter creates an emitter; Connect dials the broker
func NewMQTTEmitter(cfg Config) *MQTTEmitter {
	return &MQTTEmitter{
		cfg:   cfg,
		queue: make(chan []byte, queueSize),
		done:  make(chan struct{}),
	}
}

// brokerURL accepts "host:port" as well as full URLs
func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return fmt.Sprintf("tcp://%s", broker)
}

// Connect establishes the broker connection with automatic reconnection
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.connected.Store(true)
		slog.Info("mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
			"auto_reconnect", "enabled")
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.connected.Store(false)
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
			"max_retry_interval", "30s")
	}

	e.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.connected.Store(true)
	e.start(e.client)
	return nil
}

// Client returns the underlying paho client, shared with the control plane
func (e *MQTTEmitter) Client() mqtt.Client {
	return e.client
}

func (e *MQTTEmitter) start(pub Publisher) {
	e.pub = pub
	e.wg.Add(1)
	go e.publishLoop()
}

// Publish queues msg for the broker without blocking
func (e *MQTTEmitter) Publish(msg types.ResultMessage) {
	payload, err := results.Encode(msg)
	if err != nil {
		e.errors.Add(1)
		slog.Error("failed to marshal result for mqtt", "frame_id", msg.FrameID, "error", err)
		return
	}

	select {
	case <-e.done:
		return
	default:
	}

	select {
	case e.queue <- payload:
	default:
		e.dropped.Add(1)
		slog.Debug("mqtt queue full, dropping result", "frame_id", msg.FrameID)
	}
}

func (e *MQTTEmitter) publishLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.done:
			return
		case payload := <-e.queue:
			e.send(payload)
		}
	}
}

func (e *MQTTEmitter) send(payload []byte) {
	if !e.pub.IsConnected() {
		e.errors.Add(1)
		return
	}

	token := e.pub.Publish(e.cfg.Topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.errors.Add(1)
		slog.Warn("mqtt publish timeout", "topic", e.cfg.Topic)
		return
	}
	if err := token.Error(); err != nil {
		e.errors.Add(1)
		slog.Warn("mqtt publish failed", "topic", e.cfg.Topic, "error", err)
		return
	}

	e.published.Add(1)
}

// Disconnect stops the publish loop and closes the broker connection
func (e *MQTTEmitter) Disconnect() error {
	e.once.Do(func() {
		close(e.done)
		e.wg.Wait()

		if e.client != nil && e.client.IsConnected() {
			e.client.Disconnect(250)
			slog.Info("mqtt disconnected")
		}
		e.connected.Store(false)
	})
	return nil
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	connected := e.connected.Load()
	if e.pub != nil {
		connected = e.pub.IsConnected()
	}
	return Stats{
		Connected: connected,
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Errors:    e.errors.Load(),
	}
}
