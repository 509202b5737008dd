// Package broadcast implements the result broadcast server: subscribers connect
// over TCP (or WebSocket via the HTTP API) and receive one JSON object per line
// for every processed frame.
package broadcast

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/tcpserver"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

// DefaultAddr is the port overlay clients subscribe on
const DefaultAddr = "127.0.0.1:5555"

// Config configures the broadcast server
type Config struct {
	Addr         string
	WriteTimeout time.Duration
}

// Stats combines listener and delivery counters
type Stats struct {
	tcpserver.Stats
	HubStats
}

// Server accepts TCP subscribers into a Hub. The hub is the only registry of
// subscriber connections: the listener records accepted conns straight into it.
type Server struct {
	hub *Hub
	tcp *tcpserver.Server
}

// New creates a stopped broadcast server
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{hub: NewHub(cfg.WriteTimeout)}
	s.tcp = tcpserver.New(tcpserver.Config{
		Name:     "broadcast",
		Addr:     cfg.Addr,
		NoDelay:  true,
		Registry: hubRegistry{hub: s.hub},
	}, s.handle)
	return s
}

// Start binds the listener
func (s *Server) Start(ctx context.Context) error {
	return s.tcp.Start(ctx)
}

// Stop closes the listener and every subscriber, TCP and WebSocket.
// The hub is sealed even when the listener never started.
func (s *Server) Stop() error {
	err := s.tcp.Stop()
	s.hub.Close()
	return err
}

// Send delivers msg to every subscriber
func (s *Server) Send(msg types.ResultMessage) {
	s.hub.Send(msg)
}

// Hub exposes the subscriber hub so other transports can join it
func (s *Server) Hub() *Hub {
	return s.hub
}

// State returns the listener lifecycle state
func (s *Server) State() tcpserver.State {
	return s.tcp.State()
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	return s.tcp.Addr()
}

// Stats returns current counters
func (s *Server) Stats() Stats {
	return Stats{Stats: s.tcp.Stats(), HubStats: s.hub.Stats()}
}

// handle drains inbound bytes until the peer goes away so a hang-up is
// noticed without waiting for the next Send. Registration happens in the hub
// before handle runs; the listener deregisters and closes the conn after.
func (s *Server) handle(ctx context.Context, c *tcpserver.Conn) {
	io.Copy(io.Discard, c)
}

// hubRegistry lets the listener record TCP subscribers directly in the hub
type hubRegistry struct {
	hub *Hub
}

func (r hubRegistry) Add(c *tcpserver.Conn) bool    { return r.hub.Join(tcpSubscriber{conn: c}) }
func (r hubRegistry) Remove(c *tcpserver.Conn) bool { return r.hub.Leave(tcpSubscriber{conn: c}) }
func (r hubRegistry) Len() int                      { return r.hub.Len() }
func (r hubRegistry) CloseAll() int                 { return r.hub.Close() }

// tcpSubscriber is a value so the registry can rebuild it from the conn for Remove
type tcpSubscriber struct {
	conn *tcpserver.Conn
}

func (t tcpSubscriber) ID() string   { return t.conn.ID }
func (t tcpSubscriber) Kind() string { return "tcp" }
func (t tcpSubscriber) Close() error { return t.conn.Close() }

func (t tcpSubscriber) WriteLine(line []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := t.conn.Write(line)
	return err
}
