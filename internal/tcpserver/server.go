// Package tcpserver provides the listener lifecycle shared by the ingest and
// broadcast servers: a bind/accept loop, a registry of live connections and one
// supervised goroutine per connection that Stop joins before returning.
package tcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the server lifecycle state
type State int32

const (
	StateStopped State = iota
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrServerClosed is returned by Start on a server that has already run
var ErrServerClosed = errors.New("tcpserver: server already started or stopped")

// Conn is one accepted connection
type Conn struct {
	net.Conn
	// ID is a unique identifier used in every log line about this connection
	ID string
	// Accepted is when the connection was accepted
	Accepted time.Time
}

// Handler serves one connection. It returns when the connection is done; the
// server closes the connection afterwards. ctx is cancelled on Stop.
type Handler func(ctx context.Context, c *Conn)

// Config configures a server
type Config struct {
	// Name labels log lines ("ingest", "broadcast")
	Name string
	// Addr is the listen address (host:port)
	Addr string
	// NoDelay sets TCP_NODELAY on accepted connections
	NoDelay bool
	// Registry tracks live connections. Nil selects a private ConnSet.
	Registry Registry
}

// Registry is where the server records live connections. Stop calls
// CloseAll; a sealed registry must close and reject later Adds.
type Registry interface {
	Add(c *Conn) bool
	Remove(c *Conn) bool
	Len() int
	CloseAll() int
}

// Stats is a snapshot of server counters
type Stats struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Addr     string `json:"addr"`
	Accepted uint64 `json:"accepted"`
	Active   int    `json:"active"`
}

// Server accepts connections and runs a Handler for each
type Server struct {
	cfg     Config
	handler Handler

	mu       sync.Mutex
	state    State
	started  bool
	listener net.Listener
	cancel   context.CancelFunc

	conns    Registry
	wg       sync.WaitGroup
	stopped  chan struct{}
	accepted atomic.Uint64
}

// New creates a stopped server
func New(cfg Config, handler Handler) *Server {
	if cfg.Name == "" {
		cfg.Name = "tcp"
	}
	conns := cfg.Registry
	if conns == nil {
		conns = NewConnSet[*Conn]()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		conns:   conns,
		stopped: make(chan struct{}),
	}
}

// Start binds the listener and spawns the accept loop.
// Bind errors are returned and leave the server stopped.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("%s: %w", s.cfg.Name, ErrServerClosed)
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%s: failed to listen on %s: %w", s.cfg.Name, s.cfg.Addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.cancel = cancel
	s.started = true
	s.state = StateListening

	s.wg.Add(1)
	go s.acceptLoop(runCtx, ln)

	slog.Info("tcp server listening",
		"server", s.cfg.Name,
		"addr", ln.Addr().String(),
	)

	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.State() != StateListening || errors.Is(err, net.ErrClosed) {
				return
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				slog.Warn("tcp accept error, retrying",
					"server", s.cfg.Name,
					"error", err,
					"backoff", backoff,
				)
				time.Sleep(backoff)
				continue
			}

			slog.Error("tcp accept loop terminated",
				"server", s.cfg.Name,
				"error", err,
			)
			return
		}
		backoff = 0

		if s.cfg.NoDelay {
			if tc, ok := nc.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
		}

		c := &Conn{
			Conn:     nc,
			ID:       uuid.New().String(),
			Accepted: time.Now(),
		}

		if !s.conns.Add(c) {
			// Registry sealed (Stop in progress); the conn has been closed for us
			if s.State() != StateListening {
				return
			}
			continue
		}
		s.accepted.Add(1)

		slog.Info("client connected",
			"server", s.cfg.Name,
			"conn_id", c.ID,
			"remote", nc.RemoteAddr().String(),
			"active", s.conns.Len(),
		)

		s.wg.Add(1)
		go s.serve(ctx, c)
	}
}

func (s *Server) serve(ctx context.Context, c *Conn) {
	defer s.wg.Done()
	defer func() {
		s.conns.Remove(c)
		c.Close()
		slog.Info("client disconnected",
			"server", s.cfg.Name,
			"conn_id", c.ID,
			"duration", time.Since(c.Accepted).Round(time.Millisecond),
		)
	}()

	s.handler(ctx, c)
}

// Stop closes the listener and every connection, then waits for all
// per-connection goroutines to exit. Idempotent; concurrent callers all
// return once the server is stopped.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateListening {
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.stopped
		}
		return nil
	}
	s.state = StateStopping
	ln := s.listener
	cancel := s.cancel
	s.mu.Unlock()

	slog.Info("tcp server stopping", "server", s.cfg.Name)

	cancel()
	err := ln.Close()
	closed := s.conns.CloseAll()

	s.wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	close(s.stopped)

	slog.Info("tcp server stopped",
		"server", s.cfg.Name,
		"closed_connections", closed,
	)

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: failed to close listener: %w", s.cfg.Name, err)
	}
	return nil
}

// State returns the current lifecycle state
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Conns returns the live connection registry
func (s *Server) Conns() Registry {
	return s.conns
}

// Stats returns current counters
func (s *Server) Stats() Stats {
	st := Stats{
		Name:     s.cfg.Name,
		State:    s.State().String(),
		Accepted: s.accepted.Load(),
		Active:   s.conns.Len(),
	}
	if a := s.Addr(); a != nil {
		st.Addr = a.String()
	}
	return st
}
