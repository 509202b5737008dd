// Package ingest implements the frame ingestion server: producers connect over
// TCP and send length-prefixed compressed images, which are decoded and pushed
// into the shared frame sink.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/decode"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/framing"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/tcpserver"
	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/types"
)

// DefaultAddr is the producer port the game-engine sender dials
const DefaultAddr = "127.0.0.1:5577"

// Pusher accepts decoded frames. Push must be safe for concurrent callers and must not block.
type Pusher interface {
	Push(frame *types.Frame)
}

// Config configures the ingestion server
type Config struct {
	Addr string
	// MaxFrameBytes bounds the declared message length (0 = unbounded)
	MaxFrameBytes uint32
	// ReadIdleTimeout drops producers silent for longer (0 disables)
	ReadIdleTimeout time.Duration
}

// Stats is a snapshot of ingestion counters
type Stats struct {
	tcpserver.Stats
	FramesReceived uint64 `json:"frames_received"`
	BytesReceived  uint64 `json:"bytes_received"`
	DecodeErrors   uint64 `json:"decode_errors"`
	Oversize       uint64 `json:"oversize"`
}

// Server accepts producer connections and feeds the sink
type Server struct {
	cfg     Config
	decoder decode.Decoder
	sink    Pusher
	tcp     *tcpserver.Server

	framesReceived atomic.Uint64
	bytesReceived  atomic.Uint64
	decodeErrors   atomic.Uint64
	oversize       atomic.Uint64
}

// New creates a stopped ingestion server
func New(cfg Config, decoder decode.Decoder, sink Pusher) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	s := &Server{
		cfg:     cfg,
		decoder: decoder,
		sink:    sink,
	}
	s.tcp = tcpserver.New(tcpserver.Config{
		Name:    "ingest",
		Addr:    cfg.Addr,
		NoDelay: true,
	}, s.handle)
	return s
}

// Start binds the listener
func (s *Server) Start(ctx context.Context) error {
	return s.tcp.Start(ctx)
}

// Stop closes the listener and all producer connections
func (s *Server) Stop() error {
	return s.tcp.Stop()
}

// State returns the lifecycle state
func (s *Server) State() tcpserver.State {
	return s.tcp.State()
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	return s.tcp.Addr()
}

// Stats returns current counters
func (s *Server) Stats() Stats {
	return Stats{
		Stats:          s.tcp.Stats(),
		FramesReceived: s.framesReceived.Load(),
		BytesReceived:  s.bytesReceived.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		Oversize:       s.oversize.Load(),
	}
}

// handle runs the read → decode → push loop for one producer
func (s *Server) handle(ctx context.Context, c *tcpserver.Conn) {
	reader := framing.NewReader(c, s.cfg.MaxFrameBytes)

	for {
		if s.cfg.ReadIdleTimeout > 0 {
			c.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout))
		}

		payload, err := reader.Next()
		if err != nil {
			s.logReadError(ctx, c, err)
			return
		}

		// Every framed message counts, decodable or not; bytes exclude the length header
		s.framesReceived.Add(1)
		s.bytesReceived.Add(uint64(len(payload)))

		img, err := s.decoder.Decode(payload)
		if err != nil {
			s.decodeErrors.Add(1)
			slog.Debug("ingest skipped undecodable frame",
				"conn_id", c.ID,
				"bytes", len(payload),
				"error", err,
			)
			continue
		}

		s.sink.Push(&types.Frame{
			Timestamp: time.Now(),
			Width:     img.Width,
			Height:    img.Height,
			Data:      img.Data,
			Encoded:   payload,
			ConnID:    c.ID,
			TraceID:   uuid.New().String(),
		})
	}
}

func (s *Server) logReadError(ctx context.Context, c *tcpserver.Conn, err error) {
	var ne net.Error
	switch {
	case ctx.Err() != nil || errors.Is(err, net.ErrClosed):
		// Stop closed the socket under us
	case errors.Is(err, framing.ErrConnectionClosed):
		slog.Debug("producer closed connection", "conn_id", c.ID)
	case errors.Is(err, framing.ErrFrameTooLarge):
		s.oversize.Add(1)
		slog.Warn("producer sent oversize frame, closing connection",
			"conn_id", c.ID,
			"limit", s.cfg.MaxFrameBytes,
			"error", err,
		)
	case errors.As(err, &ne) && ne.Timeout():
		slog.Warn("producer idle, closing connection",
			"conn_id", c.ID,
			"idle_timeout", s.cfg.ReadIdleTimeout,
		)
	default:
		slog.Warn("producer read failed, closing connection",
			"conn_id", c.ID,
			"error", err,
		)
	}
}
