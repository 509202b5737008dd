// Package api serves the HTTP side of the bridge: health probes, metrics,
// a stats snapshot, the MJPEG preview and WebSocket result subscribers.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nthPerson/YOLOE-open-vocab-classifier/internal/broadcast"
)

// Source is what the API reports on
type Source interface {
	// Ready reports whether the pipeline is running
	Ready() bool
	// Snapshot returns a JSON-serialisable view of all component stats
	Snapshot() interface{}
}

// Server is the HTTP API server
type Server struct {
	addr    string
	router  *gin.Engine
	source  Source
	metrics prometheus.Gatherer
	hub     *broadcast.Hub
	preview *Preview
	started time.Time

	upgrader websocket.Upgrader
	srv      *http.Server
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates the API server. metrics, hub and preview may be nil to
// disable their routes.
func NewServer(addr string, source Source, metrics prometheus.Gatherer, hub *broadcast.Hub, preview *Preview) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	s := &Server{
		addr:    addr,
		router:  router,
		source:  source,
		metrics: metrics,
		hub:     hub,
		preview: preview,
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.liveness)
	s.router.GET("/readiness", s.readiness)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/stats", s.stats)
	}

	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metricsHandler(s.metrics)))
	}
	if s.preview != nil {
		s.router.GET("/preview.mjpg", gin.WrapH(s.preview.Stream()))
	}
	if s.hub != nil {
		s.router.GET("/ws/results", s.websocketResults)
	}
}

// Start binds addr and serves in the background. Bind errors are returned.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
		}
	}()

	slog.Info("api server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down. Streaming handlers (preview, websocket) are
// closed forcibly once ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()
	if s.srv == nil {
		return nil
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		slog.Warn("api graceful shutdown incomplete, closing", "error", err)
		return s.srv.Close()
	}
	slog.Info("api server stopped")
	return nil
}

// GetRouter returns the gin router (for testing)
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

func (s *Server) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) readiness(c *gin.Context) {
	if !s.source.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.source.Snapshot())
}

func (s *Server) websocketResults(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err, "remote", c.ClientIP())
		return
	}
	s.hub.ServeWebSocket(s.ctx, conn)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("api request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
