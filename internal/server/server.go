// Package server exposes the conversation log over HTTP: JSON endpoints for
// submission, history, read progress and presence, and SSE and websocket transports for
// the live stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edgard/projectlog/internal/broker"
	"github.com/edgard/projectlog/internal/chatlog"
	"github.com/edgard/projectlog/internal/logger"
	"github.com/edgard/projectlog/internal/metrics"
	"github.com/edgard/projectlog/internal/presence"
)

// Trusted identity headers, set by the authentication layer in front of the service.
const (
	HeaderUserID    = "X-User-ID"
	HeaderActorType = "X-Actor-Type"
)

// Options configures the HTTP surface.
type Options struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// WriteTimeout bounds each frame written to a stream connection.
	WriteTimeout time.Duration
	// MaxRequestBytes bounds request bodies.
	MaxRequestBytes int64
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = ":8080"
	}
	if o.ReadHeaderTimeout <= 0 {
		o.ReadHeaderTimeout = 10 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 15 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxRequestBytes <= 0 {
		o.MaxRequestBytes = 64 * 1024
	}
	return o
}

// Server wires the HTTP routes to the services.
type Server struct {
	chat     *chatlog.Service
	presence *presence.Registry
	broker   *broker.Broker
	metrics  *metrics.Metrics
	opts     Options
	logger   *slog.Logger
	engine   *gin.Engine
}

// New creates a Server and registers its routes.
func New(chat *chatlog.Service, reg *presence.Registry, b *broker.Broker, m *metrics.Metrics, opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		chat:     chat,
		presence: reg,
		broker:   b,
		metrics:  m,
		opts:     opts.withDefaults(),
		logger:   log.With("component", "server"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), logger.Middleware(s.logger))
	s.routes(engine)
	s.engine = engine
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := r.Group("/v1/projects/:project", s.identify)
	v1.POST("/messages", s.handleSubmit)
	v1.GET("/messages", s.handleHistory)
	v1.PATCH("/messages/:seq", s.handleEdit)
	v1.DELETE("/messages/:seq", s.handleDelete)
	v1.GET("/stream", s.handleSSE)
	v1.GET("/ws", s.handleWebSocket)
	v1.POST("/heartbeat", s.handleHeartbeat)
	v1.GET("/presence", s.handlePresence)
	v1.POST("/read", s.handleMarkRead)
	v1.GET("/unread", s.handleUnread)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx ends, then drops every stream subscription and shuts down
// gracefully within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.opts.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	s.broker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{"store": "ok", "presence": "ok"}
	status := http.StatusOK
	if err := s.chat.Ping(ctx); err != nil {
		checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.presence.Ping(ctx); err != nil {
		checks["presence"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}
