package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"vidqueue/internal/logging"
)

// Server exposes a Reporter over HTTP.
type Server struct {
	bind     string
	logger   *slog.Logger
	reporter *Reporter
	metrics  http.Handler

	listener net.Listener
	server   *http.Server
}

// ServerOption customizes the probe server.
type ServerOption func(*Server)

// WithMetrics serves h on /metrics beside /health and /ready.
func WithMetrics(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metrics = h
	}
}

// NewServer builds the probe server. An empty bind disables it and returns nil.
func NewServer(bind string, reporter *Reporter, logger *slog.Logger, opts ...ServerOption) *Server {
	bind = strings.TrimSpace(bind)
	if bind == "" || reporter == nil {
		return nil
	}
	s := &Server{
		bind:     bind,
		logger:   logging.NewComponentLogger(logger, "health"),
		reporter: reporter,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the probe routes.
func (s *Server) Handler() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)
	if s.metrics != nil {
		engine.GET("/metrics", gin.WrapH(s.metrics))
	}
	return engine
}

// Start listens on the bind address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("health listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("health server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop() {
	if s == nil || s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.reporter.Report()
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"report": report,
	})
}

func (s *Server) handleReady(c *gin.Context) {
	report := s.reporter.Report()
	status := http.StatusOK
	if !report.Accepting {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
