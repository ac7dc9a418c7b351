package api

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
	"github.com/redis/go-redis/v9"

	"vidqueue/internal/config"
	"vidqueue/internal/ledger"
	"vidqueue/internal/logging"
	"vidqueue/internal/metrics"
	"vidqueue/internal/upload"
)

// JobService is the job lifecycle surface the handlers call.
type JobService interface {
	RequestUpload(ctx context.Context, filename, contentType string) (upload.Ticket, error)
	ConfirmUpload(ctx context.Context, jobID, inputLocation, requestedFormat string) (*ledger.Job, error)
	CreateJob(ctx context.Context, inputLocation, requestedFormat string) (*ledger.Job, error)
	DownloadURL(ctx context.Context, jobID string) (upload.Link, error)
	GetJob(ctx context.Context, jobID string) (*ledger.Job, error)
	ListJobs(ctx context.Context, status string, limit int) ([]*ledger.Job, error)
}

// Counter reports job counts by status.
type Counter interface {
	Counts(ctx context.Context) (map[ledger.Status]int, error)
}

// DepthReader reports the number of ready queue messages.
type DepthReader interface {
	Depth(ctx context.Context) (int, error)
}

// Check probes one dependency for GET /health.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Deps are the collaborators a Server needs. Limiter may be nil, which
// disables rate limiting. A nil Metrics drops the /metrics route.
type Deps struct {
	Jobs    JobService
	Counter Counter
	Depth   DepthReader
	Checks  []Check
	Limiter *redis.Client
	Metrics *metrics.API
}

// Server is one stateless API replica.
type Server struct {
	bind   string
	logger *slog.Logger
	deps   Deps
	engine *gin.Engine

	listener net.Listener
	server   *http.Server
}

// New wires routes and middleware from the API configuration.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("api: config required")
	}
	if deps.Jobs == nil {
		return nil, errors.New("api: job service required")
	}
	s := &Server{
		bind:   strings.TrimSpace(cfg.API.Bind),
		logger: logging.NewComponentLogger(logger, "api"),
		deps:   deps,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestIDMiddleware(), accessLogMiddleware(s.logger), metricsMiddleware(deps.Metrics))
	// Health checks and scrapes stay reachable without credentials.
	engine.GET("/health", s.handleHealth)
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := engine.Group("/")
	protected.Use(authMiddleware(cfg.API.Token))
	if deps.Limiter != nil && cfg.API.RateLimit > 0 {
		protected.Use(rateLimitMiddleware(RateLimitConfig{
			Client: deps.Limiter,
			Limit:  cfg.API.RateLimit,
			Window: cfg.RateLimitWindow(),
		}, s.logger))
	}
	protected.POST("/upload/request", s.handleRequestUpload)
	protected.POST("/upload/confirm", s.handleConfirmUpload)
	protected.POST("/jobs", s.handleCreateJob)
	protected.GET("/jobs", s.handleListJobs)
	protected.GET("/jobs/:id", s.handleGetJob)
	protected.GET("/download/:id", s.handleDownload)
	protected.GET("/stats", s.handleStats)

	s.engine = engine
	s.server = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the bind address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.bind == "" {
		return errors.New("api: bind address required")
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening",
		logging.String(logging.FieldEventType, "api_started"),
		logging.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}
