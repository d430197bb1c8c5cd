package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/northstar/internal/experiment"
	"github.com/fyrsmithlabs/northstar/internal/orchestrator"
	"github.com/fyrsmithlabs/northstar/internal/proposal"
	"github.com/fyrsmithlabs/northstar/internal/store"
)

// RecordStore is the storage surface the HTTP handlers need.
type RecordStore interface {
	ListProposalsByStatus(ctx context.Context, status proposal.Status) ([]*proposal.Proposal, error)
	GetProposal(ctx context.Context, id string) (*proposal.Proposal, error)
	GetExperimentByProposal(ctx context.Context, proposalID string) (*experiment.Experiment, error)
	CreateRepository(ctx context.Context, r *store.Repository) error
	ListRepositories(ctx context.Context) ([]*store.Repository, error)
	ActivateRepository(ctx context.Context, id string) error
	DeleteRepository(ctx context.Context, id string) error
	ListActivity(ctx context.Context, limit int) ([]*store.ActivityEntry, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// TriggerWord gates chat event handling; messages that don't mention it
	// are acknowledged and dropped.
	TriggerWord string

	// EventRate limits inbound chat events per client IP. Zero disables
	// rate limiting.
	EventRate rate.Limit

	// HandleTimeout bounds the async handling of one chat event.
	HandleTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:          "0.0.0.0",
		Port:          8090,
		TriggerWord:   "northstar",
		EventRate:     rate.Limit(10),
		HandleTimeout: 2 * time.Minute,
	}
}

// Server provides HTTP endpoints for northstar.
type Server struct {
	echo   *echo.Echo
	orch   *orchestrator.Service
	store  RecordStore
	logger *zap.Logger
	config *Config

	// events tracks in-flight async chat event handlers.
	events sync.WaitGroup
}

// NewServer creates a new HTTP server.
func NewServer(cfg *Config, orch *orchestrator.Service, records RecordStore, logger *zap.Logger) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if records == nil {
		return nil, fmt.Errorf("record store is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TriggerWord == "" {
		cfg.TriggerWord = DefaultConfig().TriggerWord
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = DefaultConfig().HandleTimeout
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:   e,
		orch:   orch,
		store:  records,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")

	events := v1.Group("/chat")
	if s.config.EventRate > 0 {
		events.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(s.config.EventRate)))
	}
	events.POST("/events", s.handleChatEvents)

	v1.POST("/proposals", s.handleGenerateProposal)
	v1.GET("/proposals", s.handleListProposals)
	v1.GET("/proposals/:id", s.handleGetProposal)
	v1.GET("/proposals/:id/experiment", s.handleGetExperiment)
	v1.POST("/proposals/:id/approve", s.handleApproveProposal)
	v1.POST("/proposals/:id/reject", s.handleRejectProposal)

	v1.POST("/repositories", s.handleCreateRepository)
	v1.GET("/repositories", s.handleListRepositories)
	v1.DELETE("/repositories/:id", s.handleDeleteRepository)
	v1.POST("/repositories/:id/activate", s.handleActivateRepository)

	v1.GET("/activity", s.handleListActivity)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	var ise *experiment.InvalidStateError
	if errors.As(err, &ise) {
		return echo.NewHTTPError(http.StatusConflict, ise.Error())
	}
	var ve *proposal.ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, ve.Error())
	}
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server after in-flight chat events
// have drained.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")

	done := make(chan struct{})
	go func() {
		s.events.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline reached with chat events still in flight")
	}

	return s.echo.Shutdown(ctx)
}

// WaitEvents blocks until all async chat event handlers have finished.
// Used by tests.
func (s *Server) WaitEvents() {
	s.events.Wait()
}
