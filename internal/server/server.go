// Package server provides the HTTP API for dialectd.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/capture"
	"github.com/fyrsmithlabs/dialectd/internal/consolidate"
	"github.com/fyrsmithlabs/dialectd/internal/embed"
	"github.com/fyrsmithlabs/dialectd/internal/ingest"
	"github.com/fyrsmithlabs/dialectd/internal/memory"
	"github.com/fyrsmithlabs/dialectd/internal/pattern"
	"github.com/fyrsmithlabs/dialectd/internal/recall"
	"github.com/fyrsmithlabs/dialectd/internal/telemetry"
)

// Server provides HTTP endpoints for dialectd.
type Server struct {
	echo    *echo.Echo
	ingest  *ingest.Service
	recall  *recall.Service
	runner  *consolidate.Runner
	table   *pattern.Table
	metrics *telemetry.Metrics
	logger  *zap.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a new HTTP server.
func NewServer(ing *ingest.Service, rec *recall.Service, runner *consolidate.Runner, table *pattern.Table, metrics *telemetry.Metrics, logger *zap.Logger, cfg *Config) (*Server, error) {
	if ing == nil {
		return nil, fmt.Errorf("ingest service cannot be nil")
	}
	if rec == nil {
		return nil, fmt.Errorf("recall service cannot be nil")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9274,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
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
		echo:    e,
		ingest:  ing,
		recall:  rec,
		runner:  runner,
		table:   table,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	// Health check
	s.echo.GET("/health", s.handleHealth)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
	}

	// API v1 routes
	v1 := s.echo.Group("/api/v1")
	v1.POST("/events", s.handleEvent)
	v1.GET("/recall", s.handleRecall)
	v1.GET("/patterns", s.handlePatterns)
	v1.POST("/consolidate", s.handleConsolidate)
}

// EventResponse is the response body for POST /api/v1/events.
type EventResponse struct {
	MemoryID string `json:"memory_id,omitempty"`
	Deduped  bool   `json:"deduped,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleEvent records one capture event.
func (s *Server) handleEvent(c echo.Context) error {
	var event capture.Event
	if err := c.Bind(&event); err != nil {
		s.logger.Warn("invalid event request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	m, err := s.ingest.Record(c.Request().Context(), &event)
	if err != nil {
		if errors.Is(err, capture.ErrMalformedEvent) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if errors.Is(err, memory.ErrDuplicate) {
			// A repeated hook firing is expected, not a client error.
			return c.JSON(http.StatusOK, EventResponse{Deduped: true})
		}
		s.logger.Error("failed to record event", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record event")
	}

	return c.JSON(http.StatusAccepted, EventResponse{MemoryID: m.ID})
}

// handleRecall answers a similarity query.
func (s *Server) handleRecall(c echo.Context) error {
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q parameter is required")
	}
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	res, err := s.recall.Find(c.Request().Context(), query, limit)
	if err != nil {
		if errors.Is(err, embed.ErrUnavailable) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "embedding service unavailable")
		}
		s.logger.Error("recall failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "recall failed")
	}
	return c.JSON(http.StatusOK, res)
}

// handlePatterns lists active patterns.
func (s *Server) handlePatterns(c echo.Context) error {
	if s.table == nil {
		return c.JSON(http.StatusOK, []*pattern.Pattern{})
	}
	return c.JSON(http.StatusOK, s.table.Open())
}

// handleConsolidate requests a consolidation cycle.
func (s *Server) handleConsolidate(c echo.Context) error {
	s.runner.Trigger()
	return c.NoContent(http.StatusAccepted)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
