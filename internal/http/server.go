// Package http provides the HTTP API for ctxvault.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ctxvault/internal/archive"
	"github.com/fyrsmithlabs/ctxvault/internal/cleanup"
	"github.com/fyrsmithlabs/ctxvault/internal/codec"
	"github.com/fyrsmithlabs/ctxvault/internal/engine"
	"github.com/fyrsmithlabs/ctxvault/internal/health"
	"github.com/fyrsmithlabs/ctxvault/internal/logging"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/store"
)

// Engine is the set of operations the API dispatches to.
type Engine interface {
	Archive(ctx context.Context, contextID string, scope snapshot.Scope, opts engine.ArchiveOptions) (*engine.ArchiveResult, error)
	Restore(ctx context.Context, contextID string, scope snapshot.Scope) (*archive.RestoreResult, error)
	Health(ctx context.Context, contextID string, opts engine.HealthOptions) (*engine.HealthReport, error)
	Cleanup(ctx context.Context, opts engine.CleanupOptions) (*cleanup.Result, error)
	Archives(ctx context.Context) ([]store.Entry, error)
	CheckArchive(ctx context.Context, contextID string, scope snapshot.Scope) (*health.ArchiveCheck, error)
}

var _ Engine = (*engine.Engine)(nil)

// Server provides HTTP endpoints for ctxvault.
type Server struct {
	echo   *echo.Echo
	engine Engine
	logger *zap.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RetentionDays applies to cleanup requests that do not set one.
	RetentionDays int
}

// NewServer creates a new HTTP server.
func NewServer(eng Engine, logger *zap.Logger, cfg *Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host:          "localhost",
			Port:          9090,
			RetentionDays: 90,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			c.SetRequest(c.Request().WithContext(logging.WithRequestID(c.Request().Context(), id)))
		},
	}))
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
		engine: eng,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/health", s.handleSystemHealth)
	v1.POST("/contexts/:scope/:id/archive", s.handleArchive)
	v1.POST("/contexts/:scope/:id/restore", s.handleRestore)
	v1.GET("/contexts/:scope/:id/health", s.handleContextHealth)
	v1.POST("/cleanup", s.handleCleanup)
	v1.GET("/archives", s.handleListArchives)
	v1.GET("/archives/:scope/:id/check", s.handleCheckArchive)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.echo }

// handleHealth returns a simple liveness response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleSystemHealth(c echo.Context) error {
	report, err := s.engine.Health(c.Request().Context(), "", engine.HealthOptions{})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, report.System)
}

func (s *Server) handleArchive(c echo.Context) error {
	scope, id, err := contextParams(c)
	if err != nil {
		return err
	}
	var req ArchiveRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}

	res, err := s.engine.Archive(c.Request().Context(), id, scope, engine.ArchiveOptions{KeepActive: req.KeepActive})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleRestore(c echo.Context) error {
	scope, id, err := contextParams(c)
	if err != nil {
		return err
	}

	res, err := s.engine.Restore(c.Request().Context(), id, scope)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleContextHealth(c echo.Context) error {
	scope, id, err := contextParams(c)
	if err != nil {
		return err
	}
	maintenance := false
	if raw := c.QueryParam("maintenance"); raw != "" {
		maintenance, err = strconv.ParseBool(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "maintenance must be a boolean")
		}
	}

	report, err := s.engine.Health(c.Request().Context(), id, engine.HealthOptions{Scope: scope, Maintenance: maintenance})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleCleanup(c echo.Context) error {
	var req CleanupRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	opts := engine.CleanupOptions{RetentionDays: s.config.RetentionDays, DryRun: req.DryRun}
	if req.RetentionDays != nil {
		opts.RetentionDays = *req.RetentionDays
	}

	res, err := s.engine.Cleanup(c.Request().Context(), opts)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleListArchives(c echo.Context) error {
	entries, err := s.engine.Archives(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	resp := ArchiveListResponse{Archives: make([]ArchiveEntry, 0, len(entries))}
	for _, e := range entries {
		item := ArchiveEntry{
			ContextID: e.Key.ContextID,
			Scope:     e.Key.Scope,
			Level:     e.Level,
			Record:    e.Record,
		}
		if e.Err != nil {
			item.Error = e.Err.Error()
		}
		resp.Archives = append(resp.Archives, item)
	}
	resp.Total = len(resp.Archives)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCheckArchive(c echo.Context) error {
	scope, id, err := contextParams(c)
	if err != nil {
		return err
	}
	check, err := s.engine.CheckArchive(c.Request().Context(), id, scope)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, check)
}

func contextParams(c echo.Context) (snapshot.Scope, string, error) {
	scope, err := snapshot.ParseScope(c.Param("scope"))
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	id := c.Param("id")
	if err := snapshot.ValidateContextID(id); err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return scope, id, nil
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// fail maps engine errors onto status codes.
func (s *Server) fail(c echo.Context, err error) error {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error(), Kind: kindFor(err)}
	c.Set(errorKindKey, resp.Kind)
	var mismatch *store.ScopeMismatchError
	if errors.As(err, &mismatch) {
		resp.ActualScope = mismatch.Actual
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.Path()),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			zap.Error(err),
		)
	}
	return c.JSON(status, resp)
}

func statusFor(err error) int {
	var mismatch *store.ScopeMismatchError
	switch {
	case errors.As(err, &mismatch):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound), errors.Is(err, engine.ErrNoLiveContext):
		return http.StatusNotFound
	case errors.Is(err, codec.ErrCorruptArchive), errors.Is(err, archive.ErrInvalidSnapshot):
		return http.StatusUnprocessableEntity
	case errors.Is(err, cleanup.ErrInvalidOptions), errors.Is(err, snapshot.ErrInvalidScope):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func kindFor(err error) string {
	var mismatch *store.ScopeMismatchError
	var write *archive.ArchiveWriteError
	switch {
	case errors.As(err, &mismatch):
		return "scope_mismatch"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, engine.ErrNoLiveContext):
		return "no_live_context"
	case errors.Is(err, codec.ErrCorruptArchive):
		return "corrupt_archive"
	case errors.Is(err, archive.ErrInvalidSnapshot):
		return "invalid_snapshot"
	case errors.As(err, &write):
		return "archive_write"
	case errors.Is(err, cleanup.ErrInvalidOptions), errors.Is(err, snapshot.ErrInvalidScope):
		return "invalid_request"
	default:
		return "internal"
	}
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
