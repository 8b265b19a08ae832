package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ctxvault/internal/cleanup"
	"github.com/fyrsmithlabs/ctxvault/internal/engine"
	httpserver "github.com/fyrsmithlabs/ctxvault/internal/http"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background maintenance",
	Long: `Run the HTTP API until interrupted.

Depending on configuration, serve also runs the health maintenance scheduler,
the retention cleanup job and the live-context watcher.

Examples:
  # Serve with the default config
  ctxvault serve

  # Serve on another port
  CTXVAULT_SERVER_HTTP_PORT=8080 ctxvault serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	return a.serve(ctx)
}

// serve starts the HTTP server and background jobs and blocks until ctx is
// cancelled or the server fails.
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger.Underlying()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	a.logger.Info(ctx, "starting ctxvault",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("archive_root", cfg.Archive.Root),
		zap.String("live_dir", cfg.Live.Dir),
		zap.Bool("telemetry", a.telemetry.IsEnabled()))

	srv, err := httpserver.NewServer(a.engine, logger, &httpserver.Config{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		RetentionDays: cfg.Cleanup.RetentionDays,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	if cfg.Health.Scheduler {
		if err := a.engine.StartMaintenance(ctx); err != nil {
			return fmt.Errorf("failed to start maintenance: %w", err)
		}
	}

	if cfg.Cleanup.Enabled {
		c, err := scheduleCleanup(ctx, a.engine, cfg.Cleanup.Schedule, cfg.Cleanup.RetentionDays, logger)
		if err != nil {
			return err
		}
		c.Start()
		defer func() { <-c.Stop().Done() }()
	}

	if cfg.Live.Watch {
		go func() {
			if err := a.engine.WatchLive(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("live context watcher stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout.Duration()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// cleaner is the part of the engine the cleanup job needs.
type cleaner interface {
	Cleanup(ctx context.Context, opts engine.CleanupOptions) (*cleanup.Result, error)
}

// scheduleCleanup registers a retention sweep on a cron schedule. The
// returned scheduler is not started.
func scheduleCleanup(ctx context.Context, eng cleaner, schedule string, retentionDays int, logger *zap.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		start := time.Now()
		res, err := eng.Cleanup(ctx, engine.CleanupOptions{RetentionDays: retentionDays})
		if err != nil {
			logger.Error("scheduled cleanup failed", zap.Error(err))
			return
		}
		logger.Info("scheduled cleanup finished",
			zap.Int("deleted", res.ProcessedCount),
			zap.Int("errors", len(res.Errors)),
			zap.Int64("freed_bytes", res.FreedBytes),
			zap.Duration("duration", time.Since(start)))
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", schedule, err)
	}
	return c, nil
}
