// Package main implements the ctxvault CLI: one-shot archive operations and
// the long-running serve command.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ctxvault/internal/archive"
	"github.com/fyrsmithlabs/ctxvault/internal/config"
	"github.com/fyrsmithlabs/ctxvault/internal/engine"
	"github.com/fyrsmithlabs/ctxvault/internal/logging"
	"github.com/fyrsmithlabs/ctxvault/internal/snapshot"
	"github.com/fyrsmithlabs/ctxvault/internal/telemetry"
)

var (
	// version information
	version = "dev"

	// global flags
	configPath   string
	outputAsJSON bool
	logLevel     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ctxvault",
	Short: "Archive, restore and monitor long-lived conversation contexts",
	Long: `ctxvault keeps conversation contexts across long gaps.

Contexts that go quiet are compressed into tiered archives and restored with
a notice describing what was summarized. A health monitor scores live
contexts and archives the ones that decay.

Configuration is read from ~/.config/ctxvault/config.yaml and CTXVAULT_*
environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/ctxvault/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputAsJSON, "json", false, "Output results as JSON")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
}

// app holds everything a command needs.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	live      *snapshot.FileStore
	engine    *engine.Engine
}

// newApp loads configuration and assembles the engine. Logs go to logOut so
// command output on stdout stays machine readable.
func newApp(ctx context.Context, logOut io.Writer) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := loggingConfig(cfg, logLevel, logOut)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	live, err := snapshot.NewFileStore(cfg.Live.Dir, logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("failed to open live contexts: %w", err)
	}

	engCfg, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	metrics, err := archive.NewMetrics(tel.Meter(archive.InstrumentationName))
	if err != nil {
		return nil, fmt.Errorf("failed to create archive metrics: %w", err)
	}
	eng, err := engine.New(engCfg, live,
		engine.WithLogger(logger.Underlying()),
		engine.WithMetrics(metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	return &app{cfg: cfg, logger: logger, telemetry: tel, live: live, engine: eng}, nil
}

// Close stops the engine and flushes telemetry and logs.
func (a *app) Close(ctx context.Context) error {
	err := a.engine.Close()
	if serr := a.telemetry.Shutdown(ctx); serr != nil && err == nil {
		err = serr
	}
	_ = a.logger.Sync()
	return err
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.ServiceName = cfg.Observability.ServiceName
	tc.Endpoint = cfg.Observability.Endpoint
	tc.ServiceVersion = version
	return tc
}

func loggingConfig(cfg *config.Config, override string, out io.Writer) (*logging.Config, error) {
	lc := logging.NewDefaultConfig()
	level := cfg.Logging.Level
	if override != "" {
		level = override
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	lc.Level = lvl
	lc.Format = cfg.Logging.Format
	lc.Output.OTEL = cfg.Observability.EnableTelemetry
	lc.Output.Writer = out
	return lc, nil
}

// withApp runs fn against a freshly assembled app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = a.Close(shutdownCtx)
	}()
	return fn(ctx, a)
}

func parseKey(scopeArg, contextID string) (snapshot.Scope, error) {
	scope, err := snapshot.ParseScope(scopeArg)
	if err != nil {
		return "", err
	}
	if contextID == "" {
		return "", fmt.Errorf("context id is required")
	}
	return scope, nil
}
