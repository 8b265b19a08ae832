package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fyrsmithlabs/ctxvault/internal/archive"
	"github.com/fyrsmithlabs/ctxvault/internal/engine"
	"github.com/fyrsmithlabs/ctxvault/internal/health"
	"github.com/fyrsmithlabs/ctxvault/internal/store"
	"github.com/fyrsmithlabs/ctxvault/internal/tiering"
)

// Config holds the complete ctxvault configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       LoggingConfig       `koanf:"logging"`
	Archive       ArchiveConfig       `koanf:"archive"`
	Health        HealthConfig        `koanf:"health"`
	Cleanup       CleanupConfig       `koanf:"cleanup"`
	Live          LiveConfig          `koanf:"live"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
}

// LoggingConfig selects the log level and encoder.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// ArchiveConfig holds archive store and tiering configuration.
type ArchiveConfig struct {
	Root           string   `koanf:"root"`
	RestoreBudget  Duration `koanf:"restore_budget"`
	CacheSize      int      `koanf:"cache_size"`
	DormantAfter   Duration `koanf:"dormant_after"`
	SleepingAfter  Duration `koanf:"sleeping_after"`
	DeepSleepAfter Duration `koanf:"deep_sleep_after"`
}

// HealthConfig holds scoring and maintenance configuration. Fields are flat
// so each one maps to a single environment variable.
type HealthConfig struct {
	Interval    Duration `koanf:"interval"`
	AutoArchive bool     `koanf:"auto_archive"`
	// Scheduler starts background maintenance in serve.
	Scheduler    bool    `koanf:"scheduler"`
	ArchiveRate  float64 `koanf:"archive_rate"`
	ArchiveBurst int     `koanf:"archive_burst"`

	WeightFreshness float64 `koanf:"weight_freshness"`
	WeightStructure float64 `koanf:"weight_structure"`
	WeightSize      float64 `koanf:"weight_size"`

	ThresholdExcellent float64 `koanf:"threshold_excellent"`
	ThresholdGood      float64 `koanf:"threshold_good"`
	ThresholdWarning   float64 `koanf:"threshold_warning"`

	FreshGrace    Duration `koanf:"fresh_grace"`
	FreshHalfLife Duration `koanf:"fresh_half_life"`
	SizeSoftLimit int      `koanf:"size_soft_limit"`
	SizeHardLimit int      `koanf:"size_hard_limit"`
	SizeFloor     float64  `koanf:"size_floor"`
}

// CleanupConfig holds retention configuration.
type CleanupConfig struct {
	RetentionDays int `koanf:"retention_days"`
	// Enabled runs cleanup on Schedule in serve.
	Enabled  bool   `koanf:"enabled"`
	Schedule string `koanf:"schedule"`
}

// LiveConfig locates live context documents.
type LiveConfig struct {
	Dir   string `koanf:"dir"`
	Watch bool   `koanf:"watch"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	hc := health.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: false,
			ServiceName:     "ctxvault",
			Endpoint:        "localhost:4317",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Archive: ArchiveConfig{
			Root:           "~/.config/ctxvault/archives",
			RestoreBudget:  Duration(archive.DefaultRestoreBudget),
			CacheSize:      store.DefaultCacheSize,
			DormantAfter:   Duration(tiering.DefaultDormantAfter),
			SleepingAfter:  Duration(tiering.DefaultSleepingAfter),
			DeepSleepAfter: Duration(tiering.DefaultDeepSleepAfter),
		},
		Health: HealthConfig{
			Interval:           Duration(hc.Interval),
			AutoArchive:        hc.AutoArchive,
			Scheduler:          true,
			ArchiveRate:        hc.ArchiveRate,
			ArchiveBurst:       hc.ArchiveBurst,
			WeightFreshness:    hc.Weights.Freshness,
			WeightStructure:    hc.Weights.Structure,
			WeightSize:         hc.Weights.Size,
			ThresholdExcellent: hc.Thresholds.Excellent,
			ThresholdGood:      hc.Thresholds.Good,
			ThresholdWarning:   hc.Thresholds.Warning,
			FreshGrace:         Duration(hc.FreshGrace),
			FreshHalfLife:      Duration(hc.FreshHalfLife),
			SizeSoftLimit:      hc.SizeSoftLimit,
			SizeHardLimit:      hc.SizeHardLimit,
			SizeFloor:          hc.SizeFloor,
		},
		Cleanup: CleanupConfig{
			RetentionDays: 90,
			Enabled:       false,
			Schedule:      "@daily",
		},
		Live: LiveConfig{
			Dir:   "~/.config/ctxvault/live",
			Watch: true,
		},
	}
}

// HealthMonitorConfig converts the health section.
func (c *Config) HealthMonitorConfig() health.Config {
	h := c.Health
	return health.Config{
		Weights: health.Weights{
			Freshness: h.WeightFreshness,
			Structure: h.WeightStructure,
			Size:      h.WeightSize,
		},
		Thresholds: health.Thresholds{
			Excellent: h.ThresholdExcellent,
			Good:      h.ThresholdGood,
			Warning:   h.ThresholdWarning,
		},
		FreshGrace:    h.FreshGrace.Duration(),
		FreshHalfLife: h.FreshHalfLife.Duration(),
		SizeSoftLimit: h.SizeSoftLimit,
		SizeHardLimit: h.SizeHardLimit,
		SizeFloor:     h.SizeFloor,
		Interval:      h.Interval.Duration(),
		AutoArchive:   h.AutoArchive,
		ArchiveRate:   h.ArchiveRate,
		ArchiveBurst:  h.ArchiveBurst,
	}
}

// TieringPolicy builds the tiering policy from the archive section.
func (c *Config) TieringPolicy() (*tiering.Policy, error) {
	return tiering.NewPolicy(
		tiering.WithDormantAfter(c.Archive.DormantAfter.Duration()),
		tiering.WithSleepingAfter(c.Archive.SleepingAfter.Duration()),
		tiering.WithDeepSleepAfter(c.Archive.DeepSleepAfter.Duration()),
	)
}

// EngineConfig assembles the engine configuration.
func (c *Config) EngineConfig() (engine.Config, error) {
	policy, err := c.TieringPolicy()
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		ArchiveRoot:   c.Archive.Root,
		Policy:        policy,
		RestoreBudget: c.Archive.RestoreBudget.Duration(),
		CacheSize:     c.Archive.CacheSize,
		Health:        c.HealthMonitorConfig(),
	}, nil
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout or restore budget is not positive
//   - Logging format is not json or console
//   - Tier boundaries do not increase
//   - The health section is inconsistent
//   - Retention is negative or the cleanup schedule does not parse
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging format must be 'json' or 'console', got %q", c.Logging.Format)
	}

	if c.Archive.Root == "" {
		return errors.New("archive root is required")
	}
	if c.Archive.RestoreBudget <= 0 {
		return errors.New("restore budget must be positive")
	}
	if _, err := c.TieringPolicy(); err != nil {
		return fmt.Errorf("archive tiers: %w", err)
	}

	if err := c.HealthMonitorConfig().Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}

	if c.Cleanup.RetentionDays < 0 {
		return fmt.Errorf("cleanup retention days must be non-negative, got %d", c.Cleanup.RetentionDays)
	}
	if c.Cleanup.Enabled {
		if _, err := cron.ParseStandard(c.Cleanup.Schedule); err != nil {
			return fmt.Errorf("invalid cleanup schedule %q: %w", c.Cleanup.Schedule, err)
		}
	}

	if c.Live.Dir == "" {
		return errors.New("live context directory is required")
	}
	return nil
}
