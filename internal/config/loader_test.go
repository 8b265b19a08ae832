package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHome points HOME at a temp dir and returns it.
func testHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

// writeConfig writes content to the default config path under home.
func writeConfig(t *testing.T, home, content string, perm os.FileMode) string {
	t.Helper()
	dir := filepath.Join(home, ".config", "ctxvault")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_YAML(t *testing.T) {
	home := testHome(t)
	path := writeConfig(t, home, `server:
  http_port: 8181
  http_host: 127.0.0.1
  shutdown_timeout: 3s

logging:
  level: debug
  format: console

archive:
  root: ~/vault
  restore_budget: 500ms
  dormant_after: 48h
  sleeping_after: 240h
  deep_sleep_after: 2160h

health:
  interval: 30m
  auto_archive: false
  weight_freshness: 0.5
  weight_structure: 0.4
  weight_size: 0.1

cleanup:
  enabled: true
  schedule: "0 3 * * *"
  retention_days: 60
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)

	assert.Equal(t, filepath.Join(home, "vault"), cfg.Archive.Root)
	assert.Equal(t, 500*time.Millisecond, cfg.Archive.RestoreBudget.Duration())
	assert.Equal(t, 48*time.Hour, cfg.Archive.DormantAfter.Duration())

	assert.Equal(t, 30*time.Minute, cfg.Health.Interval.Duration())
	assert.False(t, cfg.Health.AutoArchive)
	assert.Equal(t, 0.5, cfg.Health.WeightFreshness)

	assert.True(t, cfg.Cleanup.Enabled)
	assert.Equal(t, "0 3 * * *", cfg.Cleanup.Schedule)
	assert.Equal(t, 60, cfg.Cleanup.RetentionDays)

	policy, err := cfg.TieringPolicy()
	require.NoError(t, err)
	dormant, sleeping, deep := policy.Boundaries()
	assert.Equal(t, 48*time.Hour, dormant)
	assert.Equal(t, 240*time.Hour, sleeping)
	assert.Equal(t, 2160*time.Hour, deep)
}

func TestLoadWithFile_PartialYAMLKeepsDefaults(t *testing.T) {
	home := testHome(t)
	path := writeConfig(t, home, "health:\n  interval: 15m\n", 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, 15*time.Minute, cfg.Health.Interval.Duration())
	assert.Equal(t, def.Health.WeightFreshness, cfg.Health.WeightFreshness)
	assert.Equal(t, def.Health.ThresholdGood, cfg.Health.ThresholdGood)
	assert.Equal(t, def.Archive.DormantAfter, cfg.Archive.DormantAfter)
	assert.Equal(t, def.Cleanup.RetentionDays, cfg.Cleanup.RetentionDays)
	assert.Equal(t, filepath.Join(home, ".config", "ctxvault", "archives"), cfg.Archive.Root)
	assert.Equal(t, filepath.Join(home, ".config", "ctxvault", "live"), cfg.Live.Dir)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	home := testHome(t)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, filepath.Join(home, ".config", "ctxvault", "archives"), cfg.Archive.Root)
}

func TestLoadWithFile_Environment(t *testing.T) {
	home := testHome(t)
	writeConfig(t, home, "server:\n  http_port: 8181\n", 0600)

	t.Setenv("CTXVAULT_SERVER_HTTP_PORT", "7070")
	t.Setenv("CTXVAULT_HEALTH_WEIGHT_FRESHNESS", "0.5")
	t.Setenv("CTXVAULT_HEALTH_WEIGHT_STRUCTURE", "0.4")
	t.Setenv("CTXVAULT_ARCHIVE_RESTORE_BUDGET", "250ms")
	t.Setenv("CTXVAULT_ARCHIVE_DEEP_SLEEP_AFTER", "4320h")
	t.Setenv("CTXVAULT_CLEANUP_RETENTION_DAYS", "30")
	t.Setenv("CTXVAULT_LIVE_WATCH", "false")

	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, 0.5, cfg.Health.WeightFreshness)
	assert.Equal(t, 0.4, cfg.Health.WeightStructure)
	assert.Equal(t, 250*time.Millisecond, cfg.Archive.RestoreBudget.Duration())
	assert.Equal(t, 4320*time.Hour, cfg.Archive.DeepSleepAfter.Duration())
	assert.Equal(t, 30, cfg.Cleanup.RetentionDays)
	assert.False(t, cfg.Live.Watch)
}

func TestLoadWithFile_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		perm    os.FileMode
		wantErr string
	}{
		{
			name:    "invalid yaml",
			content: "server:\n  http_port: [unclosed\n",
			wantErr: "failed to load config file",
		},
		{
			name:    "port out of range",
			content: "server:\n  http_port: 70000\n",
			wantErr: "invalid server port",
		},
		{
			name:    "tiers out of order",
			content: "archive:\n  dormant_after: 720h\n  sleeping_after: 168h\n",
			wantErr: "archive tiers",
		},
		{
			name:    "negative duration",
			content: "health:\n  interval: -1h\n",
			wantErr: "negative",
		},
		{
			name:    "weights from env",
			env:     map[string]string{"CTXVAULT_HEALTH_WEIGHT_SIZE": "0.9"},
			wantErr: "weights",
		},
		{
			name:    "bad cleanup schedule",
			content: "cleanup:\n  enabled: true\n  schedule: every tuesday\n",
			wantErr: "invalid cleanup schedule",
		},
		{
			name:    "too large",
			content: "# " + strings.Repeat("x", maxConfigFileSize) + "\n",
			wantErr: "too large",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := testHome(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			perm := tt.perm
			if perm == 0 {
				perm = 0600
			}
			path := writeConfig(t, home, tt.content, perm)

			_, err := LoadWithFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadWithFile_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}

	for _, perm := range []os.FileMode{0644, 0660, 0666} {
		t.Run("rejects "+perm.String(), func(t *testing.T) {
			path := writeConfig(t, testHome(t), "server:\n  http_port: 9090\n", perm)
			_, err := LoadWithFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "insecure config file permissions")
		})
	}
	for _, perm := range []os.FileMode{0600, 0400} {
		t.Run("accepts "+perm.String(), func(t *testing.T) {
			path := writeConfig(t, testHome(t), "server:\n  http_port: 9090\n", perm)
			_, err := LoadWithFile(path)
			assert.NoError(t, err)
		})
	}
}

func TestValidateConfigPath(t *testing.T) {
	home := testHome(t)

	allowed := []string{
		filepath.Join(home, ".config", "ctxvault", "config.yaml"),
		filepath.Join(home, ".config", "ctxvault", "prod", "config.yaml"),
		"/etc/ctxvault/config.yaml",
	}
	for _, p := range allowed {
		assert.NoError(t, validateConfigPath(p), p)
	}

	rejected := []string{
		"/etc/passwd",
		"/tmp/config.yaml",
		"/etc/ctxvault../etc/passwd",
		filepath.Join(home, ".config", "ctxvault", "..", "..", "config.yaml"),
		filepath.Join(home, ".config", "ctxvault-other", "config.yaml"),
	}
	for _, p := range rejected {
		assert.Error(t, validateConfigPath(p), p)
	}
}

func TestLoadWithFile_OutsideAllowedDirs(t *testing.T) {
	testHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9090\n"), 0600))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"CTXVAULT_SERVER_HTTP_PORT":         "server.http_port",
		"CTXVAULT_ARCHIVE_DEEP_SLEEP_AFTER": "archive.deep_sleep_after",
		"CTXVAULT_LIVE_DIR":                 "live.dir",
		"CTXVAULT_DEBUG":                    "debug",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestExpandHome(t *testing.T) {
	home := testHome(t)

	tests := map[string]string{
		"~":               home,
		"~/archives":      filepath.Join(home, "archives"),
		"/srv/archives":   "/srv/archives",
		"relative/path":   "relative/path",
		"~other/archives": "~other/archives",
	}
	for in, want := range tests {
		got, err := ExpandHome(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestEnsureConfigDir(t *testing.T) {
	home := testHome(t)
	require.NoError(t, EnsureConfigDir())

	info, err := os.Stat(filepath.Join(home, ".config", "ctxvault"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}
}
