package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 50, cfg.Catalog.PageSize)
	assert.Equal(t, 200*time.Millisecond, cfg.Catalog.RequestDelay)
	assert.Equal(t, 6*time.Hour, cfg.Sync.StalenessWindow)
	assert.Equal(t, 20, cfg.Sync.BatchSize)
	assert.Equal(t, 8, cfg.Sync.Workers)
	assert.Equal(t, 10, cfg.Sync.OfflineLimit)
	assert.Zero(t, cfg.Sync.Interval, "periodic sync is off by default")
}

func TestLoadFromFile(t *testing.T) {
	content := `
server:
  port: "9090"
logging:
  level: debug
catalog:
  url: https://catalog.example.com
  token: file-token
sync:
  staleness_window: 2h
  batch_size: 5
  workers: 3
  interval: 30m
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "https://catalog.example.com", cfg.Catalog.URL)
	assert.Equal(t, "file-token", cfg.Catalog.Token)
	assert.Equal(t, 2*time.Hour, cfg.Sync.StalenessWindow)
	assert.Equal(t, 5, cfg.Sync.BatchSize)
	assert.Equal(t, 3, cfg.Sync.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Sync.Interval)

	// Unset keys keep their defaults
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 10, cfg.Sync.OfflineLimit)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestEnvOverridesFile(t *testing.T) {
	content := `
server:
  port: "9090"
catalog:
  token: file-token
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("PORT", "7070")
	t.Setenv("CATALOG_TOKEN", "env-token")
	t.Setenv("SYNC_STALENESS_WINDOW", "90m")
	t.Setenv("SYNC_WORKERS", "4")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "env-token", cfg.Catalog.Token)
	assert.Equal(t, 90*time.Minute, cfg.Sync.StalenessWindow)
	assert.Equal(t, 4, cfg.Sync.Workers)
}

func TestInvalidEnvValuesIgnored(t *testing.T) {
	t.Setenv("SYNC_BATCH_SIZE", "not-a-number")
	t.Setenv("SYNC_STALENESS_WINDOW", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Sync.BatchSize)
	assert.Equal(t, 6*time.Hour, cfg.Sync.StalenessWindow)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Catalog.URL = ""
	assert.ErrorContains(t, cfg.Validate(), "catalog URL")

	cfg = base()
	cfg.Database.Path = ""
	assert.ErrorContains(t, cfg.Validate(), "database path")

	cfg = base()
	cfg.Sync.BatchSize = 0
	assert.ErrorContains(t, cfg.Validate(), "batch size")

	cfg = base()
	cfg.Sync.Workers = -1
	assert.ErrorContains(t, cfg.Validate(), "worker count")

	cfg = base()
	cfg.Sync.StalenessWindow = 0
	assert.ErrorContains(t, cfg.Validate(), "staleness window")
}
