package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("COLLECTOR_API_KEY", "secret")
	t.Setenv("EXPORT_MAX_ROWS", "")

	cfg := LoadServer()

	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, 5*time.Minute, cfg.AuthWindow)
	assert.Equal(t, 10000, cfg.ExportMaxRows)
	assert.Equal(t, "duckdb", cfg.StoreDriver)
	assert.False(t, cfg.Archive.Enabled())
}

func TestLoadServerOverrides(t *testing.T) {
	t.Setenv("COLLECTOR_API_KEY", "secret")
	t.Setenv("EXPORT_MAX_ROWS", "250")
	t.Setenv("AUTH_WINDOW", "90s")
	t.Setenv("ARCHIVE_BUCKET", "evidence-archive")

	cfg := LoadServer()

	assert.Equal(t, 250, cfg.ExportMaxRows)
	assert.Equal(t, 90*time.Second, cfg.AuthWindow)
	assert.True(t, cfg.Archive.Enabled())
}

func TestLoadCollectorFlagsOverrideEnv(t *testing.T) {
	t.Setenv("BATCH_SIZE", "10")
	t.Setenv("COLLECTOR_API_KEY", "from-env")

	cfg, err := LoadCollector([]string{
		"-b", "http://backend:3000",
		"-s", "25",
		"-i", "2s",
		"-m", "interceptor",
		"-n", "origin-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "http://backend:3000", cfg.BackendURL)
	assert.Equal(t, "from-env", cfg.APIKey)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.FlushInterval)
	assert.Equal(t, ModeInterceptor, cfg.Mode)
	assert.Equal(t, "origin-1", cfg.ServerName)
}

func TestLoadCollectorRequiresLogFileForTailer(t *testing.T) {
	_, err := LoadCollector([]string{"-k", "key", "-m", "log-tail"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log file is required")
}

func TestCollectorValidateRejectsUnknownMode(t *testing.T) {
	_, err := LoadCollector([]string{"-k", "key", "-m", "sniffer"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid mode")
}
