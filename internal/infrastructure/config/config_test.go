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

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace)

	// Component validators filled their own defaults.
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, 100, cfg.Backpressure.MaxConcurrent)
	assert.Equal(t, "tradecore", cfg.Events.ConsumerName)
	assert.Equal(t, 5*time.Second, cfg.Monitor.Interval)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.MarketData.HotSymbols)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
environment: production
log:
  level: warn
server:
  addr: ":8080"
resilience:
  failure_threshold: 7
  open_timeout: 45s
backpressure:
  max_concurrent: 250
market_data:
  hot_symbols: [BTC]
  stale_after: 15s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 7, cfg.Resilience.FailureThreshold)
	assert.Equal(t, 45*time.Second, cfg.Resilience.OpenTimeout)
	assert.Equal(t, 250, cfg.Backpressure.MaxConcurrent)
	assert.Equal(t, []string{"BTC"}, cfg.MarketData.HotSymbols)
	assert.Equal(t, 15*time.Second, cfg.MarketData.StaleAfter)

	// Untouched sections still carry defaults.
	assert.Equal(t, 2, cfg.Resilience.SuccessThreshold)
}

func TestLoadRejectsInvalidComponentConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
monitor:
  interval: 100ms
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
