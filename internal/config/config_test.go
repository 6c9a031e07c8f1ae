package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schedule:
  interval: 2m
render:
  workers: 8
storage:
  max_tracked: 100
forecast:
  lead_minutes: [15, 30, 45]
log:
  level: debug
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Schedule.Interval)
	assert.Equal(t, 8, cfg.Render.Workers)
	assert.Equal(t, 100, cfg.Storage.MaxTracked)
	assert.Equal(t, []int{15, 30, 45}, cfg.Forecast.LeadMinutes)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched settings keep their defaults.
	assert.Equal(t, []int{1, 2}, cfg.Render.Scales)
	assert.True(t, cfg.Streams.CurrentEnabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RADAR_CURRENT_URL", "https://mirror.example.net/maxz/")
	t.Setenv("RADAR_POLL_INTERVAL", "90s")
	t.Setenv("RADAR_WORKERS", "2")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://mirror.example.net/maxz/", cfg.Streams.CurrentURL)
	assert.Equal(t, 90*time.Second, cfg.Schedule.Interval)
	assert.Equal(t, 2, cfg.Render.Workers)
}

func TestValidateRejectsNoStreams(t *testing.T) {
	cfg := Default()
	cfg.Streams.CurrentEnabled = false
	cfg.Streams.ForecastEnabled = false
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadBackoff(t *testing.T) {
	cfg := Default()
	cfg.Fetch.RetryBackoff = time.Minute
	cfg.Fetch.MaxBackoff = time.Second
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadScales(t *testing.T) {
	cfg := Default()
	cfg.Render.Scales = []int{2, 1}
	assert.Error(t, cfg.Validate())

	cfg.Render.Scales = []int{1, 4}
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadURL(t *testing.T) {
	cfg := Default()
	cfg.Streams.CurrentURL = "not a url"
	assert.Error(t, cfg.Validate())
}

func TestContractOverrides(t *testing.T) {
	cfg := Default()
	contract := cfg.Contract()
	assert.Equal(t, 598, contract.Width)
	assert.Equal(t, 378, contract.Height)

	cfg.Product.Width = 300
	cfg.Product.Height = 200
	contract = cfg.Contract()
	assert.Equal(t, 300, contract.Width)
	assert.Equal(t, 200, contract.Height)
	assert.InDelta(t, 11.267, contract.LonMin, 1e-9)
}

func TestLoadRejectsUnparseableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("streams: ["), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}
