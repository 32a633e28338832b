package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.IngestTimeoutDuration())
	assert.Equal(t, "./devpulse.db", cfg.Database.Path)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, 30, cfg.Retention.EventsDays)
	assert.Equal(t, 30*time.Minute, cfg.Conflicts.Window())
	assert.InDelta(t, 0.3, cfg.Alerts.ErrorRateThreshold, 0.0001)
	assert.Equal(t, 3, cfg.Webhooks.MaxAttempts)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEVPULSE_PORT", "5123")
	t.Setenv("DEVPULSE_DB_PATH", "/tmp/test.db")
	t.Setenv("DEVPULSE_LOGGING_LEVEL", "debug")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 5123, cfg.Server.Port)
	assert.Equal(t, "/tmp/test.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidationRejectsBadValues(t *testing.T) {
	t.Setenv("DEVPULSE_PORT", "0")
	_, err := LoadWithPath(t.TempDir())
	assert.Error(t, err)
}
