package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "Asia/Kolkata", cfg.Energy.Timezone)
	assert.Equal(t, int64(750), cfg.Energy.DefaultCostPerKwhMinor)
	assert.Equal(t, "0 2 * * *", cfg.Jobs.ReconciliationCron)

	assert.Equal(t, 3*time.Second, cfg.AckTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.Debounce())
	assert.Equal(t, time.Minute, cfg.ConfirmationTTL())
	assert.Equal(t, 90*time.Second, cfg.HeartbeatOffline())
	assert.Equal(t, 5*time.Minute, cfg.TelemetryGap())
	assert.Equal(t, 5*time.Second, cfg.CapabilityCacheTTL())
	assert.Equal(t, 10*time.Second, cfg.ShutdownGrace())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
pipeline:
  ack_timeout_ms: 1500
  bulk_threshold: 5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 1500*time.Millisecond, cfg.AckTimeout())
	assert.Equal(t, 5, cfg.Pipeline.BulkThreshold)
	// Untouched sections keep their defaults.
	assert.Equal(t, 500, cfg.Pipeline.DebounceMs)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o644))
	t.Setenv("CAMPUS_PORT", "7070")
	t.Setenv("CAMPUS_ACK_TIMEOUT_MS", "250")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.AckTimeout())
}

func TestValidateRejectsBadTimezone(t *testing.T) {
	cfg := Default()
	cfg.Energy.Timezone = "Mars/Olympus"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.AckTimeoutMs = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Telemetry.HeartbeatOfflineMs = -1
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLocation(t *testing.T) {
	cfg := Default()
	loc := cfg.Location()
	require.NotNil(t, loc)
	assert.Equal(t, "Asia/Kolkata", loc.String())
}
