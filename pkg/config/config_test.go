package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("SERVICE_KEY", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsShortJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "too-short")
	t.Setenv("SERVICE_KEY", "svc-key")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-key-at-least-32-characters")
	t.Setenv("SERVICE_KEY", "svc-key")
	t.Setenv("API_PORT", "9999")
	t.Setenv("JOB_HEARTBEAT_TIMEOUT", "5m")
	t.Setenv("WORKER_CLAIM_ATTEMPTS", "7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.APIPort)
	assert.Equal(t, 5*time.Minute, cfg.Queue.HeartbeatTimeout)
	assert.Equal(t, 7, cfg.Allocator.ClaimAttempts)
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-key-at-least-32-characters")
	t.Setenv("SERVICE_KEY", "svc-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.APIPort)
	assert.Equal(t, 10*time.Minute, cfg.Queue.HeartbeatTimeout)
	assert.Equal(t, 15*time.Second, cfg.Queue.KilledCooldown)
	assert.Equal(t, 90*time.Second, cfg.Allocator.HeartbeatTTL)
	assert.Equal(t, 15*time.Minute, cfg.Allocator.LeaseDuration)
}

func TestConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_port: 7777
queue:
  killed_cooldown: 30s
`), 0o600))

	t.Setenv("JWT_SECRET", "test-secret-key-at-least-32-characters")
	t.Setenv("SERVICE_KEY", "svc-key")
	t.Setenv("API_HOST", "10.0.0.1")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)

	// File values win; unset file fields keep the environment values.
	assert.Equal(t, 7777, cfg.APIPort)
	assert.Equal(t, 30*time.Second, cfg.Queue.KilledCooldown)
	assert.Equal(t, "10.0.0.1", cfg.APIHost)
	assert.Equal(t, 10*time.Minute, cfg.Queue.HeartbeatTimeout)
}

func TestLoadWithDefaultsNeverFails(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("SERVICE_KEY", "")

	cfg := LoadWithDefaults()
	require.NotNil(t, cfg)
	assert.NotEmpty(t, cfg.JWTSecret)
}
