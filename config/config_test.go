package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Server.Bus)
	assert.Equal(t, DefaultBusChannel, cfg.Redis.Channel)
	assert.Equal(t, DefaultBusChannel, cfg.Nats.Subject)
	assert.Equal(t, "JWT_SECRET_KEY", cfg.JWT.SecretEnv)
	assert.Equal(t, DefaultSendQueueSize, cfg.Limits.SendQueueSize)
	assert.Equal(t, DefaultPingInterval, cfg.Limits.PingInterval)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
server:
  port: 9000
  bus: nats
  log_level: debug
nats:
  subject: chat-events
limits:
  send_queue_size: 16
  write_timeout: 1s
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "nats", cfg.Server.Bus)
	assert.Equal(t, "chat-events", cfg.Nats.Subject)
	assert.Equal(t, 16, cfg.Limits.SendQueueSize)
	assert.Equal(t, time.Second, cfg.Limits.WriteTimeout)
	// untouched fields still get defaults
	assert.Equal(t, DefaultBusChannel, cfg.Redis.Channel)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: ["), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestJWTSecretFromEnv(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "hunter2")
	j := JWTConfig{SecretEnv: "TEST_JWT_SECRET"}
	assert.Equal(t, []byte("hunter2"), j.Secret())

	assert.Nil(t, JWTConfig{}.Secret())
}
