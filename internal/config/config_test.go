// ABOUTME: Tests for configuration loading, defaults and validation.
// ABOUTME: Validates env var expansion, duration parsing and failure modes.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:9090"
auth:
  jwt_secret: "s3cret"
  handshake_timeout: "3s"
heartbeat:
  interval: "10s"
  timeout: "30s"
recovery:
  ttl: "2m"
  sweep_interval: "15s"
  max_per_user: 50
  path: "/tmp/recovery.db"
delivery:
  outbound_queue_size: 128
logging:
  level: "debug"
  format: "json"
metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 3*time.Second, cfg.Auth.HandshakeTimeout)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.Recovery.TTL)
	assert.Equal(t, 15*time.Second, cfg.Recovery.SweepInterval)
	assert.Equal(t, 50, cfg.Recovery.MaxPerUser)
	assert.Equal(t, "/tmp/recovery.db", cfg.Recovery.Path)
	assert.Equal(t, 128, cfg.Delivery.OutboundQueueSize)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultHandshakeTimeout, cfg.Auth.HandshakeTimeout)
	assert.Equal(t, DefaultHeartbeatInterval, cfg.Heartbeat.Interval)
	assert.Equal(t, DefaultHeartbeatTimeout, cfg.Heartbeat.Timeout)
	assert.Equal(t, DefaultRecoveryTTL, cfg.Recovery.TTL)
	assert.Equal(t, DefaultSweepInterval, cfg.Recovery.SweepInterval)
	assert.Equal(t, DefaultMaxPerUser, cfg.Recovery.MaxPerUser)
	assert.Equal(t, DefaultOutboundQueueSize, cfg.Delivery.OutboundQueueSize)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "from-env")

	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
auth:
  jwt_secret: "${DEFINITELY_NOT_SET_VAR}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
heartbeat:
  interval: "not-a-duration"
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "heartbeat.interval")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_TimeoutMustExceedInterval(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
heartbeat:
  interval: "30s"
  timeout: "30s"
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "heartbeat.timeout")
}

func TestValidate_MissingHTTPAddr(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: "info"
`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "http_addr")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
}
