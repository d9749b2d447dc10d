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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "grpc", cfg.Protocol)
	assert.Equal(t, ":7420", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Message)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Workflow)
	assert.Equal(t, 1<<20, cfg.MaxMessageSize)
	assert.Equal(t, 30*time.Second, cfg.Discovery.TTL)
	assert.False(t, cfg.TLS.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
agent_id: banking-agent
protocol: websocket
listen_addr: ":9000"
heartbeat_interval: 5s
max_message_size: 65536
rate_limit: 100
timeouts:
  message: 10s
discovery:
  ttl: 1m
redis:
  addr: localhost:6379
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "banking-agent", cfg.AgentID)
	assert.Equal(t, "websocket", cfg.Protocol)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 65536, cfg.MaxMessageSize)
	assert.Equal(t, 100.0, cfg.RateLimit)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.Message)
	assert.Equal(t, time.Minute, cfg.Discovery.TTL)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)

	// Unset fields keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Connect)
	assert.Equal(t, 10*time.Minute, cfg.Timeouts.Workflow)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTMESH_AGENT_ID", "env-agent")
	t.Setenv("AGENTMESH_PROTOCOL", "websocket")
	t.Setenv("AGENTMESH_REDIS_ADDR", "redis:6379")

	path := writeConfig(t, "agent_id: file-agent\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-agent", cfg.AgentID)
	assert.Equal(t, "websocket", cfg.Protocol)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown protocol",
			mutate:  func(c *Config) { c.Protocol = "carrier-pigeon" },
			wantErr: "unknown protocol",
		},
		{
			name:    "tls without cert",
			mutate:  func(c *Config) { c.TLS.Enabled = true },
			wantErr: "cert_file",
		},
		{
			name:    "zero retry attempts",
			mutate:  func(c *Config) { c.MaxRetryAttempts = 0 },
			wantErr: "max_retry_attempts",
		},
		{
			name:    "negative rate limit",
			mutate:  func(c *Config) { c.RateLimit = -1 },
			wantErr: "rate_limit",
		},
		{
			name:    "zero message timeout",
			mutate:  func(c *Config) { c.Timeouts.Message = 0 },
			wantErr: "timeouts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.AgentID = "round-trip"
	cfg.Redis.Addr = "localhost:6379"

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "round-trip", loaded.AgentID)
	assert.Equal(t, "localhost:6379", loaded.Redis.Addr)
	assert.Equal(t, cfg.Timeouts, loaded.Timeouts)
}
