package mcpclient_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentrun/mcpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := mcpclient.LoadConfig("")
	require.NoError(t, err)

	def := mcpclient.DefaultConfig()
	assert.Equal(t, def.ClientName, cfg.ClientName)
	assert.Equal(t, def.HeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, def.BreakerFailureThreshold, cfg.BreakerFailureThreshold)
	assert.Equal(t, def.RetryMaxAttempts, cfg.RetryMaxAttempts)
	assert.Equal(t, def.QueueMaxSize, cfg.QueueMaxSize)
	assert.Equal(t, def.ResourceCacheTTL, cfg.ResourceCacheTTL)
	assert.Empty(t, cfg.Servers)
}

func TestLoadConfigMissingFileRunsOnDefaults(t *testing.T) {
	cfg, err := mcpclient.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, mcpclient.DefaultConfig().ClientName, cfg.ClientName)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client_name: game-backend
heartbeat_interval: 15s
breaker_failure_threshold: 7
retry_max_attempts: 5
queue_max_size: 512
resource_cache_ttl: 90s
servers:
  - name: inventory
    endpoint: http://inventory.internal:8080
    headers:
      Authorization: Bearer abc
  - name: matchmaking
    endpoint: http://matchmaking.internal:8080
`), 0o600))

	cfg, err := mcpclient.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "game-backend", cfg.ClientName)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 7, cfg.BreakerFailureThreshold)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 512, cfg.QueueMaxSize)
	assert.Equal(t, 90*time.Second, cfg.ResourceCacheTTL)

	// Unset keys keep their defaults.
	assert.Equal(t, mcpclient.DefaultConfig().HeartbeatTimeout, cfg.HeartbeatTimeout)

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "inventory", cfg.Servers[0].Name)
	assert.Equal(t, "http://inventory.internal:8080", cfg.Servers[0].Endpoint)
	assert.Equal(t, "Bearer abc", cfg.Servers[0].Headers["Authorization"])
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MCP_CLIENT_CLIENT_NAME", "from-env")
	t.Setenv("MCP_CLIENT_QUEUE_MAX_SIZE", "64")

	cfg, err := mcpclient.LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.ClientName)
	assert.Equal(t, 64, cfg.QueueMaxSize)
}

func TestLoadConfigMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client_name: [unterminated"), 0o600))

	_, err := mcpclient.LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*mcpclient.Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *mcpclient.Config) {},
		},
		{
			name:    "zero heartbeat interval",
			mutate:  func(c *mcpclient.Config) { c.HeartbeatInterval = 0 },
			wantErr: "heartbeat_interval",
		},
		{
			name:    "zero failure threshold",
			mutate:  func(c *mcpclient.Config) { c.BreakerFailureThreshold = 0 },
			wantErr: "breaker_failure_threshold",
		},
		{
			name:    "jitter above one",
			mutate:  func(c *mcpclient.Config) { c.RetryJitterFactor = 1.5 },
			wantErr: "retry_jitter_factor",
		},
		{
			name:    "zero queue size",
			mutate:  func(c *mcpclient.Config) { c.QueueMaxSize = 0 },
			wantErr: "queue_max_size",
		},
		{
			name:    "zero workers",
			mutate:  func(c *mcpclient.Config) { c.DispatcherWorkers = 0 },
			wantErr: "dispatcher_workers",
		},
		{
			name: "server missing endpoint",
			mutate: func(c *mcpclient.Config) {
				c.Servers = []mcpclient.ServerConfig{{Name: "inventory"}}
			},
			wantErr: "servers[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := mcpclient.DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidateCollectsAllProblems(t *testing.T) {
	cfg := mcpclient.DefaultConfig()
	cfg.HeartbeatInterval = 0
	cfg.QueueMaxSize = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
	assert.Contains(t, err.Error(), "queue_max_size")
}

func TestConfigBridges(t *testing.T) {
	cfg := mcpclient.DefaultConfig()
	cfg.RetryMaxAttempts = 7
	cfg.BreakerFailureThreshold = 9

	assert.Equal(t, 7, cfg.RetryPolicy().MaxAttempts)
	assert.Equal(t, cfg.RetryBaseDelay, cfg.RetryPolicy().BaseDelay)
	assert.Equal(t, 9, cfg.BreakerConfig().FailureThreshold)
	assert.NotEmpty(t, cfg.ClientOptions())
}
