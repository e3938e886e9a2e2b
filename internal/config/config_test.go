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
	configPath := filepath.Join(t.TempDir(), "kinopio-sync.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
server:
  url: "ws://localhost:8081"
  api_url: "http://localhost:3000"
connection:
  connect_timeout: 3s
  reconnect_debounce: 2s
  reconnect_initial_interval: 500ms
  reconnect_max_interval: 30s
queue:
  redis_url: "redis://localhost:6379/0"
  namespace: "dev"
relay:
  listen: ":9000"
  rate_limit: 50
log:
  level: debug
`)

	config, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8081", config.Server.URL)
	assert.Equal(t, 3*time.Second, config.Connection.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, config.Connection.ReconnectInitialInterval)
	assert.Equal(t, "dev", config.Queue.Namespace)
	assert.Equal(t, ":9000", config.Relay.Listen)
	assert.Equal(t, 100, config.Relay.Burst, "burst defaults to twice the rate")
	assert.Equal(t, "debug", config.Log.Level)

	// Defaults fill everything left out
	assert.Equal(t, 16*time.Millisecond, config.Frames.Interval)
	assert.Equal(t, 16*time.Millisecond, config.Batcher.Interval)
	assert.Equal(t, 30*time.Second, config.Connection.PingInterval)
	assert.Equal(t, 256, config.OtherItems.CacheSize)
}

func TestLoad_FileNotFound(t *testing.T) {
	config, err := Load("/nonexistent/kinopio-sync.yml")
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to read config")
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, `version: "1.0"
server:
  - this is invalid
    yaml syntax
`)

	config, err := Load(configPath)
	assert.Error(t, err)
	assert.Nil(t, config)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoadOrDefault(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		config, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yml"))
		require.NoError(t, err)
		assert.Equal(t, "wss://sync.kinopio.club", config.Server.URL)
		assert.Equal(t, "default", config.Queue.Namespace)
	})

	t.Run("invalid file is still an error", func(t *testing.T) {
		_, err := LoadOrDefault(writeConfig(t, `version: "9"`))
		assert.Error(t, err)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvServerURL, "ws://override:1234")
	t.Setenv(EnvRedisURL, "redis://cache:6379")
	t.Setenv(EnvLogLevel, "warn")

	config, err := Load(writeConfig(t, `version: "1.0"
server:
  url: "ws://file:1"
`))
	require.NoError(t, err)
	assert.Equal(t, "ws://override:1234", config.Server.URL)
	assert.Equal(t, "redis://cache:6379", config.Queue.RedisURL)
	assert.Equal(t, "redis://cache:6379", config.Relay.RedisURL)
	assert.Equal(t, "warn", config.Log.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unsupported version", func(c *Config) { c.Version = "2.0" }, "unsupported version: 2.0"},
		{"http server url", func(c *Config) { c.Server.URL = "http://example.com" }, "server.url"},
		{"server url without host", func(c *Config) { c.Server.URL = "ws://" }, "missing host"},
		{"bad api url", func(c *Config) { c.Server.APIURL = "ftp://example.com" }, "server.api_url"},
		{"negative timeout", func(c *Config) { c.Connection.ConnectTimeout = -time.Second }, "connection.connect_timeout must be >= 0"},
		{"max below initial", func(c *Config) {
			c.Connection.ReconnectInitialInterval = 10 * time.Second
			c.Connection.ReconnectMaxInterval = time.Second
		}, "reconnect_max_interval"},
		{"bad queue redis url", func(c *Config) { c.Queue.RedisURL = "http://localhost" }, "queue.redis_url"},
		{"negative rate", func(c *Config) { c.Relay.RateLimit = -1 }, "relay.rate_limit"},
		{"negative burst", func(c *Config) { c.Relay.Burst = -1 }, "relay.burst"},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }, "invalid log.level"},
		{"negative cache size", func(c *Config) { c.OtherItems.CacheSize = -5 }, "other_items.cache_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &Config{Version: "1.0"}
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSettingsConversion(t *testing.T) {
	config := Default()
	config.Connection.ConnectTimeout = 7 * time.Second
	config.Batcher.Interval = 40 * time.Millisecond
	config.Relay.RateLimit = 10
	config.Relay.Burst = 20

	cs := config.ConnSettings()
	assert.Equal(t, config.Server.URL, cs.URL)
	assert.Equal(t, 7*time.Second, cs.ConnectTimeout)
	assert.Equal(t, 40*time.Millisecond, cs.BatchInterval)

	rs := config.RelaySettings()
	assert.Equal(t, 10.0, rs.RateLimit)
	assert.Equal(t, 20, rs.Burst)
	assert.NotEmpty(t, rs.InstanceID)
}
