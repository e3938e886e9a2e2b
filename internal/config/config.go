package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/kinopio-club/kinopio-sync/internal/conn"
	"github.com/kinopio-club/kinopio-sync/internal/relay"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "kinopio-sync.yml"

// Environment variables that override file settings.
const (
	EnvServerURL = "KINOPIO_SERVER_URL"
	EnvAPIURL    = "KINOPIO_API_URL"
	EnvRedisURL  = "KINOPIO_REDIS_URL"
	EnvLogLevel  = "KINOPIO_LOG_LEVEL"
)

// Config represents the top-level kinopio-sync.yml configuration
type Config struct {
	Version    string           `yaml:"version"`
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Frames     FramesConfig     `yaml:"frames"`
	Batcher    BatcherConfig    `yaml:"batcher"`
	Queue      QueueConfig      `yaml:"queue"`
	Relay      RelayConfig      `yaml:"relay"`
	Log        LogConfig        `yaml:"log"`
	OtherItems OtherItemsConfig `yaml:"other_items"`
}

// ServerConfig locates the sync server and the REST API
type ServerConfig struct {
	URL    string `yaml:"url"`     // websocket endpoint, ws:// or wss://
	APIURL string `yaml:"api_url"` // REST API root used for linked items
}

// ConnectionConfig tunes the transport and reconnect policy
type ConnectionConfig struct {
	ConnectTimeout           time.Duration `yaml:"connect_timeout"`
	ReconnectDebounce        time.Duration `yaml:"reconnect_debounce"`
	ReconnectInitialInterval time.Duration `yaml:"reconnect_initial_interval"`
	ReconnectMaxInterval     time.Duration `yaml:"reconnect_max_interval"`
	ReconnectDelay           time.Duration `yaml:"reconnect_delay"`
	PingInterval             time.Duration `yaml:"ping_interval"`
	WriteTimeout             time.Duration `yaml:"write_timeout"`
}

// FramesConfig sets how often buffered entity updates are applied
type FramesConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// BatcherConfig sets the outbound batch window
type BatcherConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// QueueConfig points the persistence queue at Redis. Without redis_url
// operations are kept in memory.
type QueueConfig struct {
	RedisURL  string `yaml:"redis_url,omitempty"`
	Namespace string `yaml:"namespace"`
}

// RelayConfig configures the room relay
type RelayConfig struct {
	Listen       string  `yaml:"listen"`
	HealthListen string  `yaml:"health_listen,omitempty"`
	RedisURL     string  `yaml:"redis_url,omitempty"` // enables the cross-instance backplane
	RateLimit    float64 `yaml:"rate_limit"`          // frames per second per client, 0 = unlimited
	Burst        int     `yaml:"burst"`
}

// LogConfig sets the log level
type LogConfig struct {
	Level string `yaml:"level"`
}

// OtherItemsConfig sizes the linked-item cache
type OtherItemsConfig struct {
	CacheSize int `yaml:"cache_size"`
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	c := &Config{Version: "1.0"}
	if err := c.Validate(); err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return c
}

// Validate fills in defaults and rejects invalid values
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Server.URL == "" {
		c.Server.URL = "wss://sync.kinopio.club"
	}
	if err := checkURL("server.url", c.Server.URL, "ws", "wss"); err != nil {
		return err
	}
	if c.Server.APIURL == "" {
		c.Server.APIURL = "https://api.kinopio.club"
	}
	if err := checkURL("server.api_url", c.Server.APIURL, "http", "https"); err != nil {
		return err
	}

	defaults := conn.DefaultSettings(c.Server.URL)
	durations := []struct {
		name     string
		value    *time.Duration
		fallback time.Duration
	}{
		{"connection.connect_timeout", &c.Connection.ConnectTimeout, defaults.ConnectTimeout},
		{"connection.reconnect_debounce", &c.Connection.ReconnectDebounce, defaults.ReconnectDebounce},
		{"connection.reconnect_initial_interval", &c.Connection.ReconnectInitialInterval, defaults.ReconnectInitialInterval},
		{"connection.reconnect_max_interval", &c.Connection.ReconnectMaxInterval, defaults.ReconnectMaxInterval},
		{"connection.reconnect_delay", &c.Connection.ReconnectDelay, defaults.ReconnectDelay},
		{"connection.ping_interval", &c.Connection.PingInterval, defaults.PingInterval},
		{"connection.write_timeout", &c.Connection.WriteTimeout, defaults.WriteTimeout},
		{"frames.interval", &c.Frames.Interval, 16 * time.Millisecond},
		{"batcher.interval", &c.Batcher.Interval, defaults.BatchInterval},
	}
	for _, d := range durations {
		if *d.value < 0 {
			return fmt.Errorf("%s must be >= 0, got %s", d.name, *d.value)
		}
		if *d.value == 0 {
			*d.value = d.fallback
		}
	}
	if c.Connection.ReconnectMaxInterval < c.Connection.ReconnectInitialInterval {
		return fmt.Errorf("connection.reconnect_max_interval (%s) must be >= reconnect_initial_interval (%s)",
			c.Connection.ReconnectMaxInterval, c.Connection.ReconnectInitialInterval)
	}

	if c.Queue.Namespace == "" {
		c.Queue.Namespace = "default"
	}
	if c.Queue.RedisURL != "" {
		if err := checkURL("queue.redis_url", c.Queue.RedisURL, "redis", "rediss"); err != nil {
			return err
		}
	}

	if c.Relay.Listen == "" {
		c.Relay.Listen = ":8081"
	}
	if c.Relay.RedisURL != "" {
		if err := checkURL("relay.redis_url", c.Relay.RedisURL, "redis", "rediss"); err != nil {
			return err
		}
	}
	if c.Relay.RateLimit < 0 {
		return fmt.Errorf("relay.rate_limit must be >= 0 (0 = unlimited), got %v", c.Relay.RateLimit)
	}
	if c.Relay.RateLimit > 0 && c.Relay.Burst == 0 {
		c.Relay.Burst = int(2 * c.Relay.RateLimit)
		if c.Relay.Burst < 1 {
			c.Relay.Burst = 1
		}
	}
	if c.Relay.Burst < 0 {
		return fmt.Errorf("relay.burst must be >= 0, got %d", c.Relay.Burst)
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level %q (valid: debug, info, warn, error, fatal)", c.Log.Level)
	}

	if c.OtherItems.CacheSize < 0 {
		return fmt.Errorf("other_items.cache_size must be >= 0, got %d", c.OtherItems.CacheSize)
	}
	if c.OtherItems.CacheSize == 0 {
		c.OtherItems.CacheSize = 256
	}

	return nil
}

// ApplyEnv overrides settings from environment variables read through getenv.
// Call Validate afterwards.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvServerURL); v != "" {
		c.Server.URL = v
	}
	if v := getenv(EnvAPIURL); v != "" {
		c.Server.APIURL = v
	}
	if v := getenv(EnvRedisURL); v != "" {
		c.Queue.RedisURL = v
		c.Relay.RedisURL = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// ConnSettings converts the connection section for the connection manager.
func (c *Config) ConnSettings() conn.Settings {
	s := conn.DefaultSettings(c.Server.URL)
	s.ConnectTimeout = c.Connection.ConnectTimeout
	s.ReconnectDebounce = c.Connection.ReconnectDebounce
	s.ReconnectInitialInterval = c.Connection.ReconnectInitialInterval
	s.ReconnectMaxInterval = c.Connection.ReconnectMaxInterval
	s.ReconnectDelay = c.Connection.ReconnectDelay
	s.PingInterval = c.Connection.PingInterval
	s.WriteTimeout = c.Connection.WriteTimeout
	s.BatchInterval = c.Batcher.Interval
	return s
}

// RelaySettings converts the relay section for the relay server.
func (c *Config) RelaySettings() relay.Settings {
	s := relay.DefaultSettings()
	s.RateLimit = c.Relay.RateLimit
	s.Burst = c.Relay.Burst
	s.WriteTimeout = c.Connection.WriteTimeout
	s.PingInterval = c.Connection.PingInterval
	return s
}

// Load reads and validates kinopio-sync.yml from the specified path,
// applying environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	config.ApplyEnv(os.Getenv)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// LoadOrDefault loads path, falling back to defaults plus environment
// overrides when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	config, err := Load(path)
	if err == nil {
		return config, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	config = &Config{Version: "1.0"}
	config.ApplyEnv(os.Getenv)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("invalid %s %q: missing host", field, raw)
			}
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q: scheme must be one of %v", field, raw, schemes)
}
