// ABOUTME: Configuration loading and parsing for pulse-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pulse-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the HTTP listener address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret"`
	HandshakeTimeout time.Duration `yaml:"-"`

	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
}

// HeartbeatConfig holds connection probe timing. Timeout must comfortably
// exceed cold-start latency in the deployment environment or legitimate
// connections get reaped during slow startups.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"-"`
	Timeout  time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
	TimeoutRaw  string `yaml:"timeout"`
}

// RecoveryConfig holds the undelivered-event buffer settings. Path, when
// set, enables a SQLite journal so buffered events survive a restart.
type RecoveryConfig struct {
	TTL           time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`
	MaxPerUser    int           `yaml:"max_per_user"`
	Path          string        `yaml:"path"`

	TTLRaw           string `yaml:"ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// DeliveryConfig holds per-connection outbound queue settings
type DeliveryConfig struct {
	OutboundQueueSize int `yaml:"outbound_queue_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied by Load for fields left unset.
const (
	DefaultHandshakeTimeout  = 5 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 45 * time.Second
	DefaultRecoveryTTL       = 5 * time.Minute
	DefaultSweepInterval     = 30 * time.Second
	DefaultMaxPerUser        = 1000
	DefaultOutboundQueueSize = 64
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, suitable for
// tests and embedded use.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{HTTPAddr: "localhost:8080"},
	}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Auth.HandshakeTimeout == 0 {
		c.Auth.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = DefaultHeartbeatInterval
	}
	if c.Heartbeat.Timeout == 0 {
		c.Heartbeat.Timeout = DefaultHeartbeatTimeout
	}
	if c.Recovery.TTL == 0 {
		c.Recovery.TTL = DefaultRecoveryTTL
	}
	if c.Recovery.SweepInterval == 0 {
		c.Recovery.SweepInterval = DefaultSweepInterval
	}
	if c.Recovery.MaxPerUser == 0 {
		c.Recovery.MaxPerUser = DefaultMaxPerUser
	}
	if c.Delivery.OutboundQueueSize == 0 {
		c.Delivery.OutboundQueueSize = DefaultOutboundQueueSize
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Heartbeat.Timeout <= c.Heartbeat.Interval {
		return fmt.Errorf("heartbeat.timeout (%s) must exceed heartbeat.interval (%s)",
			c.Heartbeat.Timeout, c.Heartbeat.Interval)
	}
	if c.Recovery.TTL <= 0 {
		return fmt.Errorf("recovery.ttl must be positive")
	}
	if c.Delivery.OutboundQueueSize < 1 {
		return fmt.Errorf("delivery.outbound_queue_size must be at least 1")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Auth.HandshakeTimeoutRaw, &cfg.Auth.HandshakeTimeout, "auth.handshake_timeout"},
		{cfg.Heartbeat.IntervalRaw, &cfg.Heartbeat.Interval, "heartbeat.interval"},
		{cfg.Heartbeat.TimeoutRaw, &cfg.Heartbeat.Timeout, "heartbeat.timeout"},
		{cfg.Recovery.TTLRaw, &cfg.Recovery.TTL, "recovery.ttl"},
		{cfg.Recovery.SweepIntervalRaw, &cfg.Recovery.SweepInterval, "recovery.sweep_interval"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
