// Package config provides configuration parsing and validation for the
// udpgw server: a YAML file overlaid by CLI flags, with defaults matching
// the reference implementation.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	ListenAddr               string        `yaml:"listen_addr"`
	MaxClients               int           `yaml:"max_clients"`
	MaxConnectionsForClient  int           `yaml:"max_connections_for_client"`
	ClientTimeout            time.Duration `yaml:"client_timeout"` // 0 = no idle timeout
	UDPTimeout               time.Duration `yaml:"udp_timeout"`
	TCPBuffer                int           `yaml:"tcp_buffer"` // bytes, 0 = OS default
	UDPBuffer                int           `yaml:"udp_buffer"` // bytes, 0 = OS default
	TCPNoDelay               bool          `yaml:"tcp_nodelay"`
	TCPKeepalive             bool          `yaml:"tcp_keepalive"`
	UDPRateLimit             int64         `yaml:"udp_rate_limit"` // bytes/sec per PortForward, 0 = unlimited
	LogLevel                 string        `yaml:"loglevel"`
	LogFormat                string        `yaml:"log_format"`
	StatsInterval            time.Duration `yaml:"stats_interval"` // 0 = disabled
	MetricsAddr              string        `yaml:"metrics_addr"`   // "" = disabled
}

// Default returns a Config with the reference implementation's defaults.
func Default() *Config {
	return &Config{
		ListenAddr:              "127.0.0.1:7300",
		MaxClients:              1000,
		MaxConnectionsForClient: 10,
		ClientTimeout:           300 * time.Second,
		UDPTimeout:              30 * time.Second,
		TCPBuffer:               256 * 1024,
		UDPBuffer:               128 * 1024,
		TCPNoDelay:              true,
		TCPKeepalive:            true,
		UDPRateLimit:            0,
		LogLevel:                "info",
		LogFormat:               "text",
		StatsInterval:           0,
		MetricsAddr:             "",
	}
}

// Load reads and parses a YAML configuration file, applying it on top of
// Default(). An empty path or a file that doesn't exist is not an error —
// Default() alone is returned, after validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for internally-inconsistent or
// out-of-range values before the server starts.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if c.MaxClients < 0 {
		return fmt.Errorf("max_clients must be >= 0, got %d", c.MaxClients)
	}
	if c.MaxConnectionsForClient < 0 {
		return fmt.Errorf("max_connections_for_client must be >= 0, got %d", c.MaxConnectionsForClient)
	}
	if c.ClientTimeout < 0 {
		return fmt.Errorf("client_timeout must be >= 0, got %s", c.ClientTimeout)
	}
	if c.UDPTimeout <= 0 {
		return fmt.Errorf("udp_timeout must be > 0, got %s", c.UDPTimeout)
	}
	if c.TCPBuffer < 0 || c.UDPBuffer < 0 {
		return fmt.Errorf("tcp_buffer and udp_buffer must be >= 0")
	}
	if c.UDPRateLimit < 0 {
		return fmt.Errorf("udp_rate_limit must be >= 0, got %d", c.UDPRateLimit)
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid loglevel %q", c.LogLevel)
	}
	if !isValidLogFormat(c.LogFormat) {
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("stats_interval must be >= 0, got %s", c.StatsInterval)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			return fmt.Errorf("metrics_addr: %w", err)
		}
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warning", "warn", "error", "none":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	default:
		return false
	}
}
