package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for tunneld.
type Config struct {
	Tunnel     TunnelConfig     `yaml:"tunnel"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// TunnelConfig contains the core reverse-tunnel settings.
type TunnelConfig struct {
	ListenAddress        string `yaml:"listen_address"`
	ControlListenAddress string `yaml:"control_listen_address"`
	Domain               string `yaml:"domain"`
	Secure               bool   `yaml:"secure"`
	MaxTCPSockets        int    `yaml:"max_tcp_sockets"`
	Landing              string `yaml:"landing"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig controls connection-accept rate limiting on the
// control plane's tunnel-creation route — a separate concern from the
// per-tunnel socket cap enforced by SocketPool.
type RateLimitConfig struct {
	Enabled              bool `yaml:"enabled"`
	ConnectionsPerMinute int  `yaml:"connections_per_minute"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// DefaultConfig returns a Config with sensible defaults matching
// localtunnel-server's documented defaults (port 80, address 0.0.0.0,
// max-sockets 10, landing page the upstream localtunnel project).
func DefaultConfig() *Config {
	return &Config{
		Tunnel: TunnelConfig{
			ListenAddress:         "0.0.0.0:80",
			ControlListenAddress:  "0.0.0.0:8080",
			Secure:                false,
			MaxTCPSockets:         10,
			Landing:               "https://localtunnel.github.io/www/",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:              true,
				ConnectionsPerMinute: 60,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides. An
// empty path returns the defaults with env overrides applied.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s (run 'tunneld setup' to create one)", path)
			}
			if os.IsPermission(err) {
				return nil, fmt.Errorf("permission denied reading %s (try running with sudo)", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Tunnel.ListenAddress == "" {
		return fmt.Errorf("tunnel.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Tunnel.ListenAddress); err != nil {
		return fmt.Errorf("tunnel.listen_address is invalid: %w", err)
	}
	if c.Tunnel.ControlListenAddress == "" {
		return fmt.Errorf("tunnel.control_listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Tunnel.ControlListenAddress); err != nil {
		return fmt.Errorf("tunnel.control_listen_address is invalid: %w", err)
	}
	if c.Tunnel.ListenAddress == c.Tunnel.ControlListenAddress {
		return fmt.Errorf("tunnel.listen_address and tunnel.control_listen_address must be different")
	}
	if c.Tunnel.MaxTCPSockets <= 0 {
		return fmt.Errorf("tunnel.max_tcp_sockets must be positive")
	}
	if c.Tunnel.MaxTCPSockets > 1000 {
		return fmt.Errorf("tunnel.max_tcp_sockets must not exceed 1000")
	}
	if c.Tunnel.Landing == "" {
		return fmt.Errorf("tunnel.landing is required")
	}
	if u, err := url.Parse(c.Tunnel.Landing); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("tunnel.landing must use http:// or https:// scheme")
	}

	if c.Security.RateLimit.Enabled && c.Security.RateLimit.ConnectionsPerMinute <= 0 {
		return fmt.Errorf("security.rate_limit.connections_per_minute must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// applyEnvOverrides applies TUNNELD_ prefixed environment variables.
// Convention: TUNNELD_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"TUNNELD_TUNNEL_LISTEN_ADDRESS":         func(v string) { cfg.Tunnel.ListenAddress = v },
		"TUNNELD_TUNNEL_CONTROL_LISTEN_ADDRESS": func(v string) { cfg.Tunnel.ControlListenAddress = v },
		"TUNNELD_TUNNEL_DOMAIN":                 func(v string) { cfg.Tunnel.Domain = v },
		"TUNNELD_TUNNEL_SECURE":                 func(v string) { cfg.Tunnel.Secure = parseBool(v, cfg.Tunnel.Secure) },
		"TUNNELD_TUNNEL_MAX_TCP_SOCKETS":         func(v string) { cfg.Tunnel.MaxTCPSockets = parseInt(v, cfg.Tunnel.MaxTCPSockets) },
		"TUNNELD_TUNNEL_LANDING":                func(v string) { cfg.Tunnel.Landing = v },
		"TUNNELD_SECURITY_RATE_LIMIT_ENABLED":   func(v string) { cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled) },
		"TUNNELD_SECURITY_RATE_LIMIT_CONNECTIONS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.ConnectionsPerMinute = parseInt(v, cfg.Security.RateLimit.ConnectionsPerMinute)
		},
		"TUNNELD_LOGGING_LEVEL":            func(v string) { cfg.Logging.Level = v },
		"TUNNELD_LOGGING_FORMAT":           func(v string) { cfg.Logging.Format = v },
		"TUNNELD_LOGGING_FILE":             func(v string) { cfg.Logging.File = v },
		"TUNNELD_MONITORING_METRICS_ENABLED":  func(v string) { cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled) },
		"TUNNELD_MONITORING_METRICS_ENDPOINT": func(v string) { cfg.Monitoring.MetricsEndpoint = v },
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}
}

// ApplyReloadableFields returns a copy of c with reloadable fields from
// newCfg applied: tunnel.max_tcp_sockets, tunnel.secure, tunnel.landing,
// security.rate_limit and logging.level. Every other field keeps c's value,
// including listen_address and control_listen_address (changing either
// requires rebinding a listener the running process already holds open).
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Tunnel.MaxTCPSockets = newCfg.Tunnel.MaxTCPSockets
	updated.Tunnel.Secure = newCfg.Tunnel.Secure
	updated.Tunnel.Landing = newCfg.Tunnel.Landing
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Logging.Level = newCfg.Logging.Level
	return &updated
}

// IsReloadSafe reports which fields differing between old and new require a
// process restart rather than a hot reload.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Tunnel.ListenAddress != new.Tunnel.ListenAddress {
		warnings = append(warnings, "tunnel.listen_address requires restart")
	}
	if old.Tunnel.ControlListenAddress != new.Tunnel.ControlListenAddress {
		warnings = append(warnings, "tunnel.control_listen_address requires restart")
	}
	if old.Tunnel.Domain != new.Tunnel.Domain {
		warnings = append(warnings, "tunnel.domain requires restart")
	}
	if !reflect.DeepEqual(old.Monitoring, new.Monitoring) {
		warnings = append(warnings, "monitoring requires restart")
	}
	return warnings
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
