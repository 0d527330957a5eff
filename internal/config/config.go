package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the config file.
const (
	EnvHost           = "TABRELAY_HOST"
	EnvPort           = "TABRELAY_PORT"
	EnvRequestTimeout = "TABRELAY_REQUEST_TIMEOUT"
	EnvPingInterval   = "TABRELAY_PING_INTERVAL"
	EnvAllowRemote    = "TABRELAY_ALLOW_REMOTE"
	EnvAuthToken      = "TABRELAY_AUTH_TOKEN"
	EnvLogLevel       = "TABRELAY_LOG_LEVEL"
	EnvLogFormat      = "TABRELAY_LOG_FORMAT"
	EnvLogFile        = "TABRELAY_LOG_FILE"
)

// DefaultPort is the relay's well-known listener port.
const DefaultPort = 9988

// Config is the relay process configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RequestTimeout is the ceiling for a forwarded command's response.
	// Zero disables it.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// PingInterval is the WebSocket keepalive period; zero disables pings.
	PingInterval time.Duration `yaml:"ping_interval"`

	// AllowRemote admits non-loopback peers.
	AllowRemote bool `yaml:"allow_remote"`

	// AuthToken, when set, is required on /cdp and /json requests.
	AuthToken string `yaml:"auth_token"`

	Log LogConfig `yaml:"log"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           DefaultPort,
		RequestTimeout: 30 * time.Second,
		PingInterval:   5 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromBytes loads configuration from YAML bytes with environment variable
// expansion. Keys missing from data keep their defaults.
func LoadFromBytes(data []byte) (Config, error) {
	c := Default()
	if err := c.Merge(data); err != nil {
		return c, err
	}
	return c, nil
}

// LoadFile overlays the YAML file at path onto base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config: %w", err)
	}
	c := base
	if err := c.Merge(data); err != nil {
		return base, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Merge overlays YAML data onto c.
func (c *Config) Merge(data []byte) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv applies TABRELAY_* environment overrides.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvHost); v != "" {
		c.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Port = port
	}
	if v := os.Getenv(EnvRequestTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRequestTimeout, err)
		}
		c.RequestTimeout = d
	}
	if v := os.Getenv(EnvPingInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPingInterval, err)
		}
		c.PingInterval = d
	}
	if v := os.Getenv(EnvAllowRemote); v != "" {
		c.AllowRemote = parseBool(v, c.AllowRemote)
	}
	if v := os.Getenv(EnvAuthToken); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv(EnvLogFile); v != "" {
		c.Log.File = v
	}
	return nil
}

// Validate checks values the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, errors.New("request_timeout must not be negative"))
	}
	if c.PingInterval < 0 {
		errs = append(errs, errors.New("ping_interval must not be negative"))
	}
	if !c.AllowRemote && !IsLoopbackHost(c.Host) {
		errs = append(errs, fmt.Errorf("host %s is not loopback; set allow_remote to listen on it", c.Host))
	}
	return errors.Join(errs...)
}

// CommandTimeout converts RequestTimeout to the relay's convention, where
// zero selects the default and a negative value disables the ceiling.
func (c Config) CommandTimeout() time.Duration {
	if c.RequestTimeout == 0 {
		return -1
	}
	return c.RequestTimeout
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsLoopbackHost reports whether host names the local machine.
func IsLoopbackHost(host string) bool {
	h := strings.ToLower(strings.Trim(strings.TrimSpace(host), "[]"))
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

// parseBool parses a string as boolean with a default value.
// Accepts: "true", "1", "yes" as true; empty or other values return default.
func parseBool(s string, defaultVal bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return defaultVal
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}
