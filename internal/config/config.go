// Package config manages vmrouterd configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the environment variable namespace: VMROUTER_LOG_LEVEL
// maps to log.level, and so on.
const envPrefix = "VMROUTER_"

// Validation errors.
var (
	// ErrHalfConfigured indicates exactly one of the two listener
	// paths was given; the router needs both or neither (socket
	// activation).
	ErrHalfConfigured = errors.New("driver and app listen paths must be configured together")

	// ErrInvalidLogLevel indicates an unrecognized log level string.
	ErrInvalidLogLevel = errors.New("invalid log level")
)

// Config holds the complete vmrouterd configuration.
type Config struct {
	Listen  ListenConfig  `koanf:"listen"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// ListenConfig selects where the two listeners come from. Both paths
// empty means the listeners are inherited from the supervisor via
// socket activation.
type ListenConfig struct {
	// DriverPath is the unix socket path for the single driver VM.
	DriverPath string `koanf:"driver_path"`

	// AppPath is the unix socket path app VMs connect to.
	AppPath string `koanf:"app_path"`
}

// SocketActivated reports whether the listeners must be inherited.
func (l ListenConfig) SocketActivated() bool {
	return l.DriverPath == "" && l.AppPath == ""
}

// MetricsConfig holds the Prometheus endpoint configuration. An empty
// Addr disables the endpoint.
type MetricsConfig struct {
	// Addr is the HTTP listen address (e.g., ":9101").
	Addr string `koanf:"addr"`
	// Path is the URL path (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the output format: "json" or "text".
	Format string `koanf:"format"`
}

// DefaultConfig returns a Config populated with defaults: no explicit
// listener paths (socket activation), metrics disabled, info-level
// text logs.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML
// file at path (if any), then VMROUTER_* environment variables.
// Unmarshalling into the default-populated struct leaves any key the
// sources do not mention at its default.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	cfg := DefaultConfig()

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %q: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envTransform maps VMROUTER_LOG_LEVEL to log.level.
func envTransform(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if (c.Listen.DriverPath == "") != (c.Listen.AppPath == "") {
		return ErrHalfConfigured
	}
	if _, err := parseLogLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLogLevel maps a level string to its slog level, defaulting to
// info for anything unrecognized.
func ParseLogLevel(s string) slog.Level {
	l, err := parseLogLevel(s)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%q: %w", s, ErrInvalidLogLevel)
}
