package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/spectrum-virt/hosttools/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vmrouter.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	want := config.DefaultConfig()
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Listen.SocketActivated() {
		t.Error("default config is not socket-activated")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen:
  driver_path: /run/vmrouter/driver.sock
  app_path: /run/vmrouter/app.sock
metrics:
  addr: ":9101"
log:
  level: debug
  format: json
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Listen.DriverPath != "/run/vmrouter/driver.sock" {
		t.Errorf("DriverPath = %q", cfg.Listen.DriverPath)
	}
	if cfg.Listen.SocketActivated() {
		t.Error("SocketActivated() with explicit paths")
	}
	if cfg.Metrics.Addr != ":9101" {
		t.Errorf("Metrics.Addr = %q", cfg.Metrics.Addr)
	}
	// Unset keys keep their defaults.
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default /metrics", cfg.Metrics.Path)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	t.Setenv("VMROUTER_LOG_LEVEL", "error")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("Log.Level = %q, want env override", cfg.Log.Level)
	}
}

func TestLoadHalfConfiguredListeners(t *testing.T) {
	path := writeConfig(t, "listen:\n  driver_path: /run/only-one.sock\n")

	if _, err := config.Load(path); !errors.Is(err, config.ErrHalfConfigured) {
		t.Errorf("Load() error = %v, want %v", err, config.ErrHalfConfigured)
	}
}

func TestLoadBadLogLevel(t *testing.T) {
	path := writeConfig(t, "log:\n  level: loud\n")

	if _, err := config.Load(path); !errors.Is(err, config.ErrInvalidLogLevel) {
		t.Errorf("Load() error = %v, want %v", err, config.ErrInvalidLogLevel)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := config.ParseLogLevel(tt.in); got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
