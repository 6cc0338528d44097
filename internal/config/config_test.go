package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultHasAllAgentKinds(t *testing.T) {
	cfg := Default()
	for _, kind := range []string{"sensor", "analyzer", "remediator", "communicator", "network"} {
		ac, err := cfg.Agent(kind)
		if err != nil {
			t.Errorf("Agent(%q) error: %v", kind, err)
			continue
		}
		if ac.CheckInterval <= 0 {
			t.Errorf("Agent(%q) check interval = %v, want > 0", kind, ac.CheckInterval)
		}
	}
}

func TestAgentUnknownKind(t *testing.T) {
	cfg := Default()
	_, err := cfg.Agent("imaginary")
	if err == nil {
		t.Fatal("expected error for unknown agent kind")
	}
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T, want *ConfigurationError", err)
	}
	if cerr.Kind != "imaginary" {
		t.Errorf("error kind = %q, want %q", cerr.Kind, "imaginary")
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostsentry.yaml")
	data := `
agents:
  sensor:
    name: SensorAgent
    check_interval: 2s
    enabled: true
thresholds:
  cpu_critical: 80
bus:
  queue_size: 50
log_level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	ac, err := cfg.Agent("sensor")
	if err != nil {
		t.Fatalf("Agent(sensor): %v", err)
	}
	if got := ac.CheckInterval.Std(); got != 2*time.Second {
		t.Errorf("sensor interval = %v, want 2s", got)
	}
	if cfg.Thresholds.CPUCritical != 80 {
		t.Errorf("cpu critical = %v, want 80", cfg.Thresholds.CPUCritical)
	}
	if cfg.Bus.QueueSize != 50 {
		t.Errorf("queue size = %d, want 50", cfg.Bus.QueueSize)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want debug", cfg.LogLevel)
	}
	// Untouched fields keep defaults.
	if cfg.Thresholds.MemCritical != 95 {
		t.Errorf("mem critical = %v, want default 95", cfg.Thresholds.MemCritical)
	}
}

func TestLoadDurationAsSeconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	data := `
agents:
  sensor:
    check_interval: 0.5
    enabled: true
  network:
    check_interval: 30
    enabled: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ac, err := cfg.Agent("sensor")
	if err != nil {
		t.Fatalf("Agent(sensor): %v", err)
	}
	if got := ac.CheckInterval.Std(); got != 500*time.Millisecond {
		t.Errorf("sensor interval = %v, want 500ms", got)
	}
	nc, err := cfg.Agent("network")
	if err != nil {
		t.Fatalf("Agent(network): %v", err)
	}
	if got := nc.CheckInterval.Std(); got != 30*time.Second {
		t.Errorf("network interval = %v, want 30s", got)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HOSTSENTRY_DECISION_PROVIDER", "anthropic")
	t.Setenv("HOSTSENTRY_WEB_ADDR", "0.0.0.0:9999")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Decision.Provider != "anthropic" {
		t.Errorf("provider = %q, want anthropic", cfg.Decision.Provider)
	}
	if cfg.Web.Addr != "0.0.0.0:9999" {
		t.Errorf("web addr = %q, want 0.0.0.0:9999", cfg.Web.Addr)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/hostsentry.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte("agents:\n  sensor:\n    check_interval: banana\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}
