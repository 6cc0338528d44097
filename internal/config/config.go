// Package config holds the hostsentry configuration: agent schedules, system
// thresholds, bus sizing, and the settings for the external collaborators
// (decision provider, persistence sink, web interface, telemetry).
//
// Configuration is layered: compiled-in defaults, then an optional YAML file,
// then HOSTSENTRY_* environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ConfigurationError reports a fatal construction-time problem: an agent kind
// with no matching configuration.
type ConfigurationError struct {
	Kind string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no configuration for agent kind %q", e.Kind)
}

// Duration is a time.Duration that unmarshals from YAML either as a Go
// duration string ("45s") or a bare number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// Numeric scalars decode into strings too, so check the tag first.
	if value.Tag == "!!int" || value.Tag == "!!float" {
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration value on line %d", value.Line)
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration value on line %d", value.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// AgentConfig is one agent kind's schedule and limits.
type AgentConfig struct {
	Name                string   `yaml:"name"`
	Description         string   `yaml:"description"`
	CheckInterval       Duration `yaml:"check_interval"`
	Enabled             bool     `yaml:"enabled"`
	MaxConcurrent       int      `yaml:"max_concurrent_actions"`
	EscalationThreshold int      `yaml:"escalation_threshold"`
}

// Thresholds are the system health red lines evaluated by the sensor and
// analyzer agents.
type Thresholds struct {
	CPUWarning   float64 `yaml:"cpu_warning"`
	CPUCritical  float64 `yaml:"cpu_critical"`
	MemWarning   float64 `yaml:"mem_warning"`
	MemCritical  float64 `yaml:"mem_critical"`
	DiskWarning  float64 `yaml:"disk_warning"`
	DiskCritical float64 `yaml:"disk_critical"`
}

// BusConfig sizes the message bus.
type BusConfig struct {
	QueueSize     int      `yaml:"queue_size"`
	HistorySize   int      `yaml:"history_size"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// DecisionConfig selects and configures the decision provider.
type DecisionConfig struct {
	// Provider is one of "none", "openai", "anthropic". The openai provider
	// speaks the OpenAI-compatible surface, which also covers a local Ollama
	// via BaseURL.
	Provider string   `yaml:"provider" env:"HOSTSENTRY_DECISION_PROVIDER"`
	BaseURL  string   `yaml:"base_url" env:"HOSTSENTRY_DECISION_BASE_URL"`
	APIKey   string   `yaml:"api_key" env:"HOSTSENTRY_DECISION_API_KEY"`
	Model    string   `yaml:"model" env:"HOSTSENTRY_DECISION_MODEL"`
	Timeout  Duration `yaml:"timeout"`
}

// StoreConfig configures the append-only persistence sink.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled" env:"HOSTSENTRY_STORE_ENABLED"`
	Path    string `yaml:"path" env:"HOSTSENTRY_STORE_PATH"`
}

// WebConfig configures the introspection HTTP server.
type WebConfig struct {
	Enabled bool   `yaml:"enabled" env:"HOSTSENTRY_WEB_ENABLED"`
	Addr    string `yaml:"addr" env:"HOSTSENTRY_WEB_ADDR"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled" env:"HOSTSENTRY_METRICS_ENABLED"`
	TracesEnabled  bool   `yaml:"traces_enabled" env:"HOSTSENTRY_TRACES_ENABLED"`
	Exporter       string `yaml:"exporter" env:"HOSTSENTRY_OTEL_EXPORTER"` // none, stdout, otlp-grpc, otlp-http
	Endpoint       string `yaml:"endpoint" env:"HOSTSENTRY_OTEL_ENDPOINT"`
	Insecure       bool   `yaml:"insecure" env:"HOSTSENTRY_OTEL_INSECURE"`
}

// HealingConfig governs automated remediation.
type HealingConfig struct {
	Enabled     bool     `yaml:"enabled" env:"HOSTSENTRY_HEALING_ENABLED"`
	Cooldown    Duration `yaml:"cooldown"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// Config is the root configuration object. One instance is constructed per
// process and passed explicitly to every component; there is no global.
type Config struct {
	Agents     map[string]AgentConfig `yaml:"agents"`
	Thresholds Thresholds             `yaml:"thresholds"`
	Bus        BusConfig              `yaml:"bus"`
	Decision   DecisionConfig         `yaml:"decision"`
	Store      StoreConfig            `yaml:"store"`
	Web        WebConfig              `yaml:"web"`
	Telemetry  TelemetryConfig        `yaml:"telemetry"`
	Healing    HealingConfig          `yaml:"healing"`

	DiskPaths  []string `yaml:"disk_paths"`
	Interfaces []string `yaml:"interfaces"`
	LogLevel   string   `yaml:"log_level" env:"HOSTSENTRY_LOG_LEVEL"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Agents: map[string]AgentConfig{
			"sensor": {
				Name:          "SensorAgent",
				Description:   "Collects host metrics",
				CheckInterval: Duration(10 * time.Second),
				Enabled:       true,
				MaxConcurrent: 2,
			},
			"analyzer": {
				Name:          "AnalyzerAgent",
				Description:   "Analyzes metrics and trends",
				CheckInterval: Duration(60 * time.Second),
				Enabled:       true,
				MaxConcurrent: 2,
			},
			"remediator": {
				Name:          "RemediatorAgent",
				Description:   "Performs remediation actions",
				CheckInterval: Duration(60 * time.Second),
				Enabled:       true,
				MaxConcurrent: 2,
			},
			"communicator": {
				Name:          "CommunicatorAgent",
				Description:   "Routes alerts and notifications",
				CheckInterval: Duration(15 * time.Second),
				Enabled:       true,
				MaxConcurrent: 2,
			},
			"network": {
				Name:          "NetworkAgent",
				Description:   "Watches network interfaces",
				CheckInterval: Duration(45 * time.Second),
				Enabled:       true,
				MaxConcurrent: 2,
			},
		},
		Thresholds: Thresholds{
			CPUWarning:   75,
			CPUCritical:  90,
			MemWarning:   85,
			MemCritical:  95,
			DiskWarning:  85,
			DiskCritical: 95,
		},
		Bus: BusConfig{
			QueueSize:     1000,
			HistorySize:   1000,
			SweepInterval: Duration(60 * time.Second),
		},
		Decision: DecisionConfig{
			Provider: "none",
			BaseURL:  "http://localhost:11434/v1",
			Model:    "llama3",
			Timeout:  Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    "data/hostsentry.db",
		},
		Web: WebConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8090",
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
		},
		Healing: HealingConfig{
			Enabled:     true,
			Cooldown:    Duration(60 * time.Second),
			MaxAttempts: 3,
		},
		DiskPaths:  []string{"/"},
		Interfaces: nil, // nil = all interfaces
		LogLevel:   "info",
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty), and environment overrides, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}
	return cfg, nil
}

// Agent returns the configuration for one agent kind, or a ConfigurationError
// when the kind is unknown or has a non-positive check interval.
func (c *Config) Agent(kind string) (AgentConfig, error) {
	ac, ok := c.Agents[kind]
	if !ok || ac.CheckInterval <= 0 {
		return AgentConfig{}, &ConfigurationError{Kind: kind}
	}
	return ac, nil
}
