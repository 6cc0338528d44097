// Package otel provides OpenTelemetry metrics and tracing for hostsentry.
package otel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ExporterType identifies a metrics exporter backend.
type ExporterType string

const (
	ExporterStdout   ExporterType = "stdout"
	ExporterOTLPGRPC ExporterType = "otlp-grpc"
	ExporterOTLPHTTP ExporterType = "otlp-http"
	ExporterNone     ExporterType = "none"
)

// MetricsConfig configures the metrics pipeline.
type MetricsConfig struct {
	Enabled        bool
	Exporter       ExporterType
	Endpoint       string
	Insecure       bool
	ExportInterval time.Duration
	ServiceName    string
	ServiceVersion string
}

// DefaultMetricsConfig returns a stdout pipeline suitable for development.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:        false,
		Exporter:       ExporterStdout,
		ExportInterval: 15 * time.Second,
		ServiceName:    "hostsentry",
		ServiceVersion: "dev",
	}
}

// Metrics holds the meter provider and the instruments hostsentry records.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	messagesPublished metric.Int64Counter
	messagesDropped   metric.Int64Counter
	handlerFailures   metric.Int64Counter
	checkLatency      metric.Float64Histogram
	checkErrors       metric.Int64Counter
	agentRestarts     metric.Int64Counter
	healthyAgents     metric.Int64ObservableGauge

	healthyCount atomic.Int64
}

// NewMetrics builds the metrics pipeline. When cfg.Enabled is false the
// returned Metrics records nothing and Shutdown is a no-op.
func NewMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled || cfg.Exporter == ExporterNone {
		return &Metrics{}, nil
	}

	exporter, err := createMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval))),
	)

	m := &Metrics{
		provider: provider,
		meter:    provider.Meter("hostsentry"),
	}
	if err := m.registerInstruments(); err != nil {
		_ = provider.Shutdown(ctx)
		return nil, err
	}
	return m, nil
}

func createMetricExporter(ctx context.Context, cfg MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(cfg.Endpoint),
		}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", cfg.Exporter)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.messagesPublished, err = m.meter.Int64Counter(
		"hostsentry.bus.messages_published",
		metric.WithDescription("Messages accepted onto the bus"),
	)
	if err != nil {
		return fmt.Errorf("create messages_published counter: %w", err)
	}

	m.messagesDropped, err = m.meter.Int64Counter(
		"hostsentry.bus.messages_dropped",
		metric.WithDescription("Messages dropped because a priority queue was full"),
	)
	if err != nil {
		return fmt.Errorf("create messages_dropped counter: %w", err)
	}

	m.handlerFailures, err = m.meter.Int64Counter(
		"hostsentry.bus.handler_failures",
		metric.WithDescription("Subscriber handlers that returned an error or panicked"),
	)
	if err != nil {
		return fmt.Errorf("create handler_failures counter: %w", err)
	}

	m.checkLatency, err = m.meter.Float64Histogram(
		"hostsentry.agent.check_duration",
		metric.WithDescription("Duration of a single agent check cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create check_duration histogram: %w", err)
	}

	m.checkErrors, err = m.meter.Int64Counter(
		"hostsentry.agent.check_errors",
		metric.WithDescription("Agent check cycles that ended in error"),
	)
	if err != nil {
		return fmt.Errorf("create check_errors counter: %w", err)
	}

	m.agentRestarts, err = m.meter.Int64Counter(
		"hostsentry.agent.restarts",
		metric.WithDescription("Agents restarted by the orchestrator"),
	)
	if err != nil {
		return fmt.Errorf("create restarts counter: %w", err)
	}

	m.healthyAgents, err = m.meter.Int64ObservableGauge(
		"hostsentry.agents.healthy",
		metric.WithDescription("Number of agents currently reporting healthy"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.healthyCount.Load())
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("create healthy gauge: %w", err)
	}

	return nil
}

// RecordMessagePublished counts a message placed on the bus.
func (m *Metrics) RecordMessagePublished(ctx context.Context, msgType string, priority int) {
	if m.messagesPublished == nil {
		return
	}
	m.messagesPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message.type", msgType),
		attribute.Int("message.priority", priority),
	))
}

// RecordMessageDropped counts a message rejected by a full queue.
func (m *Metrics) RecordMessageDropped(ctx context.Context, msgType string, priority int) {
	if m.messagesDropped == nil {
		return
	}
	m.messagesDropped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message.type", msgType),
		attribute.Int("message.priority", priority),
	))
}

// RecordHandlerFailure counts a subscriber handler error.
func (m *Metrics) RecordHandlerFailure(ctx context.Context, msgType, subscriber string) {
	if m.handlerFailures == nil {
		return
	}
	m.handlerFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message.type", msgType),
		attribute.String("subscriber", subscriber),
	))
}

// RecordCheck records one agent check cycle.
func (m *Metrics) RecordCheck(ctx context.Context, agent string, d time.Duration, err error) {
	if m.checkLatency != nil {
		m.checkLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("agent.name", agent),
		))
	}
	if err != nil && m.checkErrors != nil {
		m.checkErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("agent.name", agent),
		))
	}
}

// RecordRestart counts an orchestrator-initiated agent restart.
func (m *Metrics) RecordRestart(ctx context.Context, agent string) {
	if m.agentRestarts == nil {
		return
	}
	m.agentRestarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent.name", agent),
	))
}

// SetHealthyAgents updates the value reported by the healthy-agents gauge.
func (m *Metrics) SetHealthyAgents(n int) {
	m.healthyCount.Store(int64(n))
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// Global metrics instance, defaulting to a no-op.
var globalMetrics atomic.Pointer[Metrics]

func init() {
	globalMetrics.Store(&Metrics{})
}

// SetGlobalMetrics installs m as the process-wide metrics instance.
func SetGlobalMetrics(m *Metrics) {
	if m != nil {
		globalMetrics.Store(m)
	}
}

// GetGlobalMetrics returns the process-wide metrics instance.
func GetGlobalMetrics() *Metrics {
	return globalMetrics.Load()
}
