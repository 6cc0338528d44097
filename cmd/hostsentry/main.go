// Command hostsentry runs the monitoring daemon: the message bus, the agent
// fleet under orchestrator supervision, the persistence sink, and the
// introspection web server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/decision"
	"github.com/hostsentry/hostsentry/internal/events"
	"github.com/hostsentry/hostsentry/internal/orchestrator"
	"github.com/hostsentry/hostsentry/internal/otel"
	"github.com/hostsentry/hostsentry/internal/store"
	"github.com/hostsentry/hostsentry/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	webAddr := flag.String("web-addr", "", "Override web listen address")
	noWeb := flag.Bool("no-web", false, "Disable the introspection web server")
	noStore := flag.Bool("no-store", false, "Disable the persistence sink")
	logLevel := flag.String("log-level", "", "Override log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *webAddr != "" {
		cfg.Web.Addr = *webAddr
	}
	if *noWeb {
		cfg.Web.Enabled = false
	}
	if *noStore {
		cfg.Store.Enabled = false
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	root := events.NewRootLogger(os.Stderr, cfg.LogLevel)
	hostname, _ := os.Hostname()
	events.SetGlobalEventLogger(events.NewEventLogger(hostname))

	ctx := context.Background()

	metrics, err := otel.NewMetrics(ctx, otel.MetricsConfig{
		Enabled:        cfg.Telemetry.MetricsEnabled,
		Exporter:       otel.ExporterType(cfg.Telemetry.Exporter),
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    "hostsentry",
		ExportInterval: 15 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	otel.SetGlobalMetrics(metrics)

	tracer, err := otel.NewTracer(ctx, otel.TracerConfig{
		Enabled:     cfg.Telemetry.TracesEnabled,
		Exporter:    otel.ExporterType(cfg.Telemetry.Exporter),
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		SampleRate:  1.0,
		ServiceName: "hostsentry",
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	otel.SetGlobalTracer(tracer)

	var st *store.Store
	if cfg.Store.Enabled {
		st, err = store.Open(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
	}

	provider, err := decision.NewFromConfig(cfg.Decision, cfg.Thresholds)
	if err != nil {
		return fmt.Errorf("decision provider: %w", err)
	}

	b := bus.New(bus.Options{
		QueueSize:     cfg.Bus.QueueSize,
		HistorySize:   cfg.Bus.HistorySize,
		SweepInterval: cfg.Bus.SweepInterval.Std(),
		Logger:        root,
		Metrics:       otel.NewBusMetrics(metrics),
	})

	orch := orchestrator.New(cfg, b, provider, st, orchestrator.Options{})
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	var srv *web.Server
	if cfg.Web.Enabled {
		srv = web.NewServer(cfg.Web.Addr, orch, st, root)
		if err := srv.Start(); err != nil {
			orch.Stop()
			return fmt.Errorf("start web server: %w", err)
		}
		fmt.Printf("hostsentry listening on http://%s\n", srv.Addr())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during web shutdown: %v\n", err)
		}
	}
	orch.Stop()
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during tracer shutdown: %v\n", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during metrics shutdown: %v\n", err)
	}
	fmt.Println("hostsentry stopped")
	return nil
}
