package agent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hostsentry/hostsentry/internal/bus"
)

func newTestCommunicator(t *testing.T, b *bus.Bus) *Communicator {
	t.Helper()
	c, err := NewCommunicator(testConfig(time.Hour), b, nil)
	if err != nil {
		t.Fatalf("NewCommunicator() error = %v", err)
	}
	return c
}

func TestCommunicatorRoutesAlert(t *testing.T) {
	c := newTestCommunicator(t, testBus(t))

	msg := bus.NewMessage("sensor", bus.TypeAlert, bus.PriorityCritical, bus.AlertPayload{
		Source:   "SensorAgent",
		Metric:   "cpu_percent",
		Value:    97,
		Limit:    90,
		Severity: "critical",
		Detail:   "cpu_percent at 97.0 exceeds critical limit 90.0",
	})
	if err := c.handleAlert(context.Background(), msg); err != nil {
		t.Fatalf("handleAlert() error = %v", err)
	}

	ns := c.Notifications(0)
	if len(ns) != 1 {
		t.Fatalf("len(Notifications) = %d, want 1", len(ns))
	}
	if ns[0].Kind != "alert" || ns[0].Severity != "critical" {
		t.Errorf("notification = %+v, want alert/critical", ns[0])
	}
}

func TestCommunicatorIgnoresHealthyReports(t *testing.T) {
	c := newTestCommunicator(t, testBus(t))
	ctx := context.Background()

	healthy := bus.NewMessage("analyzer", bus.TypeHealthCheck, bus.PriorityNormal,
		bus.HealthPayload{Agent: "AnalyzerAgent", Health: HealthHealthy, Running: true})
	degraded := bus.NewMessage("network", bus.TypeHealthCheck, bus.PriorityNormal,
		bus.HealthPayload{Agent: "NetworkAgent", Health: HealthWarning, Running: true, ErrorRate: 0.4})

	if err := c.handleHealth(ctx, healthy); err != nil {
		t.Fatalf("handleHealth(healthy) error = %v", err)
	}
	if err := c.handleHealth(ctx, degraded); err != nil {
		t.Fatalf("handleHealth(degraded) error = %v", err)
	}

	ns := c.Notifications(0)
	if len(ns) != 1 {
		t.Fatalf("len(Notifications) = %d, want 1", len(ns))
	}
	if ns[0].Source != "NetworkAgent" {
		t.Errorf("notification Source = %q, want NetworkAgent", ns[0].Source)
	}
}

func TestCommunicatorNotificationLogBounded(t *testing.T) {
	c := newTestCommunicator(t, testBus(t))
	ctx := context.Background()

	for i := 0; i < maxNotifications+20; i++ {
		msg := bus.NewMessage("sensor", bus.TypeAlert, bus.PriorityHigh, bus.AlertPayload{
			Source: "SensorAgent", Metric: "cpu_percent", Severity: "warning",
			Detail: fmt.Sprintf("breach %d", i),
		})
		if err := c.handleAlert(ctx, msg); err != nil {
			t.Fatalf("handleAlert() error = %v", err)
		}
	}

	ns := c.Notifications(0)
	if len(ns) != maxNotifications {
		t.Fatalf("len(Notifications) = %d, want %d", len(ns), maxNotifications)
	}
	if got, want := ns[len(ns)-1].Text, fmt.Sprintf("breach %d", maxNotifications+19); got != want {
		t.Errorf("newest notification = %q, want %q", got, want)
	}
}

func TestCommunicatorDigest(t *testing.T) {
	b := testBus(t)
	c := newTestCommunicator(t, b)
	ctx := context.Background()

	notes := make(chan bus.CoordinationPayload, 4)
	b.Subscribe(bus.TypeCoordination, func(_ context.Context, msg bus.Message) error {
		if p, ok := msg.Payload.(bus.CoordinationPayload); ok {
			notes <- p
		}
		return nil
	})

	// Quiet cycle publishes nothing.
	if err := c.digest(ctx); err != nil {
		t.Fatalf("digest() error = %v", err)
	}
	select {
	case p := <-notes:
		t.Errorf("unexpected digest %q on a quiet cycle", p.Info)
	default:
	}

	msg := bus.NewMessage("sensor", bus.TypeAlert, bus.PriorityHigh, bus.AlertPayload{
		Source: "SensorAgent", Metric: "mem_percent", Severity: "warning",
	})
	if err := c.handleAlert(ctx, msg); err != nil {
		t.Fatalf("handleAlert() error = %v", err)
	}
	if err := c.digest(ctx); err != nil {
		t.Fatalf("digest() error = %v", err)
	}
	select {
	case <-notes:
	default:
		t.Fatal("no digest after routed notification")
	}
}
