package agent

import (
	"context"
	"testing"
	"time"

	"github.com/hostsentry/hostsentry/internal/bus"
)

func newTestSensor(t *testing.T, b *bus.Bus) *Sensor {
	t.Helper()
	s, err := NewSensor(testConfig(time.Hour), b, nil)
	if err != nil {
		t.Fatalf("NewSensor() error = %v", err)
	}
	return s
}

func alertCollector(t *testing.T, b *bus.Bus) chan bus.Message {
	t.Helper()
	alerts := make(chan bus.Message, 16)
	b.Subscribe(bus.TypeAlert, func(_ context.Context, msg bus.Message) error {
		alerts <- msg
		return nil
	})
	return alerts
}

func TestSensorThresholdAlerts(t *testing.T) {
	tests := []struct {
		name         string
		snap         bus.MetricSnapshot
		wantAlerts   int
		wantSeverity string
		wantPriority bus.Priority
	}{
		{
			name:       "all within limits",
			snap:       bus.MetricSnapshot{CPUPercent: 30, MemPercent: 40},
			wantAlerts: 0,
		},
		{
			name:         "cpu warning",
			snap:         bus.MetricSnapshot{CPUPercent: 80},
			wantAlerts:   1,
			wantSeverity: "warning",
			wantPriority: bus.PriorityHigh,
		},
		{
			name:         "cpu critical",
			snap:         bus.MetricSnapshot{CPUPercent: 95},
			wantAlerts:   1,
			wantSeverity: "critical",
			wantPriority: bus.PriorityCritical,
		},
		{
			name:         "disk critical",
			snap:         bus.MetricSnapshot{DiskPercent: map[string]float64{"/": 97}},
			wantAlerts:   1,
			wantSeverity: "critical",
			wantPriority: bus.PriorityCritical,
		},
		{
			name:       "cpu and memory both breach",
			snap:       bus.MetricSnapshot{CPUPercent: 95, MemPercent: 99},
			wantAlerts: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBus(t)
			s := newTestSensor(t, b)
			alerts := alertCollector(t, b)

			s.raiseThresholdAlerts(context.Background(), tt.snap)

			if got := len(alerts); got != tt.wantAlerts {
				t.Fatalf("alerts = %d, want %d", got, tt.wantAlerts)
			}
			if tt.wantAlerts != 1 {
				return
			}
			msg := <-alerts
			alert := msg.Payload.(bus.AlertPayload)
			if alert.Severity != tt.wantSeverity {
				t.Errorf("Severity = %q, want %q", alert.Severity, tt.wantSeverity)
			}
			if msg.Priority != tt.wantPriority {
				t.Errorf("Priority = %v, want %v", msg.Priority, tt.wantPriority)
			}
		})
	}
}

func TestSensorCollectBroadcastsSnapshot(t *testing.T) {
	b := testBus(t)
	s := newTestSensor(t, b)

	snaps := make(chan bus.MetricSnapshot, 4)
	b.Subscribe(bus.TypeMetricData, func(_ context.Context, msg bus.Message) error {
		if p, ok := msg.Payload.(bus.MetricSnapshot); ok {
			snaps <- p
		}
		return nil
	})

	if err := s.collect(context.Background()); err != nil {
		t.Fatalf("collect() error = %v", err)
	}

	select {
	case snap := <-snaps:
		if snap.Timestamp.IsZero() {
			t.Error("snapshot Timestamp is zero")
		}
		if snap.MemTotal == 0 {
			t.Error("snapshot MemTotal = 0, want > 0")
		}
	default:
		t.Fatal("no metric snapshot broadcast")
	}
}
