package agent

import (
	"context"
	"testing"
	"time"

	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/decision"
)

func TestTrendOf(t *testing.T) {
	base := time.Now()
	mk := func(values ...float64) []sample {
		out := make([]sample, len(values))
		for i, v := range values {
			out[i] = sample{at: base.Add(time.Duration(i) * time.Second), value: v}
		}
		return out
	}

	tests := []struct {
		name          string
		window        []sample
		wantOK        bool
		wantDirection string
	}{
		{"too few samples", mk(1, 2), false, ""},
		{"rising", mk(10, 20, 30, 40), true, "rising"},
		{"falling", mk(40, 30, 20, 10), true, "falling"},
		{"flat", mk(50, 50, 50, 50), true, "flat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := trendOf("cpu_percent", tt.window)
			if ok != tt.wantOK {
				t.Fatalf("trendOf() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Direction != tt.wantDirection {
				t.Errorf("Direction = %q, want %q", got.Direction, tt.wantDirection)
			}
			if got.Window != len(tt.window) {
				t.Errorf("Window = %d, want %d", got.Window, len(tt.window))
			}
			if got.Current != tt.window[len(tt.window)-1].value {
				t.Errorf("Current = %v, want %v", got.Current, tt.window[len(tt.window)-1].value)
			}
		})
	}
}

func TestTrendOfSlope(t *testing.T) {
	base := time.Now()
	// 10 units per second, exactly.
	w := []sample{
		{at: base, value: 0},
		{at: base.Add(time.Second), value: 10},
		{at: base.Add(2 * time.Second), value: 20},
	}
	got, ok := trendOf("load1", w)
	if !ok {
		t.Fatal("trendOf() ok = false, want true")
	}
	if got.Slope < 9.99 || got.Slope > 10.01 {
		t.Errorf("Slope = %v, want ~10", got.Slope)
	}
}

func TestAnalyzerWindowBounded(t *testing.T) {
	a, err := NewAnalyzer(testConfig(time.Hour), testBus(t), nil)
	if err != nil {
		t.Fatalf("NewAnalyzer() error = %v", err)
	}

	for i := 0; i < trendWindow+10; i++ {
		snap := bus.MetricSnapshot{
			Timestamp:  time.Now().Add(time.Duration(i) * time.Second),
			CPUPercent: float64(i),
		}
		if err := a.ingest(context.Background(), bus.NewMessage("sensor", bus.TypeMetricData, bus.PriorityNormal, snap)); err != nil {
			t.Fatalf("ingest() error = %v", err)
		}
	}

	a.mu.Lock()
	got := len(a.windows["cpu_percent"])
	a.mu.Unlock()
	if got != trendWindow {
		t.Errorf("window length = %d, want %d", got, trendWindow)
	}
}

func TestAnalyzerIngestRejectsWrongPayload(t *testing.T) {
	a, err := NewAnalyzer(testConfig(time.Hour), testBus(t), nil)
	if err != nil {
		t.Fatalf("NewAnalyzer() error = %v", err)
	}
	msg := bus.NewMessage("sensor", bus.TypeMetricData, bus.PriorityNormal, "not a snapshot")
	if err := a.ingest(context.Background(), msg); err == nil {
		t.Error("ingest() with string payload: want error, got nil")
	}
}

func TestAnalyzerEmitsTrendsAndRemediation(t *testing.T) {
	b := testBus(t)
	a, err := NewAnalyzer(testConfig(time.Hour), b, nil)
	if err != nil {
		t.Fatalf("NewAnalyzer() error = %v", err)
	}
	ctx := context.Background()

	trends := make(chan bus.TrendPayload, 16)
	b.Subscribe(bus.TypeTrendAnalysis, func(_ context.Context, msg bus.Message) error {
		if p, ok := msg.Payload.(bus.TrendPayload); ok {
			trends <- p
		}
		return nil
	})
	requests := make(chan bus.RemediationRequestPayload, 16)
	b.Subscribe(bus.TypeRemediationRequest, func(_ context.Context, msg bus.Message) error {
		if p, ok := msg.Payload.(bus.RemediationRequestPayload); ok {
			requests <- p
		}
		return nil
	})

	// CPU beyond the critical threshold, rising.
	base := time.Now()
	for i := 0; i < 5; i++ {
		snap := bus.MetricSnapshot{
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			CPUPercent: 91 + float64(i),
		}
		if err := a.ingest(ctx, bus.NewMessage("sensor", bus.TypeMetricData, bus.PriorityNormal, snap)); err != nil {
			t.Fatalf("ingest() error = %v", err)
		}
	}

	if err := a.analyze(ctx); err != nil {
		t.Fatalf("analyze() error = %v", err)
	}

	select {
	case tr := <-trends:
		if tr.Metric != "cpu_percent" {
			t.Errorf("trend Metric = %q, want %q", tr.Metric, "cpu_percent")
		}
		if tr.Direction != "rising" {
			t.Errorf("trend Direction = %q, want %q", tr.Direction, "rising")
		}
	default:
		t.Fatal("no trend published")
	}

	select {
	case req := <-requests:
		if req.Issue == "" {
			t.Error("remediation request has empty issue")
		}
		if len(req.Actions) == 0 {
			t.Error("remediation request has no suggested actions")
		}
	default:
		t.Fatal("no remediation request for critical cpu")
	}
}

func TestAnalyzerQuietWithoutData(t *testing.T) {
	b := testBus(t)
	a, err := NewAnalyzer(testConfig(time.Hour), b, nil)
	if err != nil {
		t.Fatalf("NewAnalyzer() error = %v", err)
	}

	published := make(chan bus.Message, 16)
	b.Subscribe(bus.TypeTrendAnalysis, func(_ context.Context, msg bus.Message) error {
		published <- msg
		return nil
	})
	b.Subscribe(bus.TypeRemediationRequest, func(_ context.Context, msg bus.Message) error {
		published <- msg
		return nil
	})

	if err := a.analyze(context.Background()); err != nil {
		t.Fatalf("analyze() error = %v", err)
	}
	select {
	case msg := <-published:
		t.Errorf("unexpected %s message before any metric data", msg.Type)
	default:
	}
}

type erroringProvider struct{ kind decision.ErrorKind }

func (p erroringProvider) Analyze(context.Context, bus.MetricSnapshot, string) (decision.Decision, error) {
	return decision.Decision{}, &decision.Error{Kind: p.kind, Provider: "test"}
}

func (p erroringProvider) Recommend(context.Context, string, bus.MetricSnapshot, []string) (decision.Decision, error) {
	return decision.Decision{}, &decision.Error{Kind: p.kind, Provider: "test"}
}

func TestAnalyzerFallsBackOnProviderFailure(t *testing.T) {
	b := testBus(t)
	a, err := NewAnalyzer(testConfig(time.Hour), b, erroringProvider{kind: decision.KindQuotaExceeded})
	if err != nil {
		t.Fatalf("NewAnalyzer() error = %v", err)
	}
	ctx := context.Background()

	snap := bus.MetricSnapshot{Timestamp: time.Now(), CPUPercent: 96}
	d, err := a.decide(ctx, snap, "cpu rising")
	if err != nil {
		t.Fatalf("decide() error = %v", err)
	}
	if d.Metadata["source"] != "fallback" {
		t.Errorf("decision source = %v, want fallback", d.Metadata["source"])
	}

	issues := a.Stats().Issues
	if len(issues) != 1 {
		t.Fatalf("len(Issues) = %d, want 1 after quota exhaustion", len(issues))
	}
}
