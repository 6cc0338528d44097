package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/config"
	"github.com/hostsentry/hostsentry/internal/decision"
)

const (
	// trendWindow is the number of samples the sliding window keeps per
	// metric.
	trendWindow = 20
	// minTrendSamples is the smallest window a slope is computed from.
	minTrendSamples = 3
	// slopeFlatBand is the slope magnitude, in units per second, below which
	// a trend is reported flat.
	slopeFlatBand = 0.001
)

type sample struct {
	at    time.Time
	value float64
}

// Analyzer consumes metric snapshots, maintains sliding windows per metric,
// and publishes trend analyses every cycle. When a situation looks
// concerning it consults the decision provider, falling back to the
// rule-based engine when the provider fails, and emits remediation requests.
type Analyzer struct {
	*Base
	provider decision.Client
	fallback *decision.Fallback

	mu      sync.Mutex
	windows map[string][]sample
	latest  bus.MetricSnapshot
	haveAny bool
}

// NewAnalyzer builds an analyzer agent. provider may be nil; the fallback
// engine is then the only decision source.
func NewAnalyzer(cfg *config.Config, b *bus.Bus, provider decision.Client) (*Analyzer, error) {
	base, err := NewBase("analyzer", cfg, b)
	if err != nil {
		return nil, err
	}
	a := &Analyzer{
		Base:     base,
		provider: provider,
		fallback: decision.NewFallback(cfg.Thresholds),
		windows:  make(map[string][]sample),
	}
	a.SetCheck(a.analyze)
	return a, nil
}

// Start registers the metric-data subscription in addition to the defaults.
func (a *Analyzer) Start(ctx context.Context) error {
	if err := a.Base.Start(ctx); err != nil {
		return err
	}
	a.Subscribe(bus.TypeMetricData, a.ingest)
	return nil
}

// ingest folds one snapshot into the sliding windows.
func (a *Analyzer) ingest(_ context.Context, msg bus.Message) error {
	snap, ok := msg.Payload.(bus.MetricSnapshot)
	if !ok {
		return fmt.Errorf("metric_data payload is %T, want MetricSnapshot", msg.Payload)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.latest = snap
	a.haveAny = true
	a.push("cpu_percent", snap.Timestamp, snap.CPUPercent)
	a.push("mem_percent", snap.Timestamp, snap.MemPercent)
	a.push("load1", snap.Timestamp, snap.Load1)
	for path, pct := range snap.DiskPercent {
		a.push("disk_percent:"+path, snap.Timestamp, pct)
	}
	return nil
}

// push appends to one window, evicting the oldest sample past the bound.
// Caller holds a.mu.
func (a *Analyzer) push(metric string, at time.Time, value float64) {
	w := a.windows[metric]
	if len(w) >= trendWindow {
		w = w[1:]
	}
	a.windows[metric] = append(w, sample{at: at, value: value})
}

// analyze is the periodic cycle: publish trends, then consult the decision
// source about the current situation.
func (a *Analyzer) analyze(ctx context.Context) error {
	a.mu.Lock()
	haveAny := a.haveAny
	latest := a.latest
	metrics := make([]string, 0, len(a.windows))
	for m := range a.windows {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)
	trends := make([]bus.TrendPayload, 0, len(metrics))
	for _, m := range metrics {
		if t, ok := trendOf(m, a.windows[m]); ok {
			trends = append(trends, t)
		}
	}
	a.mu.Unlock()

	if !haveAny {
		return nil
	}

	var rising []string
	for _, t := range trends {
		a.Bus().Broadcast(ctx, a.Name(), bus.TypeTrendAnalysis, bus.PriorityLow, t,
			bus.WithTTL(10*time.Minute))
		if t.Direction == "rising" {
			rising = append(rising, fmt.Sprintf("%s rising at %.4f/s (now %.1f)", t.Metric, t.Slope, t.Current))
		}
	}

	situation := "steady state"
	if len(rising) > 0 {
		situation = strings.Join(rising, "; ")
	}

	d, err := a.decide(ctx, latest, situation)
	if err != nil {
		return fmt.Errorf("analysis decision: %w", err)
	}
	a.actOn(ctx, latest, d)
	return nil
}

// decide asks the provider first and the rule engine on any provider
// failure. Quota exhaustion is remembered as an issue so operators can see
// why analyses degraded.
func (a *Analyzer) decide(ctx context.Context, m bus.MetricSnapshot, situation string) (decision.Decision, error) {
	if a.provider == nil {
		return a.fallback.Analyze(ctx, m, situation)
	}
	d, err := a.provider.Analyze(ctx, m, situation)
	if err == nil {
		return d, nil
	}
	if decision.KindOf(err) == decision.KindQuotaExceeded {
		a.AddIssue("decision provider quota exhausted, using fallback", "warning")
	}
	return a.fallback.Analyze(ctx, m, situation)
}

// actOn turns a non-trivial decision into a remediation request, and a
// high-risk one into an alert as well.
func (a *Analyzer) actOn(ctx context.Context, m bus.MetricSnapshot, d decision.Decision) {
	action := strings.TrimSpace(d.Decision)
	if action == "" || action == "none" || action == "no_action" ||
		strings.HasPrefix(action, "no action") || d.RiskLevel == decision.RiskLow {
		return
	}

	priority := bus.PriorityNormal
	switch d.RiskLevel {
	case decision.RiskHigh:
		priority = bus.PriorityHigh
	case decision.RiskCritical:
		priority = bus.PriorityCritical
	}

	if priority >= bus.PriorityHigh {
		a.Bus().Broadcast(ctx, a.Name(), bus.TypeAlert, priority, bus.AlertPayload{
			Source:   a.Name(),
			Metric:   "analysis",
			Severity: string(d.RiskLevel),
			Detail:   d.Reasoning,
		})
	}

	actions := append([]string{action}, d.Alternatives...)
	a.Bus().Broadcast(ctx, a.Name(), bus.TypeRemediationRequest, priority,
		bus.RemediationRequestPayload{
			Issue:   d.Reasoning,
			Metric:  "analysis",
			Value:   m.CPUPercent,
			Actions: actions,
		})
}

// trendOf computes a least-squares slope over the window. Too-small windows
// yield no trend.
func trendOf(metric string, w []sample) (bus.TrendPayload, bool) {
	if len(w) < minTrendSamples {
		return bus.TrendPayload{}, false
	}

	t0 := w[0].at
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range w {
		x := s.at.Sub(t0).Seconds()
		sumX += x
		sumY += s.value
		sumXY += x * s.value
		sumXX += x * x
	}
	n := float64(len(w))
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return bus.TrendPayload{}, false
	}
	slope := (n*sumXY - sumX*sumY) / denom

	direction := "flat"
	switch {
	case slope > slopeFlatBand:
		direction = "rising"
	case slope < -slopeFlatBand:
		direction = "falling"
	}

	return bus.TrendPayload{
		Metric:    metric,
		Slope:     slope,
		Window:    len(w),
		Current:   w[len(w)-1].value,
		Direction: direction,
	}, true
}
