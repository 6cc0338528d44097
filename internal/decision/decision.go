// Package decision defines the contract with the external analysis provider:
// an opaque, fallible client that turns metrics and issues into recommended
// actions. Providers are expected to be unreliable; every caller pairs a
// provider with the rule-based Fallback.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/hostsentry/hostsentry/internal/bus"
)

// RiskLevel grades how dangerous an action is to carry out automatically.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Decision is a recommendation with its supporting reasoning.
type Decision struct {
	Decision     string         `json:"decision"`
	Reasoning    string         `json:"reasoning"`
	Confidence   float64        `json:"confidence"`
	RiskLevel    RiskLevel      `json:"risk_level"`
	Alternatives []string       `json:"alternatives,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ErrorKind classifies provider failures so callers can match on the cause
// instead of inspecting provider-specific error types.
type ErrorKind int

const (
	// KindUnavailable covers network failures and provider downtime.
	KindUnavailable ErrorKind = iota
	// KindQuotaExceeded means the provider rejected the call for capacity or
	// billing reasons; callers switch to the fallback path without retrying.
	KindQuotaExceeded
	// KindTimeout means the bounded call deadline elapsed.
	KindTimeout
	// KindBadResponse means the provider answered with something that could
	// not be parsed into a Decision.
	KindBadResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindTimeout:
		return "timeout"
	case KindBadResponse:
		return "bad_response"
	default:
		return "unknown"
	}
}

// Error is a classified provider failure.
type Error struct {
	Kind     ErrorKind
	Provider string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("decision provider %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the error kind, defaulting to KindUnavailable for errors
// that did not originate here.
func KindOf(err error) ErrorKind {
	var derr *Error
	if errors.As(err, &derr) {
		return derr.Kind
	}
	return KindUnavailable
}

// Client is the decision provider contract. Both calls are bounded by the
// context deadline; implementations must not block past it.
type Client interface {
	// Analyze reviews one metric snapshot in the given situational context
	// and recommends what, if anything, to do about it.
	Analyze(ctx context.Context, metrics bus.MetricSnapshot, situation string) (Decision, error)

	// Recommend picks a remediation for a concrete issue from the allowed
	// action list.
	Recommend(ctx context.Context, issue string, metrics bus.MetricSnapshot, actions []string) (Decision, error)
}

// parseDecision extracts a Decision from model output. Models wrap JSON in
// prose or code fences often enough that we scan for the outermost object.
func parseDecision(provider, raw string) (Decision, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Decision{}, &Error{
			Kind:     KindBadResponse,
			Provider: provider,
			Err:      fmt.Errorf("no JSON object in response %q", truncate(raw, 120)),
		}
	}

	var d Decision
	if err := json.Unmarshal([]byte(raw[start:end+1]), &d); err != nil {
		return Decision{}, &Error{Kind: KindBadResponse, Provider: provider, Err: err}
	}
	if d.Decision == "" {
		return Decision{}, &Error{
			Kind:     KindBadResponse,
			Provider: provider,
			Err:      errors.New("response missing decision field"),
		}
	}

	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	switch d.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	default:
		d.RiskLevel = RiskMedium
	}
	return d, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

const systemPrompt = `You are an automated host-monitoring assistant. Respond with a single JSON object and nothing else:
{"decision": "<action to take>", "reasoning": "<why>", "confidence": <0.0-1.0>, "risk_level": "low|medium|high|critical", "alternatives": ["<other options>"]}`

func analysisPrompt(metrics bus.MetricSnapshot, situation string) string {
	var sb strings.Builder
	sb.WriteString("Analyze these host metrics and decide whether action is needed.\n")
	if situation != "" {
		fmt.Fprintf(&sb, "Context: %s\n", situation)
	}
	writeMetrics(&sb, metrics)
	return sb.String()
}

func remediationPrompt(issue string, metrics bus.MetricSnapshot, actions []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Issue requiring remediation: %s\n", issue)
	fmt.Fprintf(&sb, "Choose exactly one action from this list (or \"none\"): %s\n", strings.Join(actions, ", "))
	writeMetrics(&sb, metrics)
	return sb.String()
}

func writeMetrics(sb *strings.Builder, m bus.MetricSnapshot) {
	fmt.Fprintf(sb, "Host: %s (%s)\n", m.Hostname, m.Platform)
	fmt.Fprintf(sb, "CPU: %.1f%%, load1: %.2f\n", m.CPUPercent, m.Load1)
	fmt.Fprintf(sb, "Memory: %.1f%% (%d/%d bytes)\n", m.MemPercent, m.MemUsed, m.MemTotal)
	for path, pct := range m.DiskPercent {
		fmt.Fprintf(sb, "Disk %s: %.1f%%\n", path, pct)
	}
	fmt.Fprintf(sb, "Processes: %d\n", m.ProcCount)
}
