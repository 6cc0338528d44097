package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hostsentry/hostsentry/internal/bus"
	"github.com/hostsentry/hostsentry/internal/config"
)

// Fallback is the locally-computed rule engine used whenever the provider is
// down, over quota, or answering garbage. It never fails.
type Fallback struct {
	thresholds config.Thresholds
}

// NewFallback builds a Fallback around the configured thresholds.
func NewFallback(thresholds config.Thresholds) *Fallback {
	return &Fallback{thresholds: thresholds}
}

var _ Client = (*Fallback)(nil)

// Analyze applies the static thresholds to the snapshot. The result carries
// modest confidence; rules see less than a model would.
func (f *Fallback) Analyze(ctx context.Context, m bus.MetricSnapshot, situation string) (Decision, error) {
	var findings []string
	risk := RiskLow

	check := func(name string, value, warn, crit float64) {
		switch {
		case value >= crit:
			findings = append(findings, fmt.Sprintf("%s at %.1f%% exceeds critical threshold %.0f%%", name, value, crit))
			risk = RiskCritical
		case value >= warn:
			findings = append(findings, fmt.Sprintf("%s at %.1f%% exceeds warning threshold %.0f%%", name, value, warn))
			if risk != RiskCritical {
				risk = RiskMedium
			}
		}
	}

	check("cpu", m.CPUPercent, f.thresholds.CPUWarning, f.thresholds.CPUCritical)
	check("memory", m.MemPercent, f.thresholds.MemWarning, f.thresholds.MemCritical)
	paths := make([]string, 0, len(m.DiskPercent))
	for path := range m.DiskPercent {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		check("disk "+path, m.DiskPercent[path], f.thresholds.DiskWarning, f.thresholds.DiskCritical)
	}

	if len(findings) == 0 {
		return Decision{
			Decision:   "no action needed",
			Reasoning:  "all metrics within configured thresholds",
			Confidence: 0.6,
			RiskLevel:  RiskLow,
			Metadata:   map[string]any{"source": "fallback"},
		}, nil
	}

	return Decision{
		Decision:     "investigate resource pressure",
		Reasoning:    strings.Join(findings, "; "),
		Confidence:   0.5,
		RiskLevel:    risk,
		Alternatives: []string{"monitor closely", "escalate to operator"},
		Metadata:     map[string]any{"source": "fallback"},
	}, nil
}

// Recommend picks the first allowed action whose name matches the issue, or
// advises manual investigation when nothing matches.
func (f *Fallback) Recommend(ctx context.Context, issue string, m bus.MetricSnapshot, actions []string) (Decision, error) {
	lower := strings.ToLower(issue)
	for _, action := range actions {
		// Crude keyword match: an action is applicable when the issue
		// mentions its subject ("disk", "memory", "temp", ...).
		for _, token := range strings.Split(strings.ToLower(action), "_") {
			if len(token) >= 3 && strings.Contains(lower, token) {
				return Decision{
					Decision:     action,
					Reasoning:    fmt.Sprintf("rule match: issue mentions %q", token),
					Confidence:   0.4,
					RiskLevel:    RiskMedium,
					Alternatives: append([]string{"none"}, actions...),
					Metadata:     map[string]any{"source": "fallback"},
				}, nil
			}
		}
	}

	return Decision{
		Decision:   "none",
		Reasoning:  "no configured action matches the issue, recommend manual investigation",
		Confidence: 0.3,
		RiskLevel:  RiskLow,
		Metadata:   map[string]any{"source": "fallback"},
	}, nil
}
