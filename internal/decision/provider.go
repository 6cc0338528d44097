package decision

import (
	"fmt"

	"github.com/hostsentry/hostsentry/internal/config"
)

// NewFromConfig builds the configured decision client. Provider "none"
// returns the rule-based Fallback directly; agents using a remote provider
// keep their own Fallback for failure paths regardless.
func NewFromConfig(cfg config.DecisionConfig, thresholds config.Thresholds) (Client, error) {
	switch cfg.Provider {
	case "", "none":
		return NewFallback(thresholds), nil
	case "openai", "ollama":
		return NewOpenAIClient(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Timeout.Std()), nil
	case "anthropic":
		return NewAnthropicClient(cfg.APIKey, cfg.Model, cfg.Timeout.Std()), nil
	default:
		return nil, fmt.Errorf("unknown decision provider %q", cfg.Provider)
	}
}
