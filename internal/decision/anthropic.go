package decision

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hostsentry/hostsentry/internal/bus"
)

// AnthropicClient is the decision provider backed by the Anthropic Messages
// API.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
}

// NewAnthropicClient builds a client for the Anthropic API.
func NewAnthropicClient(apiKey, model string, timeout time.Duration) *AnthropicClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: timeout,
	}
}

var _ Client = (*AnthropicClient)(nil)

// Analyze implements Client.
func (c *AnthropicClient) Analyze(ctx context.Context, m bus.MetricSnapshot, situation string) (Decision, error) {
	return c.complete(ctx, analysisPrompt(m, situation))
}

// Recommend implements Client.
func (c *AnthropicClient) Recommend(ctx context.Context, issue string, m bus.MetricSnapshot, actions []string) (Decision, error) {
	return c.complete(ctx, remediationPrompt(issue, m, actions))
}

func (c *AnthropicClient) complete(ctx context.Context, prompt string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Decision{}, &Error{Kind: classifyAnthropicError(ctx, err), Provider: "anthropic", Err: err}
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return Decision{}, &Error{Kind: KindBadResponse, Provider: "anthropic", Err: errors.New("no text content")}
	}
	return parseDecision("anthropic", sb.String())
}

func classifyAnthropicError(ctx context.Context, err error) ErrorKind {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var apierr *anthropic.Error
	if errors.As(err, &apierr) && apierr.StatusCode == 429 {
		return KindQuotaExceeded
	}
	return KindUnavailable
}
