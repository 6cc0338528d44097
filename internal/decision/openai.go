package decision

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/hostsentry/hostsentry/internal/bus"
)

// OpenAIClient speaks the OpenAI-compatible chat completion surface. With a
// base URL override it also serves local Ollama, which exposes the same API.
type OpenAIClient struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAIClient builds a client for the given endpoint. An empty baseURL
// uses the official API; apiKey may be a placeholder for local servers.
func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
	}
}

var _ Client = (*OpenAIClient)(nil)

// Analyze implements Client.
func (c *OpenAIClient) Analyze(ctx context.Context, m bus.MetricSnapshot, situation string) (Decision, error) {
	return c.complete(ctx, analysisPrompt(m, situation))
}

// Recommend implements Client.
func (c *OpenAIClient) Recommend(ctx context.Context, issue string, m bus.MetricSnapshot, actions []string) (Decision, error) {
	return c.complete(ctx, remediationPrompt(issue, m, actions))
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return Decision{}, &Error{Kind: classifyOpenAIError(ctx, err), Provider: "openai", Err: err}
	}
	if len(resp.Choices) == 0 {
		return Decision{}, &Error{Kind: KindBadResponse, Provider: "openai", Err: errors.New("empty choices")}
	}
	return parseDecision("openai", resp.Choices[0].Message.Content)
}

func classifyOpenAIError(ctx context.Context, err error) ErrorKind {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var apierr *openai.Error
	if errors.As(err, &apierr) && (apierr.StatusCode == 429 || apierr.StatusCode == 402) {
		return KindQuotaExceeded
	}
	return KindUnavailable
}
