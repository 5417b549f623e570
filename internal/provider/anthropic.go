package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/sampling-engine/internal/domain"
)

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	DefaultAnthropicModel   = "claude-3-5-haiku-latest"
	AnthropicAPIVersion     = "2023-06-01"

	// The messages API requires max_tokens.
	defaultAnthropicMaxTokens = 1024
)

type anthropicRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []domain.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	TopP        float64          `json:"top_p"`
}

// AnthropicClient calls the messages API. System prompts travel in the
// top-level system field instead of the message list.
type AnthropicClient struct {
	http *httpClient
}

func NewAnthropicClient(cfg Config) (*AnthropicClient, error) {
	return NewAnthropicClientWithClient(cfg, resty.New())
}

func NewAnthropicClientWithClient(cfg Config, client *resty.Client) (*AnthropicClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAnthropicBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultAnthropicModel
	}

	hc, err := newHTTPClient(domain.ProviderAnthropic, cfg, "/v1/messages", client)
	if err != nil {
		return nil, err
	}
	hc.headers["x-api-key"] = cfg.APIKey
	hc.headers["anthropic-version"] = AnthropicAPIVersion

	return &AnthropicClient{http: hc}, nil
}

func (c *AnthropicClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	if c == nil || c.http == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}

	body := anthropicRequest{
		Model:       c.http.model(req),
		Messages:    make([]domain.Message, 0, len(req.Messages)),
		MaxTokens:   defaultAnthropicMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil {
		body.MaxTokens = *req.MaxTokens
	}
	if system, ok := req.SystemPrompt(); ok {
		body.System = system
	}
	for _, m := range req.Messages {
		if m.Role == domain.RoleSystem {
			continue
		}
		body.Messages = append(body.Messages, m)
	}
	if len(body.Messages) == 0 {
		return nil, fmt.Errorf("%w: completion request has no user messages", domain.ErrValidation)
	}

	doc, raw, latencyMs, err := c.http.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for _, block := range doc.Get("content").Array() {
		if block.Get("type").String() == "text" {
			content.WriteString(block.Get("text").String())
		}
	}

	completion := &domain.Completion{
		ID:           doc.Get("id").String(),
		Provider:     domain.ProviderAnthropic,
		Model:        doc.Get("model").String(),
		Content:      content.String(),
		FinishReason: optionalString(doc, "stop_reason"),
		CreatedAt:    c.http.now().UTC(),
		LatencyMs:    latencyPtr(latencyMs),
		RawResponse:  append([]byte(nil), raw...),
	}

	if usage := doc.Get("usage"); usage.IsObject() {
		input := int(usage.Get("input_tokens").Int())
		output := int(usage.Get("output_tokens").Int())
		completion.Usage = &domain.Usage{
			PromptTokens:     input,
			CompletionTokens: output,
			TotalTokens:      input + output,
		}
	}

	return completion, nil
}
