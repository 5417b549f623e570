package provider

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/tidwall/gjson"
)

const (
	DefaultOpenAIBaseURL = "https://api.openai.com"
	DefaultOpenAIModel   = "gpt-4o-mini"
)

type chatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
	TopP        float64          `json:"top_p"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

func newChatCompletionRequest(model string, req domain.CompletionRequest) chatCompletionRequest {
	return chatCompletionRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
}

// OpenAIClient calls the chat completions API.
type OpenAIClient struct {
	http *httpClient
}

func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	return NewOpenAIClientWithClient(cfg, resty.New())
}

func NewOpenAIClientWithClient(cfg Config, client *resty.Client) (*OpenAIClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenAIBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultOpenAIModel
	}

	hc, err := newHTTPClient(domain.ProviderOpenAI, cfg, "/v1/chat/completions", client)
	if err != nil {
		return nil, err
	}
	hc.headers["Authorization"] = "Bearer " + cfg.APIKey

	return &OpenAIClient{http: hc}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	if c == nil || c.http == nil {
		return nil, fmt.Errorf("provider is not initialized")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: completion request has no messages", domain.ErrValidation)
	}

	doc, raw, latencyMs, err := c.http.post(ctx, newChatCompletionRequest(c.http.model(req), req))
	if err != nil {
		return nil, err
	}

	return parseChatCompletion(c.http, doc, raw, latencyMs), nil
}

// parseChatCompletion reads an OpenAI-shaped chat completion document.
func parseChatCompletion(hc *httpClient, doc gjson.Result, raw []byte, latencyMs float64) *domain.Completion {
	completion := &domain.Completion{
		ID:           doc.Get("id").String(),
		Provider:     hc.provider,
		Model:        doc.Get("model").String(),
		Content:      doc.Get("choices.0.message.content").String(),
		FinishReason: optionalString(doc, "choices.0.finish_reason"),
		CreatedAt:    createdAt(doc, "created", hc.now()),
		LatencyMs:    latencyPtr(latencyMs),
		RawResponse:  append([]byte(nil), raw...),
	}

	if usage := doc.Get("usage"); usage.IsObject() {
		completion.Usage = &domain.Usage{
			PromptTokens:     int(usage.Get("prompt_tokens").Int()),
			CompletionTokens: int(usage.Get("completion_tokens").Int()),
			TotalTokens:      int(usage.Get("total_tokens").Int()),
		}
	}

	return completion
}
