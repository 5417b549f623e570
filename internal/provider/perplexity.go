package provider

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/sampling-engine/internal/domain"
)

const (
	DefaultPerplexityBaseURL = "https://api.perplexity.ai"
	DefaultPerplexityModel   = "sonar"
)

// PerplexityClient speaks the OpenAI chat completions dialect and adds the
// web sources the answer was grounded on.
type PerplexityClient struct {
	http *httpClient
}

func NewPerplexityClient(cfg Config) (*PerplexityClient, error) {
	return NewPerplexityClientWithClient(cfg, resty.New())
}

func NewPerplexityClientWithClient(cfg Config, client *resty.Client) (*PerplexityClient, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPerplexityBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultPerplexityModel
	}

	hc, err := newHTTPClient(domain.ProviderPerplexity, cfg, "/chat/completions", client)
	if err != nil {
		return nil, err
	}
	hc.headers["Authorization"] = "Bearer " + cfg.APIKey

	return &PerplexityClient{http: hc}, nil
}

func (c *PerplexityClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
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

	completion := parseChatCompletion(c.http, doc, raw, latencyMs)

	for _, citation := range doc.Get("citations").Array() {
		completion.Citations = append(completion.Citations, citation.String())
	}
	for _, result := range doc.Get("search_results").Array() {
		completion.SearchResults = append(completion.SearchResults, domain.SearchResult{
			Title: result.Get("title").String(),
			URL:   result.Get("url").String(),
			Date:  optionalString(result, "date"),
		})
	}

	return completion, nil
}
