package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/tidwall/gjson"
)

const defaultProviderTimeout = 60 * time.Second

// httpClient carries the resty plumbing shared by the JSON-over-HTTPS
// providers.
type httpClient struct {
	provider     domain.Provider
	client       *resty.Client
	endpoint     string
	defaultModel string
	headers      map[string]string
	now          func() time.Time
}

func newHTTPClient(p domain.Provider, cfg Config, path string, client *resty.Client) (*httpClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s api key is required", p)
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid %s base url: %w", p, err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(timeout)
	}
	// The runner owns retries.
	client.SetRetryCount(0)

	return &httpClient{
		provider:     p,
		client:       client,
		endpoint:     baseURL + path,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		headers:      map[string]string{"Content-Type": "application/json"},
		now:          time.Now,
	}, nil
}

func (c *httpClient) model(req domain.CompletionRequest) string {
	if req.Model != nil && strings.TrimSpace(*req.Model) != "" {
		return strings.TrimSpace(*req.Model)
	}
	return c.defaultModel
}

// post sends body and returns the parsed JSON document of a 2xx response
// together with the raw bytes and the observed latency.
func (c *httpClient) post(ctx context.Context, body any) (gjson.Result, []byte, float64, error) {
	if c == nil || c.client == nil {
		return gjson.Result{}, nil, 0, fmt.Errorf("provider is not initialized")
	}

	started := c.now()
	response, err := c.client.R().
		SetContext(ctx).
		SetHeaders(c.headers).
		SetBody(body).
		Post(c.endpoint)
	latencyMs := float64(c.now().Sub(started).Microseconds()) / 1000

	if err != nil {
		return gjson.Result{}, nil, latencyMs, transportError(c.provider, err)
	}
	if response == nil {
		return gjson.Result{}, nil, latencyMs, &ProviderError{
			Provider:  c.provider,
			Kind:      KindOther,
			Message:   "provider returned empty response",
			Transient: true,
		}
	}

	statusCode := response.StatusCode()
	raw := response.Body()

	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return gjson.Result{}, nil, latencyMs, statusError(c.provider, statusCode, response.Header(), strings.TrimSpace(string(raw)), c.now())
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}, nil, latencyMs, &ProviderError{
			Provider:   c.provider,
			Kind:       KindOther,
			StatusCode: statusCode,
			Message:    "provider returned malformed JSON",
			Transient:  true,
		}
	}

	return gjson.ParseBytes(raw), raw, latencyMs, nil
}

// errorMessageFromBody pulls the human-readable message out of the error
// envelopes used by the supported providers, falling back to the body.
func errorMessageFromBody(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	if gjson.Valid(body) {
		for _, path := range []string{"error.message", "message", "error", "detail"} {
			if v := gjson.Get(body, path); v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
				return strings.TrimSpace(v.String())
			}
		}
	}
	const maxBodyInMessage = 512
	if len(body) > maxBodyInMessage {
		return body[:maxBodyInMessage]
	}
	return body
}

func createdAt(doc gjson.Result, path string, fallback time.Time) time.Time {
	if v := doc.Get(path); v.Exists() && v.Int() > 0 {
		return time.Unix(v.Int(), 0).UTC()
	}
	return fallback.UTC()
}

func optionalString(doc gjson.Result, path string) *string {
	v := doc.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	s := v.String()
	return &s
}

func latencyPtr(ms float64) *float64 {
	return &ms
}
