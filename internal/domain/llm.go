package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provider identifies an upstream LLM service.
type Provider string

const (
	ProviderOpenAI     Provider = "openai"
	ProviderAnthropic  Provider = "anthropic"
	ProviderPerplexity Provider = "perplexity"
)

func (p Provider) String() string { return string(p) }

func (p Provider) IsValid() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderPerplexity:
		return true
	}
	return false
}

func ParseProviderFromString(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	if !p.IsValid() {
		return "", fmt.Errorf("%w: invalid provider %q", ErrValidation, s)
	}
	return p, nil
}

// Role is the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

const (
	DefaultRequestTemperature = 0.2
	DefaultTopP               = 0.9
)

// CompletionRequest is the provider-agnostic request sent for every attempt.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       *string   `json:"model,omitempty"`
	Temperature float64   `json:"temperature"`
	MaxTokens   *int      `json:"maxTokens,omitempty"`
	TopP        float64   `json:"topP"`
}

// SystemPrompt returns the first system message content, if any.
func (r CompletionRequest) SystemPrompt() (string, bool) {
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			return m.Content, true
		}
	}
	return "", false
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// SearchResult is a web source reported by search-backed providers.
type SearchResult struct {
	Title string  `json:"title"`
	URL   string  `json:"url"`
	Date  *string `json:"date,omitempty"`
}

// Completion is a successful provider response. Fields the runner does not
// understand stay in RawResponse untouched.
type Completion struct {
	ID            string          `json:"id"`
	Provider      Provider        `json:"provider"`
	Model         string          `json:"model"`
	Content       string          `json:"content"`
	FinishReason  *string         `json:"finishReason,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	LatencyMs     *float64        `json:"latencyMs,omitempty"`
	RawResponse   json.RawMessage `json:"rawResponse,omitempty"`
	SearchResults []SearchResult  `json:"searchResults,omitempty"`
	Citations     []string        `json:"citations,omitempty"`
}
