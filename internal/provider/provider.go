package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
)

// Client is the outbound LLM completion port. Implementations return a
// *ProviderError for every failure they can classify.
type Client interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error)

func (f ClientFunc) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.Completion, error) {
	return f(ctx, req)
}

// Config holds the settings shared by every HTTP provider client.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// New builds the client for p. An empty BaseURL or DefaultModel falls back
// to the provider's public defaults.
func New(p domain.Provider, cfg Config) (Client, error) {
	switch p {
	case domain.ProviderOpenAI:
		return NewOpenAIClient(cfg)
	case domain.ProviderAnthropic:
		return NewAnthropicClient(cfg)
	case domain.ProviderPerplexity:
		return NewPerplexityClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider %q", p)
	}
}

// Registry resolves the client for a provider.
type Registry struct {
	mu      sync.RWMutex
	clients map[domain.Provider]Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[domain.Provider]Client)}
}

// NewRegistryFromConfigs builds a client for each provider with an API key
// and skips the rest.
func NewRegistryFromConfigs(configs map[domain.Provider]Config) (*Registry, error) {
	registry := NewRegistry()
	for p, cfg := range configs {
		if strings.TrimSpace(cfg.APIKey) == "" {
			continue
		}
		client, err := New(p, cfg)
		if err != nil {
			return nil, fmt.Errorf("build %s client: %w", p, err)
		}
		registry.Register(p, client)
	}
	return registry, nil
}

func (r *Registry) Register(p domain.Provider, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[p] = client
}

// Get returns a configuration error for providers without a client.
func (r *Registry) Get(p domain.Provider) (Client, error) {
	if r == nil {
		return nil, domain.ConfigurationErrorf("provider %q is not configured", p)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.clients[p]
	if !ok || client == nil {
		return nil, domain.ConfigurationErrorf("provider %q is not configured", p)
	}
	return client, nil
}

// Providers lists registered providers in name order.
func (r *Registry) Providers() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Provider, 0, len(r.clients))
	for p := range r.clients {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
