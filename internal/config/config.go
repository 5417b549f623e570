package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/kursadbilgin/sampling-engine/internal/domain"
	"github.com/kursadbilgin/sampling-engine/internal/provider"
	"github.com/kursadbilgin/sampling-engine/internal/runner"
)

// Config holds the settings of the API and worker process.
type Config struct {
	DatabaseDSN       string        `env:"DATABASE_DSN,required=true"`
	RabbitMQURL       string        `env:"RABBITMQ_URL,required=true"`
	RedisURL          string        `env:"REDIS_URL,required=true"`
	RateLimitPerSec   int           `env:"RATE_LIMIT_PER_SEC,default=100"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY,default=4"`
	APIPort           int           `env:"API_PORT,default=8080"`
	LogLevel          string        `env:"LOG_LEVEL,default=info"`
	BatchTimeout      time.Duration `env:"BATCH_TIMEOUT,default=30m"`
	OTLPEndpoint      string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName       string        `env:"OTEL_SERVICE_NAME,default=sampling-engine"`
}

// RunnerConfig holds provider credentials and retry settings. The CLI loads
// it without any of the service infrastructure.
type RunnerConfig struct {
	OpenAIAPIKey      string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL     string `env:"OPENAI_BASE_URL"`
	OpenAIModel       string `env:"OPENAI_MODEL"`
	AnthropicAPIKey   string `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL  string `env:"ANTHROPIC_BASE_URL"`
	AnthropicModel    string `env:"ANTHROPIC_MODEL"`
	PerplexityAPIKey  string `env:"PERPLEXITY_API_KEY"`
	PerplexityBaseURL string `env:"PERPLEXITY_BASE_URL"`
	PerplexityModel   string `env:"PERPLEXITY_MODEL"`

	ProviderTimeout        time.Duration `env:"PROVIDER_TIMEOUT,default=60s"`
	RetryMax               int           `env:"RETRY_MAX,default=3"`
	RetryBaseBackoff       time.Duration `env:"RETRY_BASE_BACKOFF,default=500ms"`
	RetryBackoffMultiplier float64       `env:"RETRY_BACKOFF_MULTIPLIER,default=2.0"`
	RetryMaxBackoff        time.Duration `env:"RETRY_MAX_BACKOFF,default=30s"`
	RetryJitter            time.Duration `env:"RETRY_JITTER,default=250ms"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func LoadRunner() (*RunnerConfig, error) {
	var cfg RunnerConfig
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load runner config: %w", err)
	}
	return &cfg, nil
}

// Providers returns client settings for every provider, keyed by name.
// Providers without an API key are skipped by the registry.
func (c *RunnerConfig) Providers() map[domain.Provider]provider.Config {
	return map[domain.Provider]provider.Config{
		domain.ProviderOpenAI: {
			APIKey:       c.OpenAIAPIKey,
			BaseURL:      c.OpenAIBaseURL,
			DefaultModel: c.OpenAIModel,
			Timeout:      c.ProviderTimeout,
		},
		domain.ProviderAnthropic: {
			APIKey:       c.AnthropicAPIKey,
			BaseURL:      c.AnthropicBaseURL,
			DefaultModel: c.AnthropicModel,
			Timeout:      c.ProviderTimeout,
		},
		domain.ProviderPerplexity: {
			APIKey:       c.PerplexityAPIKey,
			BaseURL:      c.PerplexityBaseURL,
			DefaultModel: c.PerplexityModel,
			Timeout:      c.ProviderTimeout,
		},
	}
}

func (c *RunnerConfig) RetryPolicy() runner.RetryPolicy {
	policy := runner.DefaultRetryPolicy()
	policy.MaxRetries = c.RetryMax
	policy.BaseBackoff = c.RetryBaseBackoff
	policy.BackoffMultiplier = c.RetryBackoffMultiplier
	policy.MaxBackoff = c.RetryMaxBackoff
	policy.Jitter = c.RetryJitter
	return policy
}
