package runner

import (
	"math"
	"math/rand"
	"time"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
)

const (
	DefaultMaxRetries        = 3
	DefaultBaseBackoff       = 500 * time.Millisecond
	DefaultBackoffMultiplier = 2.0
	DefaultMaxBackoff        = 30 * time.Second
	DefaultJitter            = 250 * time.Millisecond
	DefaultCallTimeout       = 60 * time.Second
)

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy struct {
	MaxRetries        int
	BaseBackoff       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	Jitter            time.Duration
	RetryableStatuses []domain.IterationStatus
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        DefaultMaxRetries,
		BaseBackoff:       DefaultBaseBackoff,
		BackoffMultiplier: DefaultBackoffMultiplier,
		MaxBackoff:        DefaultMaxBackoff,
		Jitter:            DefaultJitter,
		RetryableStatuses: []domain.IterationStatus{
			domain.IterationRateLimited,
			domain.IterationTimeout,
			domain.IterationFailed,
		},
	}
}

// normalized fills zero values with defaults. Auth errors are dropped from
// the retryable set whatever the caller configured.
func (p RetryPolicy) normalized() RetryPolicy {
	out := p
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = DefaultBaseBackoff
	}
	if out.BackoffMultiplier < 1 {
		out.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = DefaultMaxBackoff
	}
	if out.Jitter < 0 {
		out.Jitter = 0
	}
	if out.RetryableStatuses == nil {
		out.RetryableStatuses = DefaultRetryPolicy().RetryableStatuses
	}

	statuses := make([]domain.IterationStatus, 0, len(out.RetryableStatuses))
	for _, s := range out.RetryableStatuses {
		if s == domain.IterationAuthError || s == domain.IterationSuccess || s == domain.IterationCancelled {
			continue
		}
		statuses = append(statuses, s)
	}
	out.RetryableStatuses = statuses
	return out
}

func (p RetryPolicy) retryable(status domain.IterationStatus) bool {
	for _, s := range p.RetryableStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// backoff returns the wait before retry number attempt+1 (attempt is
// 0-based): base * multiplier^attempt capped at MaxBackoff, plus jitter.
func (p RetryPolicy) backoff(attempt int, randInt63n func(int64) int64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(p.BaseBackoff) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if delay > float64(p.MaxBackoff) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		delay = float64(p.MaxBackoff)
	}

	out := time.Duration(delay)
	if p.Jitter > 0 {
		if randInt63n == nil {
			randInt63n = rand.Int63n
		}
		out += time.Duration(randInt63n(int64(p.Jitter) + 1))
	}
	return out
}
