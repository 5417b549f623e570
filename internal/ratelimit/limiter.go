package ratelimit

import "context"

// RateLimiter paces outbound provider calls. Keys are provider names; each
// key has its own budget.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Wait(ctx context.Context, key string) error
}
