package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

var _ RateLimiter = (*Local)(nil)

// Local is an in-process token bucket per key, used when no shared Redis
// budget is available (CLI runs, tests).
type Local struct {
	mu       sync.Mutex
	perSec   float64
	burst    int
	limiters map[string]*rate.Limiter
}

// NewLocal allows perSec calls per second per key with the given burst.
// perSec <= 0 disables limiting.
func NewLocal(perSec float64, burst int) *Local {
	if burst <= 0 {
		burst = 1
	}
	return &Local{
		perSec:   perSec,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Local) limiter(key string) (*rate.Limiter, error) {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return nil, fmt.Errorf("rate limit key is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[normalized]
	if !ok {
		limit := rate.Limit(l.perSec)
		if l.perSec <= 0 {
			limit = rate.Inf
		}
		lim = rate.NewLimiter(limit, l.burst)
		l.limiters[normalized] = lim
	}
	return lim, nil
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	lim, err := l.limiter(key)
	if err != nil {
		return false, err
	}
	return lim.Allow(), nil
}

func (l *Local) Wait(ctx context.Context, key string) error {
	lim, err := l.limiter(key)
	if err != nil {
		return err
	}
	return lim.Wait(ctx)
}
