package runner

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of in-flight iterations. Waiters are served in
// arrival order, so a batch launched in index order starts in index order.
type Gate struct {
	sem      *semaphore.Weighted
	limit    int64
	inFlight atomic.Int64
	peak     atomic.Int64
}

func NewGate(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{
		sem:   semaphore.NewWeighted(int64(limit)),
		limit: int64(limit),
	}
}

// Acquire blocks until a permit is free or ctx is done.
func (g *Gate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	current := g.inFlight.Add(1)
	for {
		peak := g.peak.Load()
		if current <= peak || g.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	return nil
}

// Release returns one permit. Calling it without a matching Acquire panics.
func (g *Gate) Release() {
	g.inFlight.Add(-1)
	g.sem.Release(1)
}

func (g *Gate) Limit() int { return int(g.limit) }

// InFlight reports the permits currently held.
func (g *Gate) InFlight() int { return int(g.inFlight.Load()) }

// Peak reports the highest number of permits held at once.
func (g *Gate) Peak() int { return int(g.peak.Load()) }
