package runner

import (
	"fmt"
	"sync"

	"github.com/kursadbilgin/sampling-engine/internal/domain"
)

// progressHub fans progress snapshots out to subscribers. Each subscriber
// channel holds at most one snapshot: a slow reader skips intermediate
// updates and always sees the newest one.
type progressHub struct {
	mu      sync.Mutex
	batches map[string]*batchProgress
}

type batchProgress struct {
	latest      domain.RunnerProgress
	subscribers map[chan domain.RunnerProgress]struct{}
}

func newProgressHub() *progressHub {
	return &progressHub{batches: make(map[string]*batchProgress)}
}

// open registers a running batch. A batch id can only be active once.
func (h *progressHub) open(batchID string, total int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.batches[batchID]; exists {
		return fmt.Errorf("%w: batch %s is already running", domain.ErrConflict, batchID)
	}
	h.batches[batchID] = &batchProgress{
		latest:      domain.NewRunnerProgress(batchID, 0, total, 0, 0),
		subscribers: make(map[chan domain.RunnerProgress]struct{}),
	}
	return nil
}

func (h *progressHub) publish(p domain.RunnerProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()

	batch, ok := h.batches[p.BatchID]
	if !ok {
		return
	}
	batch.latest = p
	for ch := range batch.subscribers {
		offerLatest(ch, p)
	}
}

// close ends every subscription of the batch and forgets it.
func (h *progressHub) close(batchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	batch, ok := h.batches[batchID]
	if !ok {
		return
	}
	for ch := range batch.subscribers {
		close(ch)
	}
	delete(h.batches, batchID)
}

func (h *progressHub) subscribe(batchID string) (<-chan domain.RunnerProgress, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	batch, ok := h.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("%w: no running batch %s", domain.ErrNotFound, batchID)
	}

	ch := make(chan domain.RunnerProgress, 1)
	ch <- batch.latest
	batch.subscribers[ch] = struct{}{}
	return ch, nil
}

func (h *progressHub) unsubscribe(batchID string, sub <-chan domain.RunnerProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()

	batch, ok := h.batches[batchID]
	if !ok {
		return
	}
	for ch := range batch.subscribers {
		if ch == sub {
			delete(batch.subscribers, ch)
			close(ch)
			return
		}
	}
}

func (h *progressHub) active(batchID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, ok := h.batches[batchID]
	return ok
}

// offerLatest replaces whatever the subscriber has not read yet. Only the
// hub sends on ch and it holds the lock, so the send never blocks.
func offerLatest(ch chan domain.RunnerProgress, p domain.RunnerProgress) {
	select {
	case <-ch:
	default:
	}
	ch <- p
}
