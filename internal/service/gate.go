package service

import (
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"engram/internal/types"
)

// gate enforces ingestion backpressure: a global in-flight batch bound plus
// a per-user queue depth. Both reject immediately rather than queue, so a
// saturated caller gets a retryable busy answer instead of latency.
type gate struct {
	global *semaphore.Weighted

	mu     sync.Mutex
	byUser map[string]int
	depth  int
}

func newGate(maxInFlight, userDepth int) *gate {
	if maxInFlight <= 0 {
		maxInFlight = 64
	}
	if userDepth <= 0 {
		userDepth = 4
	}
	return &gate{
		global: semaphore.NewWeighted(int64(maxInFlight)),
		byUser: make(map[string]int),
		depth:  userDepth,
	}
}

// acquire claims a slot for one batch; the returned release must be called
// exactly once. A full gate answers ErrRateLimited.
func (g *gate) acquire(userID string) (func(), error) {
	if !g.global.TryAcquire(1) {
		return nil, fmt.Errorf("ingestion at capacity: %w", types.ErrRateLimited)
	}

	g.mu.Lock()
	if g.byUser[userID] >= g.depth {
		g.mu.Unlock()
		g.global.Release(1)
		return nil, fmt.Errorf("user %s has %d batches pending: %w", userID, g.depth, types.ErrRateLimited)
	}
	g.byUser[userID]++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			if g.byUser[userID] > 1 {
				g.byUser[userID]--
			} else {
				delete(g.byUser, userID)
			}
			g.mu.Unlock()
			g.global.Release(1)
		})
	}, nil
}
