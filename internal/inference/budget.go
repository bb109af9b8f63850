package inference

import (
	"context"
	"sync"
)

// tokenBudget admits prompt-token reservations up to a fixed capacity.
// Waiters block until enough budget frees, or their context ends.
type tokenBudget struct {
	mu       sync.Mutex
	capacity int
	used     int
	freed    chan struct{}
}

func newTokenBudget(capacity int) *tokenBudget {
	return &tokenBudget{capacity: capacity, freed: make(chan struct{})}
}

func (b *tokenBudget) reserve(ctx context.Context, n int) error {
	if n > b.capacity {
		n = b.capacity
	}
	for {
		b.mu.Lock()
		if b.used+n <= b.capacity {
			b.used += n
			b.mu.Unlock()
			return nil
		}
		wait := b.freed
		b.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *tokenBudget) release(n int) {
	b.mu.Lock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
	close(b.freed)
	b.freed = make(chan struct{})
	b.mu.Unlock()
}

func (b *tokenBudget) inUse() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
