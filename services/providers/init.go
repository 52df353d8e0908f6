package providers

import (
	"context"
	"sync"
)

// InitGuard makes Initialize idempotent. A successful initialization is remembered;
// a failed one may be retried.
type InitGuard struct {
	mu   sync.Mutex
	done bool
}

// Do runs fn unless a previous call succeeded
func (g *InitGuard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.done {
		return nil
	}
	if err := fn(ctx); err != nil {
		return err
	}
	g.done = true
	return nil
}
