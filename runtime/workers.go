package runtime

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DefaultMaxWorkers bounds concurrent deferred bodies.
const DefaultMaxWorkers = 4

// Workers runs deferred bodies on their own goroutines, at most n at a
// time.
type Workers struct {
	sem *semaphore.Weighted
}

// NewWorkers creates a pool bounded to n goroutines (default when n <= 0).
func NewWorkers(n int) *Workers {
	if n <= 0 {
		n = DefaultMaxWorkers
	}
	return &Workers{sem: semaphore.NewWeighted(int64(n))}
}

// Go waits for a free slot and runs fn on a new goroutine with the owner
// mark removed from ctx. It fails only when ctx ends before a slot frees.
func (w *Workers) Go(ctx context.Context, fn func(ctx context.Context)) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	go func() {
		defer w.sem.Release(1)
		fn(DetachOwner(ctx))
	}()
	return nil
}
