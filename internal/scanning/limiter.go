package scanning

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// limiter admits connection attempts.
type limiter interface {
	Acquire(ctx context.Context) error
	Release()
}

// newLimiter returns an unbounded limiter for n <= 0, otherwise one that
// admits at most n outstanding attempts.
func newLimiter(n int) limiter {
	if n <= 0 {
		return unbounded{}
	}
	return &weighted{sem: semaphore.NewWeighted(int64(n))}
}

type unbounded struct{}

func (unbounded) Acquire(ctx context.Context) error { return ctx.Err() }
func (unbounded) Release()                          {}

type weighted struct {
	sem *semaphore.Weighted
}

func (w *weighted) Acquire(ctx context.Context) error {
	return w.sem.Acquire(ctx, 1)
}

func (w *weighted) Release() {
	w.sem.Release(1)
}
