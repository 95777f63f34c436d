// Package pool bounds concurrent background work such as crash recovery and
// workspace restores.
package pool

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool limits the number of concurrently running jobs with a weighted
// semaphore shared by every caller holding the Pool.
type Pool struct {
	sem   *semaphore.Weighted
	limit int
}

// New creates a Pool that runs at most limit jobs at once.
func New(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Limit returns the configured concurrency.
func (p *Pool) Limit() int {
	if p == nil {
		return 1
	}
	return p.limit
}

// Run acquires a slot, runs fn and releases the slot. It returns ctx.Err()
// if ctx ends while waiting. A nil Pool runs fn directly.
func (p *Pool) Run(ctx context.Context, fn func(context.Context) error) error {
	if p == nil || p.sem == nil {
		return fn(ctx)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// ForEach runs fn for every item with at most limit in flight and returns
// the first error. Remaining items still run; their errors are dropped.
func ForEach[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) error {
	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, it := range items {
		g.Go(func() error { return fn(gctx, it) })
	}
	return g.Wait()
}
