// Package workpool bounds how many pipeline stages run at once.
package workpool

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/rsclarke/orphanfinder/internal/apperr"
)

// DefaultSize is used when a non-positive size is requested.
const DefaultSize = 4

// Pool runs functions on the calling goroutine once a slot is free.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Do waits for a free slot, runs fn and releases the slot. If ctx ends
// before a slot frees up, ctx.Err() is returned tagged apperr.Unknown.
func (p *Pool) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return apperr.Wrap(apperr.Unknown, fmt.Errorf("wait for worker: %w", err))
	}
	defer p.sem.Release(1)
	return fn(ctx)
}
