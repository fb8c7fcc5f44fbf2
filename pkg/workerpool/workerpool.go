// Package workerpool runs independent units of work with bounded parallelism.
package workerpool

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent is used when a pool is configured without a limit.
const DefaultMaxConcurrent = 8

// Config configures a Pool.
type Config struct {
	MaxConcurrent int
}

// Pool bounds how many work items run at once.
type Pool struct {
	name   string
	sem    *semaphore.Weighted
	limit  int
	logger *zap.Logger
}

// New creates a pool. The name shows up in log lines.
func New(name string, cfg Config, logger *zap.Logger) *Pool {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Pool{
		name:   name,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limit:  cfg.MaxConcurrent,
		logger: logger.Named("workerpool").With(zap.String("pool", name)),
	}
}

// Limit returns the maximum number of concurrently running items.
func (p *Pool) Limit() int {
	return p.limit
}

// WorkItem is a unit of work identified for logging.
type WorkItem[T any] struct {
	ID      string
	Execute func(ctx context.Context) (T, error)
}

// WorkResult is the outcome of one WorkItem.
type WorkResult[T any] struct {
	ID     string
	Result T
	Err    error
}

// Process runs every item and returns results in completion order. A failing
// item does not stop the others; items that never got a slot because ctx ended
// report ctx.Err().
func Process[T any](
	ctx context.Context,
	pool *Pool,
	items []WorkItem[T],
	onProgress func(completed, total int),
) []WorkResult[T] {
	if len(items) == 0 {
		return nil
	}

	resultsCh := make(chan WorkResult[T], len(items))
	for _, item := range items {
		go func() {
			if err := ctx.Err(); err != nil {
				resultsCh <- WorkResult[T]{ID: item.ID, Err: err}
				return
			}
			if err := pool.sem.Acquire(ctx, 1); err != nil {
				resultsCh <- WorkResult[T]{ID: item.ID, Err: err}
				return
			}
			defer pool.sem.Release(1)

			result, err := item.Execute(ctx)
			if err != nil {
				pool.logger.Debug("Work item failed", zap.String("id", item.ID), zap.Error(err))
			}
			resultsCh <- WorkResult[T]{ID: item.ID, Result: result, Err: err}
		}()
	}

	results := make([]WorkResult[T], 0, len(items))
	for len(results) < len(items) {
		results = append(results, <-resultsCh)
		if onProgress != nil {
			onProgress(len(results), len(items))
		}
	}
	return results
}

// ForEach calls fn for each item with the pool's parallelism and stops at the
// first error, which it returns. The context passed to fn is canceled once any
// call fails.
func ForEach[T any](ctx context.Context, pool *Pool, items []T, fn func(ctx context.Context, item T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pool.limit)
	for _, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return fn(gctx, item)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
