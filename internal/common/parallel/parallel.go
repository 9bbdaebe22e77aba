// Package parallel runs batches of operations with bounded concurrency.
package parallel

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrent is used when a non-positive limit is given.
const DefaultMaxConcurrent = 10

// RunLimited applies op to every item with at most maxConcurrent calls in
// flight. Results are written by input index, so the output order matches
// items regardless of completion order.
//
// The first error returned by op cancels the context passed to the remaining
// calls and is returned; callers that want per-item outcomes capture failures
// inside op and return nil.
func RunLimited[T, R any](ctx context.Context, items []T, maxConcurrent int, op func(ctx context.Context, index int, item T) (R, error)) ([]R, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	results := make([]R, len(items))
	if len(items) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)

	for i, item := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r, err := op(gctx, i, item)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// ForEachLimited is RunLimited for operations without a result value.
func ForEachLimited[T any](ctx context.Context, items []T, maxConcurrent int, op func(ctx context.Context, index int, item T) error) error {
	_, err := RunLimited(ctx, items, maxConcurrent, func(ctx context.Context, i int, item T) (struct{}, error) {
		return struct{}{}, op(ctx, i, item)
	})
	return err
}
