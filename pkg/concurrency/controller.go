// Package concurrency provides bounded parallel execution for
// intra-phase fan-out. A failing sub-task never aborts its batch: every
// item's outcome is captured independently and the caller decides the
// aggregate pass/fail policy.
package concurrency

import (
	"context"
	"fmt"
	"sync"
)

// Result is the captured outcome of one sub-task. Index preserves the
// item's position in the input batch so merges are deterministic
// regardless of completion order.
type Result[T, R any] struct {
	Index int
	Item  T
	Value R
	Err   error
}

// Controller bounds how many workers execute simultaneously.
type Controller struct {
	maxConcurrency int
}

// NewController creates a controller with the given worker bound.
func NewController(maxConcurrency int) *Controller {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Controller{maxConcurrency: maxConcurrency}
}

// MaxConcurrency returns the worker bound.
func (c *Controller) MaxConcurrency() int { return c.maxConcurrency }

// RunBatch executes worker over every item with at most maxConcurrency
// workers in flight. Results are returned in input order. Worker panics
// are captured as errors so one bad item cannot take down the batch.
//
// Context cancellation stops new items from starting; items already in
// flight run to completion and unstarted items report ctx.Err().
func RunBatch[T, R any](ctx context.Context, c *Controller, items []T, worker func(ctx context.Context, item T) (R, error)) []Result[T, R] {
	results := make([]Result[T, R], len(items))
	slots := make(chan struct{}, c.maxConcurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		results[i] = Result[T, R]{Index: i, Item: item}

		// Check cancellation at slot acquisition, the suspension point.
		select {
		case <-ctx.Done():
			results[i].Err = ctx.Err()
			continue
		case slots <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-slots }()
			defer func() {
				if r := recover(); r != nil {
					results[i].Err = fmt.Errorf("worker panic: %v", r)
				}
			}()
			v, err := worker(ctx, item)
			results[i].Value = v
			results[i].Err = err
		}(i, item)
	}

	wg.Wait()
	return results
}

// SuccessRatio returns the fraction of results without error.
func SuccessRatio[T, R any](results []Result[T, R]) float64 {
	if len(results) == 0 {
		return 1.0
	}
	ok := 0
	for _, r := range results {
		if r.Err == nil {
			ok++
		}
	}
	return float64(ok) / float64(len(results))
}

// Errors returns the captured errors, in input order.
func Errors[T, R any](results []Result[T, R]) []error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", r.Index, r.Err))
		}
	}
	return errs
}
