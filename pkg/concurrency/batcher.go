package concurrency

import (
	"context"
	"sync"
	"time"
)

// Batcher accumulates work items and dispatches them as a batch when
// either the size trigger or the time-window trigger fires, whichever
// comes first. Used by phases that produce sub-tasks incrementally.
type Batcher[T any] struct {
	mu      sync.Mutex
	pending []T
	size    int
	window  time.Duration
	flush   func(ctx context.Context, batch []T)
	timer   *time.Timer
	closed  bool
}

// NewBatcher creates a batcher dispatching through flush.
func NewBatcher[T any](batchSize int, batchTimeout time.Duration, flush func(ctx context.Context, batch []T)) *Batcher[T] {
	if batchSize <= 0 {
		batchSize = 1
	}
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	return &Batcher[T]{
		size:   batchSize,
		window: batchTimeout,
		flush:  flush,
	}
}

// Add enqueues an item. The first item of a batch arms the window
// timer; reaching the size trigger flushes immediately.
func (b *Batcher[T]) Add(ctx context.Context, item T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, item)

	if len(b.pending) >= b.size {
		batch := b.takeLocked()
		b.mu.Unlock()
		b.flush(ctx, batch)
		return
	}

	if len(b.pending) == 1 {
		b.timer = time.AfterFunc(b.window, func() {
			b.mu.Lock()
			if b.closed {
				b.mu.Unlock()
				return
			}
			batch := b.takeLocked()
			b.mu.Unlock()
			if len(batch) > 0 {
				b.flush(context.Background(), batch)
			}
		})
	}
	b.mu.Unlock()
}

// Flush dispatches whatever is pending, regardless of triggers.
func (b *Batcher[T]) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.flush(ctx, batch)
	}
}

// Close flushes pending work and stops the batcher.
func (b *Batcher[T]) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.flush(ctx, batch)
	}
}

// takeLocked drains pending and disarms the timer. Caller holds mu.
func (b *Batcher[T]) takeLocked() []T {
	batch := b.pending
	b.pending = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}
