package transfer

import (
	"context"
	"sync"
)

// Queue is a bounded FIFO between producers and consumers. Push blocks while
// the queue is full and Pop while it is empty. Closing the queue tells
// consumers no more items will arrive.
type Queue[T any] struct {
	ch   chan T
	once sync.Once
}

// NewQueue creates a queue holding at most size items.
func NewQueue[T any](size int) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{ch: make(chan T, size)}
}

// Push adds v, waiting for room. It must not be called after Close.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop removes the oldest item. ok is false once the queue is closed and
// drained.
func (q *Queue[T]) Pop(ctx context.Context) (v T, ok bool, err error) {
	select {
	case v, ok = <-q.ch:
		return v, ok, nil
	case <-ctx.Done():
		return v, false, ctx.Err()
	}
}

// Close marks the end of input. Safe to call more than once.
func (q *Queue[T]) Close() {
	q.once.Do(func() { close(q.ch) })
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap returns the queue bound.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
