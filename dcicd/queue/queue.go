// Package queue is a bounded FIFO with a single blocking consumer.
package queue

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("queue closed")

type Queue[T any] struct {
	items chan T

	mu     sync.RWMutex
	closed bool
}

func New[T any](size int) *Queue[T] {
	return &Queue[T]{
		items: make(chan T, size),
	}
}

// Enqueue adds an item without blocking. It reports false when the
// queue is full or closed.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}

	select {
	case q.items <- item:
		return true
	default:
		return false
	}
}

// Dequeue blocks until an item is available, the queue is closed and
// drained, or ctx is done.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case item, ok := <-q.items:
		if !ok {
			return zero, ErrClosed
		}
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Close stops accepting items. Items already queued can still be
// dequeued.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.items)
	}
}
