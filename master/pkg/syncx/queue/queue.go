// Package queue provides an unbounded FIFO that never blocks producers.
package queue

import (
	"context"
	"sync"
)

// Queue is a thread-safe, unbounded FIFO. Put never blocks, so a producer on a network goroutine
// can hand work to a single consumer without ever waiting on it.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	elems  []T
	signal chan struct{}
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{signal: make(chan struct{}, 1)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Put appends t.
func (q *Queue[T]) Put(t T) {
	q.mu.Lock()
	q.elems = append(q.elems, t)
	q.cond.Broadcast()
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Signal returns a channel that receives a value after one or more Puts. Consumers that select on
// it must still drain the queue, since many Puts coalesce into one signal.
func (q *Queue[T]) Signal() <-chan struct{} {
	return q.signal
}

// Get removes and returns the oldest element, blocking while the queue is empty.
func (q *Queue[T]) Get() T {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.elems) == 0 {
		q.cond.Wait()
	}
	return q.pop()
}

// GetWithContext is Get, except it gives up when ctx is done.
func (q *Queue[T]) GetWithContext(ctx context.Context) (T, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.elems) == 0 {
		if err := ctx.Err(); err != nil {
			var zero T
			return zero, err
		}
		q.cond.Wait()
	}
	return q.pop(), nil
}

// TryGet removes and returns the oldest element if there is one.
func (q *Queue[T]) TryGet() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.elems) == 0 {
		var zero T
		return zero, false
	}
	return q.pop(), true
}

// Drain removes and returns every queued element in order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	elems := q.elems
	q.elems = nil
	return elems
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.elems)
}

func (q *Queue[T]) pop() T {
	var zero T
	res := q.elems[0]
	q.elems[0] = zero
	q.elems = q.elems[1:]
	return res
}
