// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package fifo provides an unbounded, context-aware FIFO queue.
package fifo

import (
	"context"
	"io"
	"sync"
)

// Queue is an unbounded FIFO. Push never blocks; Pop blocks until an item
// is available, the queue is closed and drained, or ctx is done.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	wake   chan struct{}
	closed bool
	err    error
}

// New returns an empty open queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{wake: make(chan struct{})}
}

// Push appends v. It reports false if the queue is already closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.broadcast()
	return true
}

// Close marks the end of the queue. Items already queued are still popped;
// after that Pop returns err, or io.EOF when err is nil. Only the first call
// has an effect; it reports whether this call closed the queue.
func (q *Queue[T]) Close(err error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if err == nil {
		err = io.EOF
	}
	q.closed, q.err = true, err
	q.broadcast()
	return true
}

// Abort closes the queue and discards anything not yet popped.
func (q *Queue[T]) Abort(err error) bool {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	return q.Close(err)
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			var zero T
			return zero, err
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, context.Cause(ctx)
		case <-wake:
		}
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close or Abort has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// broadcast wakes every waiting Pop. Callers hold q.mu.
func (q *Queue[T]) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
