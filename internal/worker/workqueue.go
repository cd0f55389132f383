package worker

import (
	"context"
	"sync"
)

// WorkQueue is an ordered list of scheduled items. Workers drive the item at the head; idle
// workers wait for the queue to become non-empty.
type WorkQueue[T any] struct {
	mu      sync.Mutex
	items   []T
	changed chan struct{}
}

func NewWorkQueue[T any]() *WorkQueue[T] {
	return &WorkQueue[T]{
		changed: make(chan struct{}),
	}
}

// Add appends the item to the end of the queue and returns the new queue length.
func (q *WorkQueue[T]) Add(item T) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	q.notify()

	return len(q.items)
}

// AddNext inserts the item right after the current head, or makes it the head if the queue is
// empty. The head itself is never displaced.
func (q *WorkQueue[T]) AddNext(item T) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		q.items = append(q.items, item)
	} else {
		q.items = append(q.items[:1], append([]T{item}, q.items[1:]...)...)
	}

	q.notify()

	return len(q.items)
}

// Head returns the first item of the queue.
func (q *WorkQueue[T]) Head() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	return q.items[0], true
}

// Remove removes the first item matching the predicate.
func (q *WorkQueue[T]) Remove(match func(T) bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if match(item) {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item, true
		}
	}

	var zero T
	return zero, false
}

// Find returns the first item matching the predicate without removing it.
func (q *WorkQueue[T]) Find(match func(T) bool) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.items {
		if match(item) {
			return item, true
		}
	}

	var zero T
	return zero, false
}

// Clear removes and returns all items.
func (q *WorkQueue[T]) Clear() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

// Items returns a snapshot of the queue.
func (q *WorkQueue[T]) Items() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := make([]T, len(q.items))
	copy(items, q.items)

	return items
}

func (q *WorkQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Wait blocks until the queue contains at least one item or the context is done.
func (q *WorkQueue[T]) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// notify wakes up all waiters. Must be called with mu held.
func (q *WorkQueue[T]) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}
