package task

import (
	"context"
	"sync"
	"sync/atomic"
)

// Combined executes a fixed sequence of tasks in order. Every DoWork call either delegates a
// single increment to the current task or, if the current task has no more work, moves on to
// the next one without doing any work.
type Combined[T Task] struct {
	tasks []T

	// mu guards the decision to skip or delegate. It is never held while a sub-task works.
	mu sync.Mutex

	// cursor only grows. It is written under mu and read atomically by HasMoreWork.
	cursor atomic.Int64
}

var _ Task = (*Combined[Task])(nil)

// NewCombined creates a task that runs the given tasks in order. The slice is copied.
func NewCombined[T Task](tasks []T) *Combined[T] {
	ts := make([]T, len(tasks))
	copy(ts, tasks)

	return &Combined[T]{
		tasks: ts,
	}
}

// Sequence is a variadic shorthand for NewCombined.
func Sequence(tasks ...Task) *Combined[Task] {
	return NewCombined(tasks)
}

func (c *Combined[T]) DoWork(ctx context.Context) error {
	c.mu.Lock()

	cursor := int(c.cursor.Load())
	if cursor >= len(c.tasks) {
		c.mu.Unlock()
		return nil
	}

	current := c.tasks[cursor]

	if !current.HasMoreWork() {
		// Finishing a task and starting the next one are separate increments
		c.cursor.Store(int64(cursor + 1))
		c.mu.Unlock()
		return nil
	}

	c.mu.Unlock()

	return current.DoWork(ctx)
}

func (c *Combined[T]) HasMoreWork() bool {
	return int(c.cursor.Load()) < len(c.tasks)
}

func (c *Combined[T]) EstimateProgress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	cursor := int(c.cursor.Load())
	if cursor >= len(c.tasks) {
		return 1
	}

	total := float64(cursor) + c.tasks[cursor].EstimateProgress()

	return total / float64(len(c.tasks))
}

// Cancel cancels every task in the sequence, including finished ones and ones that have not
// been started yet.
func (c *Combined[T]) Cancel() {
	for _, t := range c.tasks {
		t.Cancel()
	}
}

// Len returns the number of tasks in the sequence.
func (c *Combined[T]) Len() int {
	return len(c.tasks)
}

// Tasks returns a copy of the task sequence.
func (c *Combined[T]) Tasks() []T {
	ts := make([]T, len(c.tasks))
	copy(ts, c.tasks)
	return ts
}
