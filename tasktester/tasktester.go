// Package tasktester contains helpers for unit testing task implementations and code that
// drives tasks.
package tasktester

import (
	"context"
	"sync"

	"github.com/cschleiden/go-rendertasks/task"
)

// Task is a fake leaf task that needs a fixed number of increments to finish. It records how
// often it was worked on and cancelled.
type Task struct {
	mu sync.Mutex

	increments int
	works      int
	cancels    int
	canceled   bool

	failures []error
}

var _ task.Task = (*Task)(nil)

// NewTask returns a fake task that finishes after the given number of increments.
func NewTask(increments int) *Task {
	return &Task{
		increments: increments,
	}
}

// FailNext makes the next DoWork call return err without making progress.
func (t *Task) FailNext(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures = append(t.failures, err)
}

func (t *Task) DoWork(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasMoreWork() {
		return nil
	}

	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		return err
	}

	t.works++

	return nil
}

func (t *Task) HasMoreWork() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.hasMoreWork()
}

func (t *Task) hasMoreWork() bool {
	return !t.canceled && t.works < t.increments
}

func (t *Task) EstimateProgress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasMoreWork() {
		return 1
	}

	return float64(t.works) / float64(t.increments)
}

func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancels++
	t.canceled = true
}

// Works returns the number of increments performed so far.
func (t *Task) Works() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.works
}

// Cancels returns how often Cancel was called.
func (t *Task) Cancels() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.cancels
}

// Drain calls DoWork until the task has no more work left and returns the number of calls.
// It stops at the first error.
func Drain(ctx context.Context, t task.Task) (int, error) {
	calls := 0

	for t.HasMoreWork() {
		calls++

		if err := t.DoWork(ctx); err != nil {
			return calls, err
		}
	}

	return calls, nil
}
