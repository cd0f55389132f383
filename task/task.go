// Package task defines the contract for incrementally executed, cancellable work and
// provides Combined, which runs an ordered list of tasks one after another while
// looking like a single task to whoever drives it.
package task

import "context"

// Task is a unit of work that is executed in small increments by an external scheduler.
//
// Implementations must be safe for concurrent use: a scheduler may call DoWork from one or
// more goroutines while progress is queried or cancellation is requested from others.
type Task interface {
	// DoWork performs a single bounded increment of work. Errors are returned to the caller,
	// which decides whether to retry, skip or abort. Calling DoWork when HasMoreWork returns
	// false is a no-op.
	DoWork(ctx context.Context) error

	// HasMoreWork reports whether a future DoWork call would do work or advance the task.
	HasMoreWork() bool

	// EstimateProgress returns the completed fraction of the task in [0, 1]. It is 1 once
	// HasMoreWork returns false.
	EstimateProgress() float64

	// Cancel requests the task to stop early. It does not block and can be called any
	// number of times.
	Cancel()
}
