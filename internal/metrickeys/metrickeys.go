package metrickeys

const (
	Prefix = "rendertasks."

	TaskScheduled = Prefix + "task.scheduled"
	TaskFinished  = Prefix + "task.finished"
	TaskRemoved   = Prefix + "task.removed"

	// Time between scheduling a task and its first increment
	TaskDelay = Prefix + "task.time_in_queue"

	IncrementProcessed = Prefix + "increment.processed"
	IncrementFailed    = Prefix + "increment.failed"

	QueueSize = Prefix + "queue.size"

	RetentionEviction = Prefix + "retention.eviction"
)

// Tag names
const (
	// Final state of a task
	State = "state"

	TaskName = "task"

	// Reason for evicting an entry from the finished task cache
	EvictionReason = "reason"
)
