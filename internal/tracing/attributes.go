package tracing

const (
	TaskID   = "task.id"
	TaskName = "task.name"

	TaskProgress = "task.progress"
	TaskAttempt  = "task.attempt"

	Worker = "worker.index"
)
