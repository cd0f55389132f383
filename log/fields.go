package log

const (
	NamespaceKey = "rendertasks"

	TaskIDKey    = NamespaceKey + ".task.id"
	TaskNameKey  = NamespaceKey + ".task.name"
	TaskStateKey = NamespaceKey + ".task.state"

	ProgressKey = NamespaceKey + ".progress"
	AttemptKey  = NamespaceKey + ".attempt"
	DurationKey = NamespaceKey + ".duration_ms"
	BackoffKey  = NamespaceKey + ".backoff_ms"

	WorkerKey    = NamespaceKey + ".worker"
	QueueSizeKey = NamespaceKey + ".queue.size"
)
