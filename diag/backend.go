package diag

import "github.com/cschleiden/go-rendertasks/worker"

// Source provides the task information served by the diagnostics endpoints. *worker.Worker
// implements it.
type Source interface {
	Tasks() []worker.TaskInfo
	Status(id string) (worker.TaskInfo, bool)
}

var _ Source = (*worker.Worker)(nil)

// json: serialization in this file is part of the diagnostics API

type TaskList struct {
	Tasks []worker.TaskInfo `json:"tasks"`

	// Progress is the progress of the task currently being executed
	Progress float64 `json:"progress"`
}
