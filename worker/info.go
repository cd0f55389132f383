package worker

import "time"

type State string

const (
	StateQueued   State = "queued"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateFailed   State = "failed"
	StateRemoved  State = "removed"
)

// Terminal returns true if the task will not be driven anymore.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateRemoved
}

// TaskInfo is a snapshot of a scheduled task.
type TaskInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`

	State    State   `json:"state"`
	Progress float64 `json:"progress"`

	// Attempts is the number of consecutive failed increments
	Attempts int `json:"attempts,omitempty"`

	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`

	ScheduledAt time.Time  `json:"scheduled_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}
