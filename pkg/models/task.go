package models

import "time"

// TaskStatus is the lifecycle state of a queued task (spec.md §3, Task).
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskLeased    TaskStatus = "leased"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// DefaultMaxAttempts is used when a caller does not specify a retry bound.
const DefaultMaxAttempts = 3

// Task is a single entry in the durable, leased task queue that backs swarm
// execution (spec.md §3, Task; §4.12).
//
// Invariant: Status == TaskLeased iff LeasedUntil is non-nil and in the
// future and LeasedBy is non-empty. Completed and Failed are terminal.
type Task struct {
	ID          string         `json:"task_id"`
	AgentID     string         `json:"agent_id"`
	Payload     map[string]any `json:"payload"`
	Status      TaskStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LeasedUntil *time.Time     `json:"leased_until,omitempty"`
	LeasedBy    string         `json:"leased_by,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// IsTerminal reports whether the task can no longer change state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}
