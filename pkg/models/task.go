package models

import "time"

// TaskStatus is the lifecycle state of a task attempt.
type TaskStatus string

const (
	TaskStatusCreated         TaskStatus = "created"
	TaskStatusRunning         TaskStatus = "running"
	TaskStatusWaitingApproval TaskStatus = "waiting_approval"
	TaskStatusDone            TaskStatus = "done"
	TaskStatusFailed          TaskStatus = "failed"
	TaskStatusCanceled        TaskStatus = "canceled"
)

// IsTerminal reports whether the task can no longer change state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusFailed, TaskStatusCanceled:
		return true
	}
	return false
}

// Task is one execution attempt of a plan step. Attempt starts at 1 and
// increments on retry; at most one non-terminal task may exist per
// (run_id, step_id) pair.
type Task struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	StepID    string     `json:"step_id"`
	Attempt   int        `json:"attempt"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}
