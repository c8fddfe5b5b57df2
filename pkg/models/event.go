package models

import "time"

// EventLevel is the severity attached to a run event.
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event is one append-only record in a run's event stream. Seq is the
// storage-assigned order within the run and is not part of the wire shape.
type Event struct {
	Seq     int64          `json:"-"`
	ID      string         `json:"id"`
	RunID   string         `json:"run_id"`
	TaskID  string         `json:"task_id,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Payload map[string]any `json:"payload"`
	Level   EventLevel     `json:"level"`
	TS      time.Time      `json:"ts"`
}
