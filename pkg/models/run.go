package models

import "time"

// Run execution modes. The mode bounds how much autonomy the engine gets:
// plan_only never executes steps, autopilot_safe executes everything that
// does not trip an approval gate.
type RunMode string

const (
	RunModePlanOnly       RunMode = "plan_only"
	RunModeResearch       RunMode = "research"
	RunModeExecuteConfirm RunMode = "execute_confirm"
	RunModeAutopilotSafe  RunMode = "autopilot_safe"
)

// Valid reports whether the mode is one of the accepted run modes.
func (m RunMode) Valid() bool {
	switch m {
	case RunModePlanOnly, RunModeResearch, RunModeExecuteConfirm, RunModeAutopilotSafe:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusCreated         RunStatus = "created"
	RunStatusPlanning        RunStatus = "planning"
	RunStatusRunning         RunStatus = "running"
	RunStatusWaitingApproval RunStatus = "waiting_approval"
	RunStatusPaused          RunStatus = "paused"
	RunStatusDone            RunStatus = "done"
	RunStatusFailed          RunStatus = "failed"
	RunStatusCanceled        RunStatus = "canceled"
)

// IsTerminal reports whether the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusDone, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// Run is a single orchestrated execution of a user query within a project.
// Fields other than status, mode, purpose and meta are immutable after
// creation.
type Run struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	QueryText   string         `json:"query_text"`
	Mode        RunMode        `json:"mode"`
	Purpose     string         `json:"purpose,omitempty"`
	ParentRunID string         `json:"parent_run_id,omitempty"`
	Status      RunStatus      `json:"status"`
	Meta        map[string]any `json:"meta"`
	CreatedAt   time.Time      `json:"created_at"`
}

// CreateRunRequest is the payload for POST /projects/:id/runs.
type CreateRunRequest struct {
	QueryText   string  `json:"query_text"`
	Mode        RunMode `json:"mode"`
	Purpose     string  `json:"purpose,omitempty"`
	ParentRunID string  `json:"parent_run_id,omitempty"`
}
