package models

// StepKind tells the engine which skill family executes a plan step.
type StepKind string

const (
	StepKindChatResponse      StepKind = "CHAT_RESPONSE"
	StepKindWebResearch       StepKind = "WEB_RESEARCH"
	StepKindComputerActions   StepKind = "COMPUTER_ACTIONS"
	StepKindBrowserResearchUI StepKind = "BROWSER_RESEARCH_UI"
	StepKindFileOrganize      StepKind = "FILE_ORGANIZE"
	StepKindCodeAssist        StepKind = "CODE_ASSIST"
	StepKindMemoryCommit      StepKind = "MEMORY_COMMIT"
)

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepStatusCreated StepStatus = "created"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal reports whether the step can no longer change state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusDone, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// PlanStep is one node of a run's execution DAG. StepIndex is unique per
// run and DependsOn references predecessor steps by their step_index; the
// resulting graph must be acyclic.
type PlanStep struct {
	ID                string         `json:"id"`
	RunID             string         `json:"run_id"`
	StepIndex         int            `json:"step_index"`
	Title             string         `json:"title,omitempty"`
	Kind              StepKind       `json:"kind"`
	SkillName         string         `json:"skill_name"`
	Inputs            map[string]any `json:"inputs"`
	DependsOn         []int          `json:"depends_on"`
	Status            StepStatus     `json:"status"`
	SuccessCriteria   string         `json:"success_criteria"`
	DangerFlags       []string       `json:"danger_flags"`
	RequiresApproval  bool           `json:"requires_approval"`
	ArtifactsExpected []string       `json:"artifacts_expected"`
}
