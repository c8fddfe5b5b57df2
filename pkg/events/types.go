// Package events is the kernel's append-only event log and its live
// fan-out. Every component reports progress by emitting typed events;
// the bus persists each event first and only then broadcasts it, so a
// subscriber that replays from the store and then follows the live feed
// sees one gap-free, append-ordered stream per run.
//
// The event type set is closed: Emit rejects anything not registered
// below, which keeps SSE consumers and stored history in lockstep.
package events

// Event types recognized by the bus. Grouped by the component that emits
// them.
const (
	// Run lifecycle
	TypeRunCreated       = "run_created"
	TypeRunFailed        = "run_failed"
	TypeIntentDecided    = "intent_decided"
	TypeClarifyRequested = "clarify_requested"

	// Brain router
	TypeLLMRouteDecided    = "llm_route_decided"
	TypeLLMRequestStarted  = "llm_request_started"
	TypeLLMRequestSuccess  = "llm_request_succeeded"
	TypeLLMRequestFailed   = "llm_request_failed"
	TypeLLMBudgetExceeded  = "llm_budget_exceeded"
	TypeLocalLLMHTTPError  = "local_llm_http_error"
	TypeChatResponseDone   = "chat_response_generated"
	TypeMemorySaveRequest  = "memory_save_requested"
	TypeMemorySaved        = "memory_saved"

	// Engine / tasks
	TypeTaskProgress          = "task_progress"
	TypeStepExecutionStarted  = "step_execution_started"
	TypeStepExecutionFinished = "step_execution_finished"
	TypeStepPausedForApproval = "step_paused_for_approval"
	TypeStepRetrying          = "step_retrying"
	TypeStepWaiting           = "step_waiting"
	TypeStepCancelledByUser   = "step_cancelled_by_user"
	TypeUserActionRequired    = "user_action_required"

	// Computer executor
	TypeObservationCaptured = "observation_captured"
	TypeMicroActionProposed = "micro_action_proposed"
	TypeMicroActionExecuted = "micro_action_executed"
	TypeVerificationResult  = "verification_result"

	// Approvals
	TypeApprovalRequested = "approval_requested"
	TypeApprovalApproved  = "approval_approved"
	TypeApprovalRejected  = "approval_rejected"
	TypeApprovalResolved  = "approval_resolved"
)

// knownTypes is the closed enum the bus accepts.
var knownTypes = map[string]struct{}{
	TypeRunCreated:            {},
	TypeRunFailed:             {},
	TypeIntentDecided:         {},
	TypeClarifyRequested:      {},
	TypeLLMRouteDecided:       {},
	TypeLLMRequestStarted:     {},
	TypeLLMRequestSuccess:     {},
	TypeLLMRequestFailed:      {},
	TypeLLMBudgetExceeded:     {},
	TypeLocalLLMHTTPError:     {},
	TypeChatResponseDone:      {},
	TypeMemorySaveRequest:     {},
	TypeMemorySaved:           {},
	TypeTaskProgress:          {},
	TypeStepExecutionStarted:  {},
	TypeStepExecutionFinished: {},
	TypeStepPausedForApproval: {},
	TypeStepRetrying:          {},
	TypeStepWaiting:           {},
	TypeStepCancelledByUser:   {},
	TypeUserActionRequired:    {},
	TypeObservationCaptured:   {},
	TypeMicroActionProposed:   {},
	TypeMicroActionExecuted:   {},
	TypeVerificationResult:    {},
	TypeApprovalRequested:     {},
	TypeApprovalApproved:      {},
	TypeApprovalRejected:      {},
	TypeApprovalResolved:      {},
}

// Known reports whether t is a member of the closed event type set.
func Known(t string) bool {
	_, ok := knownTypes[t]
	return ok
}

// Types returns the full closed set, for schema mirroring and tests.
func Types() []string {
	out := make([]string, 0, len(knownTypes))
	for t := range knownTypes {
		out = append(out, t)
	}
	return out
}
