package services

import (
	"context"
	"errors"

	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/store"
)

// ApprovalService decides pending approvals on behalf of the user and
// enriches run approvals with action previews for the UI.
type ApprovalService struct {
	store store.Store
	bus   *events.Bus
}

// NewApprovalService builds the service.
func NewApprovalService(st store.Store, bus *events.Bus) *ApprovalService {
	return &ApprovalService{store: st, bus: bus}
}

// ApprovalView is one approval with its computed preview, when the
// approval gates a plan step that declared danger flags.
type ApprovalView struct {
	*models.Approval
	Preview *Preview `json:"preview,omitempty"`
}

// Approve marks the approval approved. Deciding an already-terminal
// approval is a no-op and returns the stored row unchanged.
func (s *ApprovalService) Approve(ctx context.Context, approvalID, decision string) (*models.Approval, error) {
	approval, err := s.store.UpdateApprovalStatus(ctx, approvalID, models.ApprovalStatusApproved, decision, "user")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_, _ = s.bus.Emit(ctx, approval.RunID, events.TypeApprovalApproved, "Подтверждение принято", map[string]any{
		"approval_id": approvalID,
		"decision":    decision,
	}, events.WithTask(approval.TaskID))
	return approval, nil
}

// Reject marks the approval rejected.
func (s *ApprovalService) Reject(ctx context.Context, approvalID string) (*models.Approval, error) {
	approval, err := s.store.UpdateApprovalStatus(ctx, approvalID, models.ApprovalStatusRejected, "", "user")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	_, _ = s.bus.Emit(ctx, approval.RunID, events.TypeApprovalRejected, "Подтверждение отклонено", map[string]any{
		"approval_id": approvalID,
	}, events.WithTask(approval.TaskID))
	return approval, nil
}

// ListWithPreviews returns the run's approvals, attaching a preview to
// each one whose gated plan step carries danger flags.
func (s *ApprovalService) ListWithPreviews(ctx context.Context, runID string) ([]*ApprovalView, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	approvals, err := s.store.ListApprovals(ctx, runID)
	if err != nil {
		return nil, err
	}

	views := make([]*ApprovalView, 0, len(approvals))
	for _, approval := range approvals {
		view := &ApprovalView{Approval: approval}
		step := s.stepForApproval(ctx, approval)
		switch {
		case approval.Scope == ScopeCloudFinancial:
			items := FinancialFileItems(step)
			view.Preview = CloudFinancialPreview(items, RedactionSummary(items))
		case step != nil && len(step.DangerFlags) > 0:
			approvalType := ApprovalTypeFromFlags(step.DangerFlags)
			view.Preview = PreviewForStep(run, step, approvalType)
		}
		views = append(views, view)
	}
	return views, nil
}

// stepForApproval resolves the plan step an approval gates, via its
// task. Help approvals carry no task and yield nil.
func (s *ApprovalService) stepForApproval(ctx context.Context, approval *models.Approval) *models.PlanStep {
	if approval.TaskID == "" {
		return nil
	}
	task, err := s.store.GetTask(ctx, approval.TaskID)
	if err != nil || task.StepID == "" {
		return nil
	}
	step, err := s.store.GetPlanStep(ctx, task.StepID)
	if err != nil {
		return nil
	}
	return step
}
