package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/privacy"
	"github.com/astra-local/astra/pkg/services"
)

// Approval scopes the executor creates.
const (
	ScopeComputerStep = "computer_step"
	ScopeExecutorHelp = "executor_help"
)

// requestStepApproval gates a dangerous computer step on a human
// decision before any action is injected.
func (s *Skill) requestStepApproval(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task) (bool, error) {
	proposed := append([]string(nil), step.DangerFlags...)
	if len(proposed) == 0 {
		proposed = []string{fmt.Sprintf("%s (%s)", step.Title, step.Kind)}
	}
	return s.awaitDecision(ctx, run, step, task, &models.Approval{
		ID:              uuid.NewString(),
		RunID:           run.ID,
		TaskID:          task.ID,
		Scope:           ScopeComputerStep,
		Title:           "Подтверждение действия",
		Description:     "Требуется подтверждение для выполнения шага на компьютере.",
		ProposedActions: proposed,
		Status:          models.ApprovalStatusPending,
		CreatedAt:       time.Now().UTC(),
	}, "Шаг ожидает подтверждение")
}

// requestCloudFinancialApproval gates a step whose inputs carry
// financial file content: the content enters a model prompt only after
// an explicit user decision.
func (s *Skill) requestCloudFinancialApproval(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task, items []privacy.ContextItem) (bool, error) {
	preview := services.CloudFinancialPreview(items, services.RedactionSummary(items))
	return s.awaitDecision(ctx, run, step, task, &models.Approval{
		ID:              uuid.NewString(),
		RunID:           run.ID,
		TaskID:          task.ID,
		Scope:           services.ScopeCloudFinancial,
		Title:           preview.Summary,
		Description:     preview.Risk,
		ProposedActions: services.ProposedActionsFromPreview(services.ApprovalTypeCloudFinancial, preview),
		Status:          models.ApprovalStatusPending,
		CreatedAt:       time.Now().UTC(),
	}, "Шаг ожидает подтверждение")
}

// requestUserHelp pauses the micro-loop when the executor is stuck; an
// approval doubles as the "continue anyway" switch.
func (s *Skill) requestUserHelp(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task, reason string) (bool, error) {
	return s.awaitDecision(ctx, run, step, task, &models.Approval{
		ID:              uuid.NewString(),
		RunID:           run.ID,
		TaskID:          task.ID,
		Scope:           ScopeExecutorHelp,
		Title:           "Нужно вмешательство",
		Description:     "Executor не может продолжить без подтверждения пользователя.",
		ProposedActions: []string{reason},
		Status:          models.ApprovalStatusPending,
		CreatedAt:       time.Now().UTC(),
	}, "Ожидание решения пользователя")
}

// awaitDecision persists the approval, parks the task and polls until a
// terminal decision. Run cancellation expires the approval.
func (s *Skill) awaitDecision(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task, approval *models.Approval, pauseMessage string) (bool, error) {
	if err := s.store.CreateApproval(ctx, approval); err != nil {
		return false, fmt.Errorf("failed to create approval: %w", err)
	}

	s.emit(ctx, run.ID, events.TypeApprovalRequested, "Запрошено подтверждение", map[string]any{
		"approval_id":      approval.ID,
		"scope":            approval.Scope,
		"title":            approval.Title,
		"description":      approval.Description,
		"proposed_actions": approval.ProposedActions,
	}, step, task)
	s.emit(ctx, run.ID, events.TypeStepPausedForApproval, pauseMessage, map[string]any{
		"approval_id": approval.ID,
	}, step, task)
	s.emit(ctx, run.ID, events.TypeUserActionRequired, "Требуется действие пользователя", map[string]any{
		"approval_id": approval.ID,
		"scope":       approval.Scope,
	}, step, task)

	if err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusWaitingApproval); err != nil {
		slog.Warn("failed to park task", "task_id", task.ID, "error", err)
	}

	decided, err := s.pollApproval(ctx, run.ID, approval.ID)
	if err != nil {
		return false, err
	}

	s.emit(ctx, run.ID, events.TypeApprovalResolved, "Подтверждение завершено", map[string]any{
		"approval_id": decided.ID,
		"status":      string(decided.Status),
		"decision":    decided.Decision,
	}, step, task)

	if decided.Status != models.ApprovalStatusApproved {
		return false, nil
	}
	if err := s.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning); err != nil {
		slog.Warn("failed to resume task", "task_id", task.ID, "error", err)
	}
	return true, nil
}

func (s *Skill) pollApproval(ctx context.Context, runID, approvalID string) (*models.Approval, error) {
	for {
		approval, err := s.store.GetApproval(ctx, approvalID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll approval: %w", err)
		}
		if approval.Status.IsTerminal() {
			return approval, nil
		}

		run, err := s.store.GetRun(ctx, runID)
		if err == nil && run.Status == models.RunStatusCanceled {
			expired, uerr := s.store.UpdateApprovalStatus(ctx, approvalID, models.ApprovalStatusExpired, "", "system")
			if uerr != nil {
				return approval, nil
			}
			return expired, nil
		}

		if !sleepCtx(ctx, s.cfg.ApprovalPoll) {
			return nil, ctx.Err()
		}
	}
}
