package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/store"
)

// runWorker drives one run until every step is terminal or the run
// leaves the running state. Steps execute one at a time in step_index
// order once their dependencies are done.
func (e *Engine) runWorker(ctx context.Context, runID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			slog.Error("worker failed to load run", "run_id", runID, "error", err)
			return
		}
		if run.Status.IsTerminal() {
			return
		}
		if run.Status == models.RunStatusPaused {
			if !sleepCtx(ctx, e.cfg.StatusPoll) {
				return
			}
			continue
		}

		steps, err := e.store.ListPlanSteps(ctx, runID)
		if err != nil {
			slog.Error("worker failed to list steps", "run_id", runID, "error", err)
			return
		}
		sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })

		e.skipBlockedSteps(ctx, runID, steps)

		next := nextReadyStep(steps)
		if next == nil {
			if allTerminal(steps) {
				e.finalizeRun(ctx, runID, steps)
				return
			}
			if !sleepCtx(ctx, e.cfg.StatusPoll) {
				return
			}
			continue
		}

		e.executeStep(ctx, run, next)
	}
}

// skipBlockedSteps marks steps whose dependencies failed or were skipped
// as skipped, transitively.
func (e *Engine) skipBlockedSteps(ctx context.Context, runID string, steps []*models.PlanStep) {
	byIndex := make(map[int]*models.PlanStep, len(steps))
	for _, step := range steps {
		byIndex[step.StepIndex] = step
	}

	for changed := true; changed; {
		changed = false
		for _, step := range steps {
			if step.Status != models.StepStatusCreated {
				continue
			}
			for _, dep := range step.DependsOn {
				parent := byIndex[dep]
				if parent == nil {
					continue
				}
				if parent.Status == models.StepStatusFailed || parent.Status == models.StepStatusSkipped {
					if err := e.store.UpdateStepStatus(ctx, step.ID, models.StepStatusSkipped); err != nil {
						slog.Warn("failed to skip step", "step_id", step.ID, "error", err)
						break
					}
					step.Status = models.StepStatusSkipped
					e.emit(ctx, runID, events.TypeStepExecutionFinished, "Шаг пропущен", map[string]any{
						"status":     string(models.StepStatusSkipped),
						"step_index": step.StepIndex,
						"reason":     "dependency_failed",
						"depends_on": dep,
					}, events.WithStep(step.ID))
					changed = true
					break
				}
			}
		}
	}
}

// nextReadyStep returns the lowest-index created step whose dependencies
// are all done.
func nextReadyStep(steps []*models.PlanStep) *models.PlanStep {
	byIndex := make(map[int]*models.PlanStep, len(steps))
	for _, step := range steps {
		byIndex[step.StepIndex] = step
	}
	for _, step := range steps {
		if step.Status != models.StepStatusCreated {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			parent := byIndex[dep]
			if parent == nil || parent.Status != models.StepStatusDone {
				ready = false
				break
			}
		}
		if ready {
			return step
		}
	}
	return nil
}

func allTerminal(steps []*models.PlanStep) bool {
	for _, step := range steps {
		if !step.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// finalizeRun settles the run status once every step is terminal.
func (e *Engine) finalizeRun(ctx context.Context, runID string, steps []*models.PlanStep) {
	var done, failed, skipped int
	for _, step := range steps {
		switch step.Status {
		case models.StepStatusDone:
			done++
		case models.StepStatusFailed:
			failed++
		case models.StepStatusSkipped:
			skipped++
		}
	}

	if failed > 0 {
		if err := e.store.UpdateRunStatus(ctx, runID, models.RunStatusFailed); err != nil {
			slog.Error("failed to fail run", "run_id", runID, "error", err)
			return
		}
		e.emit(ctx, runID, events.TypeRunFailed, "Запуск завершён с ошибкой", map[string]any{
			"steps_done":    done,
			"steps_failed":  failed,
			"steps_skipped": skipped,
		}, events.WithLevel(models.EventLevelWarning))
		return
	}

	if err := e.store.UpdateRunStatus(ctx, runID, models.RunStatusDone); err != nil {
		slog.Error("failed to finish run", "run_id", runID, "error", err)
		return
	}
	e.emit(ctx, runID, events.TypeTaskProgress, "Запуск завершён", map[string]any{
		"phase":         "run_finished",
		"steps_done":    done,
		"steps_skipped": skipped,
	})
}

// executeStep runs one attempt of a step, including the approval gate.
func (e *Engine) executeStep(ctx context.Context, run *models.Run, step *models.PlanStep) {
	task, err := e.createAttempt(ctx, run.ID, step)
	if err != nil {
		slog.Error("failed to create task", "run_id", run.ID, "step_id", step.ID, "error", err)
		e.failStep(ctx, run.ID, step, task, "task_create_failed: "+err.Error())
		return
	}

	if needsApproval(run, step) {
		proceed := e.awaitApproval(ctx, run, step, task)
		if !proceed {
			return
		}
	}

	if err := e.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRunning); err != nil {
		slog.Warn("failed to mark task running", "task_id", task.ID, "error", err)
	}
	if err := e.store.UpdateStepStatus(ctx, step.ID, models.StepStatusRunning); err != nil {
		slog.Warn("failed to mark step running", "step_id", step.ID, "error", err)
	}
	step.Status = models.StepStatusRunning
	e.emit(ctx, run.ID, events.TypeStepExecutionStarted, "Шаг запущен", map[string]any{
		"step_index": step.StepIndex,
		"kind":       string(step.Kind),
		"skill":      step.SkillName,
		"attempt":    task.Attempt,
	}, events.WithStep(step.ID), events.WithTask(task.ID))

	skill, ok := e.skills.Get(step.SkillName)
	if !ok {
		e.failStep(ctx, run.ID, step, task, "skill_not_registered: "+step.SkillName)
		return
	}

	result, err := skill.Execute(ctx, run, step, task)
	if err != nil {
		if ctx.Err() != nil {
			e.cancelAttempt(ctx, run.ID, step, task)
			return
		}
		if brain.IsTransient(err) && task.Attempt <= e.cfg.StepRetryBudget {
			if uerr := e.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed); uerr != nil {
				slog.Warn("failed to fail task", "task_id", task.ID, "error", uerr)
			}
			if uerr := e.store.UpdateStepStatus(ctx, step.ID, models.StepStatusCreated); uerr != nil {
				slog.Warn("failed to requeue step", "step_id", step.ID, "error", uerr)
			}
			step.Status = models.StepStatusCreated
			e.emit(ctx, run.ID, events.TypeStepRetrying, "Повторяю шаг", map[string]any{
				"attempt": task.Attempt,
				"error":   err.Error(),
			}, events.WithStep(step.ID), events.WithTask(task.ID), events.WithLevel(models.EventLevelWarning))
			return
		}
		e.failStep(ctx, run.ID, step, task, err.Error())
		return
	}

	e.persistResult(ctx, run.ID, step, task, result)

	if err := e.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusDone); err != nil {
		slog.Warn("failed to finish task", "task_id", task.ID, "error", err)
	}
	if err := e.store.UpdateStepStatus(ctx, step.ID, models.StepStatusDone); err != nil {
		slog.Warn("failed to finish step", "step_id", step.ID, "error", err)
	}
	step.Status = models.StepStatusDone
	e.emit(ctx, run.ID, events.TypeStepExecutionFinished, "Шаг завершён", map[string]any{
		"status":     string(models.StepStatusDone),
		"step_index": step.StepIndex,
		"confidence": result.Confidence,
	}, events.WithStep(step.ID), events.WithTask(task.ID))
}

// createAttempt makes the next task for a step. Attempt numbers grow by
// one per retry; a leftover non-terminal task from a crashed worker is
// reused.
func (e *Engine) createAttempt(ctx context.Context, runID string, step *models.PlanStep) (*models.Task, error) {
	tasks, err := e.store.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	attempt := 1
	for _, t := range tasks {
		if t.StepID != step.ID {
			continue
		}
		if !t.Status.IsTerminal() {
			return t, nil
		}
		if t.Attempt >= attempt {
			attempt = t.Attempt + 1
		}
	}

	task := &models.Task{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    step.ID,
		Attempt:   attempt,
		Status:    models.TaskStatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		if errors.Is(err, store.ErrTaskConflict) {
			for _, t := range tasks {
				if t.StepID == step.ID && !t.Status.IsTerminal() {
					return t, nil
				}
			}
		}
		return nil, err
	}
	return task, nil
}

// needsApproval reports whether the engine itself must gate the step.
// Computer-control steps are excluded: the executor skill owns their
// approval flow (scope computer_step) so it can attach action previews.
func needsApproval(run *models.Run, step *models.PlanStep) bool {
	return step.RequiresApproval && !isComputerKind(step.Kind)
}

func isComputerKind(kind models.StepKind) bool {
	switch kind {
	case models.StepKindComputerActions, models.StepKindBrowserResearchUI,
		models.StepKindFileOrganize, models.StepKindCodeAssist:
		return true
	}
	return false
}

// awaitApproval blocks the step on a pending approval and polls for the
// decision. It returns true when the step may execute.
func (e *Engine) awaitApproval(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task) bool {
	if err := e.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusWaitingApproval); err != nil {
		slog.Warn("failed to park task", "task_id", task.ID, "error", err)
	}
	if err := e.store.UpdateRunStatus(ctx, run.ID, models.RunStatusWaitingApproval); err != nil {
		slog.Warn("failed to park run", "run_id", run.ID, "error", err)
	}

	approval := &models.Approval{
		ID:              uuid.NewString(),
		RunID:           run.ID,
		TaskID:          task.ID,
		Scope:           "step",
		Title:           step.Title,
		Description:     step.SuccessCriteria,
		ProposedActions: append([]string(nil), step.DangerFlags...),
		Status:          models.ApprovalStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.CreateApproval(ctx, approval); err != nil {
		slog.Error("failed to create approval", "run_id", run.ID, "error", err)
		e.failStep(ctx, run.ID, step, task, "approval_create_failed: "+err.Error())
		return false
	}

	e.emit(ctx, run.ID, events.TypeStepPausedForApproval, "Шаг ожидает подтверждения", map[string]any{
		"step_index":  step.StepIndex,
		"approval_id": approval.ID,
	}, events.WithStep(step.ID), events.WithTask(task.ID))
	e.emit(ctx, run.ID, events.TypeApprovalRequested, "Требуется подтверждение", map[string]any{
		"approval_id":      approval.ID,
		"scope":            approval.Scope,
		"title":            approval.Title,
		"proposed_actions": approval.ProposedActions,
	}, events.WithStep(step.ID), events.WithTask(task.ID))
	e.emit(ctx, run.ID, events.TypeUserActionRequired, "Требуется действие пользователя", map[string]any{
		"approval_id": approval.ID,
		"scope":       approval.Scope,
	}, events.WithStep(step.ID), events.WithTask(task.ID))

	for {
		if !sleepCtx(ctx, e.cfg.ApprovalPoll) {
			e.cancelAttempt(ctx, run.ID, step, task)
			return false
		}

		current, err := e.store.GetApproval(ctx, approval.ID)
		if err != nil {
			slog.Warn("failed to poll approval", "approval_id", approval.ID, "error", err)
			continue
		}
		switch current.Status {
		case models.ApprovalStatusPending:
			runNow, err := e.store.GetRun(ctx, run.ID)
			if err == nil && runNow.Status == models.RunStatusCanceled {
				e.cancelAttempt(ctx, run.ID, step, task)
				return false
			}
		case models.ApprovalStatusApproved:
			if err := e.store.UpdateRunStatus(ctx, run.ID, models.RunStatusRunning); err != nil {
				slog.Warn("failed to resume run", "run_id", run.ID, "error", err)
			}
			e.emit(ctx, run.ID, events.TypeApprovalResolved, "Подтверждение получено", map[string]any{
				"approval_id": current.ID,
				"status":      string(current.Status),
				"decided_by":  current.DecidedBy,
			}, events.WithStep(step.ID), events.WithTask(task.ID))
			return true
		case models.ApprovalStatusRejected:
			if err := e.store.UpdateRunStatus(ctx, run.ID, models.RunStatusRunning); err != nil {
				slog.Warn("failed to resume run", "run_id", run.ID, "error", err)
			}
			e.emit(ctx, run.ID, events.TypeApprovalResolved, "Подтверждение отклонено", map[string]any{
				"approval_id": current.ID,
				"status":      string(current.Status),
				"decided_by":  current.DecidedBy,
			}, events.WithStep(step.ID), events.WithTask(task.ID))
			e.failStep(ctx, run.ID, step, task, "approval_rejected")
			return false
		case models.ApprovalStatusExpired:
			e.failStep(ctx, run.ID, step, task, "approval_expired")
			return false
		}
	}
}

// failStep marks the attempt and the step failed and reports why.
func (e *Engine) failStep(ctx context.Context, runID string, step *models.PlanStep, task *models.Task, reason string) {
	if task != nil {
		if err := e.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed); err != nil {
			slog.Warn("failed to fail task", "task_id", task.ID, "error", err)
		}
	}
	if err := e.store.UpdateStepStatus(ctx, step.ID, models.StepStatusFailed); err != nil {
		slog.Warn("failed to fail step", "step_id", step.ID, "error", err)
	}
	step.Status = models.StepStatusFailed

	opts := []events.EmitOption{events.WithStep(step.ID), events.WithLevel(models.EventLevelWarning)}
	if task != nil {
		opts = append(opts, events.WithTask(task.ID))
	}
	e.emit(ctx, runID, events.TypeStepExecutionFinished, "Шаг завершился с ошибкой", map[string]any{
		"status":     string(models.StepStatusFailed),
		"step_index": step.StepIndex,
		"error":      reason,
	}, opts...)
}

// cancelAttempt settles a task interrupted by run cancellation. The step
// goes back to created so a later retry can pick it up.
func (e *Engine) cancelAttempt(ctx context.Context, runID string, step *models.PlanStep, task *models.Task) {
	bg := context.WithoutCancel(ctx)
	if err := e.store.UpdateTaskStatus(bg, task.ID, models.TaskStatusCanceled); err != nil {
		slog.Warn("failed to cancel task", "task_id", task.ID, "error", err)
	}
	if err := e.store.UpdateStepStatus(bg, step.ID, models.StepStatusCreated); err != nil {
		slog.Warn("failed to requeue step", "step_id", step.ID, "error", err)
	}
	step.Status = models.StepStatusCreated
	e.emit(bg, runID, events.TypeStepCancelledByUser, "Шаг отменён", map[string]any{
		"step_index": step.StepIndex,
	}, events.WithStep(step.ID), events.WithTask(task.ID))
}

// persistResult stores the skill's sources, facts and artifacts and
// re-emits its progress notes as events.
func (e *Engine) persistResult(ctx context.Context, runID string, step *models.PlanStep, task *models.Task, result *models.SkillResult) {
	if result == nil {
		return
	}
	now := time.Now().UTC()

	for _, item := range result.Events {
		payload := map[string]any{}
		if item.ReasonCode != "" {
			payload["reason_code"] = item.ReasonCode
		}
		if item.Progress != nil {
			payload["progress"] = map[string]any{
				"current": item.Progress.Current,
				"total":   item.Progress.Total,
				"unit":    item.Progress.Unit,
			}
		}
		e.emit(ctx, runID, events.TypeTaskProgress, item.Message, payload,
			events.WithStep(step.ID), events.WithTask(task.ID))
	}

	if len(result.Sources) > 0 {
		sources := make([]*models.Source, 0, len(result.Sources))
		for _, c := range result.Sources {
			sources = append(sources, &models.Source{
				ID:          uuid.NewString(),
				RunID:       runID,
				URL:         c.URL,
				Title:       c.Title,
				Domain:      c.Domain,
				Quality:     c.Quality,
				Snippet:     c.Snippet,
				RetrievedAt: now,
				Pinned:      c.Pinned,
			})
		}
		if _, err := e.store.InsertSources(ctx, sources); err != nil {
			slog.Warn("failed to insert sources", "run_id", runID, "error", err)
		}
	}

	if len(result.Facts) > 0 {
		e.persistFacts(ctx, runID, result.Facts)
	}

	if len(result.Artifacts) > 0 {
		artifacts := make([]*models.Artifact, 0, len(result.Artifacts))
		for _, c := range result.Artifacts {
			artifacts = append(artifacts, &models.Artifact{
				ID:         uuid.NewString(),
				RunID:      runID,
				Type:       c.Type,
				Title:      c.Title,
				ContentURI: c.ContentURI,
				CreatedAt:  now,
				Meta:       c.Meta,
			})
		}
		if _, err := e.store.InsertArtifacts(ctx, artifacts); err != nil {
			slog.Warn("failed to insert artifacts", "run_id", runID, "error", err)
		}
	}
}

// persistFacts inserts fact candidates and opens a conflict whenever a
// key already holds a different value in this run.
func (e *Engine) persistFacts(ctx context.Context, runID string, candidates []models.FactCandidate) {
	existing, err := e.store.ListFacts(ctx, runID)
	if err != nil {
		slog.Warn("failed to list facts", "run_id", runID, "error", err)
		existing = nil
	}
	byKey := make(map[string]*models.Fact, len(existing))
	for _, f := range existing {
		byKey[f.Key] = f
	}

	now := time.Now().UTC()
	facts := make([]*models.Fact, 0, len(candidates))
	var conflicts []*models.Conflict
	for _, c := range candidates {
		facts = append(facts, &models.Fact{
			ID:         uuid.NewString(),
			RunID:      runID,
			Key:        c.Key,
			Value:      c.Value,
			Confidence: c.Confidence,
			CreatedAt:  now,
		})
		if prior, ok := byKey[c.Key]; ok && prior.Value != c.Value {
			conflicts = append(conflicts, &models.Conflict{
				ID:        uuid.NewString(),
				RunID:     runID,
				FactKey:   c.Key,
				Values:    []string{prior.Value, c.Value},
				Status:    models.ConflictStatusOpen,
				CreatedAt: now,
			})
		}
	}

	if err := e.store.InsertFacts(ctx, facts); err != nil {
		slog.Warn("failed to insert facts", "run_id", runID, "error", err)
	}
	if len(conflicts) > 0 {
		if err := e.store.InsertConflicts(ctx, conflicts); err != nil {
			slog.Warn("failed to insert conflicts", "run_id", runID, "error", err)
		}
		for _, conflict := range conflicts {
			e.emit(ctx, runID, events.TypeTaskProgress, "Обнаружен конфликт фактов: "+conflict.FactKey, map[string]any{
				"reason_code": "fact_conflict",
				"conflict_id": conflict.ID,
				"fact_key":    conflict.FactKey,
			}, events.WithLevel(models.EventLevelWarning))
		}
	}
}

// sleepCtx waits d or until ctx is done; it reports false on ctx done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
