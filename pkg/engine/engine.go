// Package engine drives run execution: it turns an ACT run into a plan,
// schedules plan steps along their dependency DAG with one worker
// goroutine per run, dispatches each step to its skill and persists the
// results. Engine operations are safe to call concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/planner"
	"github.com/astra-local/astra/pkg/store"
)

var (
	// ErrRunNotStartable is returned by StartRun when the run status or
	// mode does not allow execution.
	ErrRunNotStartable = errors.New("run is not startable")

	// ErrRunNotCancellable is returned by CancelRun on terminal runs.
	ErrRunNotCancellable = errors.New("run is not cancellable")
)

// runHandle tracks one live worker.
type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns plan creation and run execution.
type Engine struct {
	store   store.Store
	bus     *events.Bus
	planner *planner.Planner
	skills  *Registry
	cfg     *config.EngineConfig

	mu     sync.Mutex
	active map[string]*runHandle
	closed bool
}

// New wires the engine. The skills registry may be filled after
// construction but before the first StartRun.
func New(st store.Store, bus *events.Bus, pl *planner.Planner, skills *Registry, cfg *config.EngineConfig) *Engine {
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}
	return &Engine{
		store:   st,
		bus:     bus,
		planner: pl,
		skills:  skills,
		cfg:     cfg,
		active:  make(map[string]*runHandle),
	}
}

// CreatePlan generates and persists the step DAG for a run and moves the
// run to planning.
func (e *Engine) CreatePlan(ctx context.Context, run *models.Run) ([]*models.PlanStep, error) {
	steps, source, err := e.planner.Plan(ctx, run, planHintFromMeta(run))
	if err != nil {
		return nil, fmt.Errorf("failed to plan run: %w", err)
	}
	if err := e.store.InsertPlanSteps(ctx, steps); err != nil {
		return nil, fmt.Errorf("failed to insert plan steps: %w", err)
	}
	if err := e.store.UpdateRunStatus(ctx, run.ID, models.RunStatusPlanning); err != nil {
		return nil, fmt.Errorf("failed to update run status: %w", err)
	}

	kinds := make([]string, 0, len(steps))
	for _, step := range steps {
		kinds = append(kinds, string(step.Kind))
	}
	e.emit(ctx, run.ID, events.TypeTaskProgress, "План создан", map[string]any{
		"phase":       "plan_created",
		"steps_count": len(steps),
		"step_kinds":  kinds,
		"planner":     source,
	})
	return steps, nil
}

// StartRun moves a planned run to running and launches its worker.
func (e *Engine) StartRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Mode == models.RunModePlanOnly {
		return fmt.Errorf("%w: mode %s never executes", ErrRunNotStartable, run.Mode)
	}
	if run.Status != models.RunStatusCreated && run.Status != models.RunStatusPlanning {
		return fmt.Errorf("%w: status %s", ErrRunNotStartable, run.Status)
	}
	if err := e.store.UpdateRunStatus(ctx, runID, models.RunStatusRunning); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return e.launchWorker(runID)
}

// launchWorker starts the background worker for a run unless one is
// already live.
func (e *Engine) launchWorker(runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("engine is shut down")
	}
	if _, live := e.active[runID]; live {
		return nil
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{cancel: cancel, done: make(chan struct{})}
	e.active[runID] = handle

	go func() {
		defer close(handle.done)
		defer func() {
			e.mu.Lock()
			delete(e.active, runID)
			e.mu.Unlock()
		}()
		e.runWorker(workerCtx, runID)
	}()
	return nil
}

// CancelRun flips the run to canceled, expires its pending approvals and
// signals the worker. In-flight work stops at the next safe point.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("%w: status %s", ErrRunNotCancellable, run.Status)
	}
	if err := e.store.UpdateRunStatus(ctx, runID, models.RunStatusCanceled); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	expired, err := e.store.ExpirePendingApprovals(ctx, runID, "system:cancel")
	if err != nil {
		slog.Warn("failed to expire approvals on cancel", "run_id", runID, "error", err)
	}
	for _, approval := range expired {
		e.emit(ctx, runID, events.TypeApprovalResolved, "Подтверждение отозвано: запуск отменён", map[string]any{
			"approval_id": approval.ID,
			"status":      string(models.ApprovalStatusExpired),
		}, events.WithTask(approval.TaskID))
	}
	e.emit(ctx, runID, events.TypeTaskProgress, "Запуск отменён", map[string]any{"phase": "run_canceled"})

	e.mu.Lock()
	handle := e.active[runID]
	e.mu.Unlock()
	if handle != nil {
		handle.cancel()
	}
	return nil
}

// PauseRun suspends scheduling of new steps without losing state.
func (e *Engine) PauseRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusRunning && run.Status != models.RunStatusWaitingApproval {
		return fmt.Errorf("%w: status %s", ErrRunNotCancellable, run.Status)
	}
	if err := e.store.UpdateRunStatus(ctx, runID, models.RunStatusPaused); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	e.emit(ctx, runID, events.TypeTaskProgress, "Запуск приостановлен", map[string]any{"phase": "run_paused"})
	return nil
}

// ResumeRun continues a paused run, restarting the worker if needed.
func (e *Engine) ResumeRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunStatusPaused {
		return fmt.Errorf("%w: status %s", ErrRunNotStartable, run.Status)
	}
	if err := e.store.UpdateRunStatus(ctx, runID, models.RunStatusRunning); err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	e.emit(ctx, runID, events.TypeTaskProgress, "Запуск возобновлён", map[string]any{"phase": "run_resumed"})
	return e.launchWorker(runID)
}

// RetryStep re-queues a terminal step and makes sure a worker is driving
// the run again.
func (e *Engine) RetryStep(ctx context.Context, runID, stepID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	step, err := e.store.GetPlanStep(ctx, stepID)
	if err != nil {
		return err
	}
	if step.RunID != runID {
		return fmt.Errorf("step %s does not belong to run %s", stepID, runID)
	}
	if !step.Status.IsTerminal() {
		return fmt.Errorf("step %s is still %s", stepID, step.Status)
	}
	if err := e.store.UpdateStepStatus(ctx, stepID, models.StepStatusCreated); err != nil {
		return fmt.Errorf("failed to reset step: %w", err)
	}
	if run.Status.IsTerminal() || run.Status == models.RunStatusPaused {
		if err := e.store.UpdateRunStatus(ctx, runID, models.RunStatusRunning); err != nil {
			return fmt.Errorf("failed to update run status: %w", err)
		}
	}
	e.emit(ctx, runID, events.TypeStepRetrying, "Повтор шага", map[string]any{
		"step_index": step.StepIndex,
		"kind":       string(step.Kind),
	}, events.WithStep(stepID))
	return e.launchWorker(runID)
}

// RetryTask re-queues the step behind a terminal task; the worker will
// create the next attempt.
func (e *Engine) RetryTask(ctx context.Context, runID, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.RunID != runID {
		return fmt.Errorf("task %s does not belong to run %s", taskID, runID)
	}
	if !task.Status.IsTerminal() {
		return fmt.Errorf("task %s is still %s", taskID, task.Status)
	}
	return e.RetryStep(ctx, runID, task.StepID)
}

// ResolveConflict closes a fact conflict and spawns a child run that
// re-researches the disputed key.
func (e *Engine) ResolveConflict(ctx context.Context, runID, conflictID string) (*models.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	conflict, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if conflict.RunID != runID {
		return nil, fmt.Errorf("conflict %s does not belong to run %s", conflictID, runID)
	}
	if err := e.store.ResolveConflict(ctx, conflictID); err != nil {
		return nil, fmt.Errorf("failed to resolve conflict: %w", err)
	}

	child := &models.Run{
		ID:          uuid.NewString(),
		ProjectID:   run.ProjectID,
		QueryText:   "Разрешить конфликт по " + conflict.FactKey,
		Mode:        models.RunModeResearch,
		Purpose:     "conflict_resolution",
		ParentRunID: run.ID,
		Status:      models.RunStatusCreated,
		Meta: map[string]any{
			"conflict_id":     conflict.ID,
			"conflict_key":    conflict.FactKey,
			"conflict_values": conflict.Values,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, child); err != nil {
		return nil, fmt.Errorf("failed to create child run: %w", err)
	}
	e.emit(ctx, child.ID, events.TypeRunCreated, "Запуск создан", map[string]any{
		"project_id":    child.ProjectID,
		"mode":          string(child.Mode),
		"query_text":    child.QueryText,
		"parent_run_id": run.ID,
	})

	if _, err := e.CreatePlan(ctx, child); err != nil {
		return nil, err
	}
	if err := e.StartRun(ctx, child.ID); err != nil {
		return nil, err
	}
	return child, nil
}

// Close cancels every live worker and waits for them to exit.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	handles := make([]*runHandle, 0, len(e.active))
	for _, handle := range e.active {
		handles = append(handles, handle)
	}
	e.mu.Unlock()

	for _, handle := range handles {
		handle.cancel()
	}
	for _, handle := range handles {
		<-handle.done
	}
}

// WaitForRun blocks until the run's worker exits. Test helper; returns
// immediately when no worker is live.
func (e *Engine) WaitForRun(runID string) {
	e.mu.Lock()
	handle := e.active[runID]
	e.mu.Unlock()
	if handle != nil {
		<-handle.done
	}
}

func (e *Engine) emit(ctx context.Context, runID, eventType, message string, payload map[string]any, opts ...events.EmitOption) {
	if _, err := e.bus.Emit(ctx, runID, eventType, message, payload, opts...); err != nil {
		slog.Warn("failed to emit engine event", "run_id", runID, "type", eventType, "error", err)
	}
}

// planHintFromMeta extracts the intent router's plan_hint list.
func planHintFromMeta(run *models.Run) []string {
	if run.Meta == nil {
		return nil
	}
	switch hint := run.Meta["plan_hint"].(type) {
	case []string:
		return hint
	case []any:
		var out []string
		for _, item := range hint {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
