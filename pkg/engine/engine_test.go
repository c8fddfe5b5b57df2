package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/planner"
	"github.com/astra-local/astra/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type engineFixture struct {
	store    store.Store
	bus      *events.Bus
	provider *brain.ScriptedProvider
	registry *Registry
	engine   *Engine
}

func newEngineFixture(t *testing.T, provider *brain.ScriptedProvider) *engineFixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.CreateProject(ctx, &models.Project{
		ID:        "project-1",
		Name:      "tests",
		CreatedAt: time.Now().UTC(),
	}))

	bus := events.NewBus(st)
	router := brain.NewRouter(config.DefaultBrainConfig(), false, provider, bus)
	registry := NewRegistry()
	cfg := &config.EngineConfig{
		StepRetryBudget: 2,
		StatusPoll:      5 * time.Millisecond,
		ApprovalPoll:    5 * time.Millisecond,
	}
	eng := New(st, bus, planner.NewPlanner(router), registry, cfg)
	t.Cleanup(eng.Close)

	return &engineFixture{
		store:    st,
		bus:      bus,
		provider: provider,
		registry: registry,
		engine:   eng,
	}
}

func (f *engineFixture) createRun(t *testing.T, mode models.RunMode) *models.Run {
	t.Helper()
	run := &models.Run{
		ID:        uuid.NewString(),
		ProjectID: "project-1",
		QueryText: "проверь статус серверов",
		Mode:      mode,
		Status:    models.RunStatusCreated,
		Meta:      map[string]any{},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))
	return run
}

func (f *engineFixture) insertStep(t *testing.T, runID string, index int, deps []int, opts ...func(*models.PlanStep)) *models.PlanStep {
	t.Helper()
	step := &models.PlanStep{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepIndex: index,
		Title:     "step",
		Kind:      models.StepKindWebResearch,
		SkillName: "stub",
		Inputs:    map[string]any{},
		DependsOn: deps,
		Status:    models.StepStatusCreated,
	}
	for _, opt := range opts {
		opt(step)
	}
	require.NoError(t, f.store.InsertPlanSteps(context.Background(), []*models.PlanStep{step}))
	return step
}

func (f *engineFixture) eventsOfType(t *testing.T, runID, eventType string) []*models.Event {
	t.Helper()
	stored, err := f.store.ListEvents(context.Background(), runID, 500)
	require.NoError(t, err)
	var out []*models.Event
	for _, e := range stored {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// stepRecorder is a stub skill that records execution order.
type stepRecorder struct {
	mu    sync.Mutex
	order []int
}

func (r *stepRecorder) skill() Skill {
	return SkillFunc{
		SkillName: "stub",
		Fn: func(_ context.Context, _ *models.Run, step *models.PlanStep, _ *models.Task) (*models.SkillResult, error) {
			r.mu.Lock()
			r.order = append(r.order, step.StepIndex)
			r.mu.Unlock()
			return &models.SkillResult{WhatIDid: "ok", Confidence: 0.8}, nil
		},
	}
}

func (r *stepRecorder) executed() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.order...)
}

func (f *engineFixture) waitForPendingApproval(t *testing.T, runID string) *models.Approval {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		approvals, err := f.store.ListApprovals(context.Background(), runID)
		require.NoError(t, err)
		for _, a := range approvals {
			if a.Status == models.ApprovalStatusPending {
				return a
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no pending approval appeared")
	return nil
}

func TestCreatePlanFallbackEmitsPlanEvent(t *testing.T) {
	ctx := context.Background()
	provider := brain.NewScriptedProvider().
		Fail(&brain.Error{Provider: "scripted", Type: brain.ErrConnection, Message: "refused"})
	f := newEngineFixture(t, provider)
	run := f.createRun(t, models.RunModeResearch)

	steps, err := f.engine.CreatePlan(ctx, run)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.Equal(t, models.StepKindWebResearch, steps[0].Kind)

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusPlanning, stored.Status)

	planned := f.eventsOfType(t, run.ID, events.TypeTaskProgress)
	require.NotEmpty(t, planned)
	payload := planned[len(planned)-1].Payload
	require.Equal(t, "plan_created", payload["phase"])
	require.Equal(t, planner.SourceFallback, payload["planner"])
}

func TestStartRunRefusesPlanOnly(t *testing.T) {
	f := newEngineFixture(t, brain.NewScriptedProvider())
	run := f.createRun(t, models.RunModePlanOnly)

	err := f.engine.StartRun(context.Background(), run.ID)
	require.ErrorIs(t, err, ErrRunNotStartable)
}

func TestRunExecutesStepsInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())
	recorder := &stepRecorder{}
	f.registry.Register(recorder.skill())

	run := f.createRun(t, models.RunModeAutopilotSafe)
	f.insertStep(t, run.ID, 2, []int{1})
	f.insertStep(t, run.ID, 0, nil)
	f.insertStep(t, run.ID, 1, []int{0})

	require.NoError(t, f.engine.StartRun(ctx, run.ID))
	f.engine.WaitForRun(run.ID)

	require.Equal(t, []int{0, 1, 2}, recorder.executed())

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusDone, stored.Status)

	var finished bool
	for _, e := range f.eventsOfType(t, run.ID, events.TypeTaskProgress) {
		if e.Payload["phase"] == "run_finished" {
			finished = true
			require.Equal(t, float64(3), e.Payload["steps_done"])
		}
	}
	require.True(t, finished)

	tasks, err := f.store.ListTasks(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	for _, task := range tasks {
		require.Equal(t, models.TaskStatusDone, task.Status)
	}
}

func TestDependentStepSkippedOnFailure(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())
	f.registry.Register(SkillFunc{
		SkillName: "stub",
		Fn: func(context.Context, *models.Run, *models.PlanStep, *models.Task) (*models.SkillResult, error) {
			return nil, errors.New("boom")
		},
	})

	run := f.createRun(t, models.RunModeAutopilotSafe)
	first := f.insertStep(t, run.ID, 0, nil)
	second := f.insertStep(t, run.ID, 1, []int{0})

	require.NoError(t, f.engine.StartRun(ctx, run.ID))
	f.engine.WaitForRun(run.ID)

	failedStep, err := f.store.GetPlanStep(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusFailed, failedStep.Status)

	skippedStep, err := f.store.GetPlanStep(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, models.StepStatusSkipped, skippedStep.Status)

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusFailed, stored.Status)

	failures := f.eventsOfType(t, run.ID, events.TypeRunFailed)
	require.Len(t, failures, 1)
	require.Equal(t, "Запуск завершён с ошибкой", failures[0].Message)

	var skipped bool
	for _, e := range f.eventsOfType(t, run.ID, events.TypeStepExecutionFinished) {
		if e.Payload["reason"] == "dependency_failed" {
			skipped = true
		}
	}
	require.True(t, skipped)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())

	var mu sync.Mutex
	calls := 0
	f.registry.Register(SkillFunc{
		SkillName: "stub",
		Fn: func(context.Context, *models.Run, *models.PlanStep, *models.Task) (*models.SkillResult, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return nil, &brain.Error{Provider: "local", Type: brain.ErrHTTP, HTTPStatus: 503, Message: "overloaded"}
			}
			return &models.SkillResult{WhatIDid: "ok", Confidence: 0.7}, nil
		},
	})

	run := f.createRun(t, models.RunModeAutopilotSafe)
	step := f.insertStep(t, run.ID, 0, nil)

	require.NoError(t, f.engine.StartRun(ctx, run.ID))
	f.engine.WaitForRun(run.ID)

	mu.Lock()
	require.Equal(t, 2, calls)
	mu.Unlock()

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusDone, stored.Status)

	retries := f.eventsOfType(t, run.ID, events.TypeStepRetrying)
	require.Len(t, retries, 1)
	require.Equal(t, float64(1), retries[0].Payload["attempt"])

	tasks, err := f.store.ListTasks(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	attempts := map[int]models.TaskStatus{}
	for _, task := range tasks {
		require.Equal(t, step.ID, task.StepID)
		attempts[task.Attempt] = task.Status
	}
	require.Equal(t, models.TaskStatusFailed, attempts[1])
	require.Equal(t, models.TaskStatusDone, attempts[2])
}

func TestNonTransientFailureDoesNotRetry(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())
	f.registry.Register(SkillFunc{
		SkillName: "stub",
		Fn: func(context.Context, *models.Run, *models.PlanStep, *models.Task) (*models.SkillResult, error) {
			return nil, &brain.Error{Provider: "local", Type: brain.ErrInvalidJSON, Message: "garbage"}
		},
	})

	run := f.createRun(t, models.RunModeAutopilotSafe)
	f.insertStep(t, run.ID, 0, nil)

	require.NoError(t, f.engine.StartRun(ctx, run.ID))
	f.engine.WaitForRun(run.ID)

	require.Empty(t, f.eventsOfType(t, run.ID, events.TypeStepRetrying))

	tasks, err := f.store.ListTasks(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, models.TaskStatusFailed, tasks[0].Status)
}

func TestMissingSkillFailsStep(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())

	run := f.createRun(t, models.RunModeAutopilotSafe)
	f.insertStep(t, run.ID, 0, nil, func(s *models.PlanStep) { s.SkillName = "nonexistent" })

	require.NoError(t, f.engine.StartRun(ctx, run.ID))
	f.engine.WaitForRun(run.ID)

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusFailed, stored.Status)

	finished := f.eventsOfType(t, run.ID, events.TypeStepExecutionFinished)
	require.NotEmpty(t, finished)
	require.Contains(t, finished[len(finished)-1].Payload["error"], "skill_not_registered")
}

func TestApprovalApprovedRunsStep(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())
	recorder := &stepRecorder{}
	f.registry.Register(recorder.skill())

	run := f.createRun(t, models.RunModeAutopilotSafe)
	f.insertStep(t, run.ID, 0, nil, func(s *models.PlanStep) {
		s.RequiresApproval = true
		s.DangerFlags = []string{"delete_files"}
	})

	require.NoError(t, f.engine.StartRun(ctx, run.ID))

	approval := f.waitForPendingApproval(t, run.ID)
	require.Equal(t, []string{"delete_files"}, approval.ProposedActions)

	_, err := f.store.UpdateApprovalStatus(ctx, approval.ID, models.ApprovalStatusApproved, "выполняй", "owner")
	require.NoError(t, err)
	f.engine.WaitForRun(run.ID)

	require.Equal(t, []int{0}, recorder.executed())

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusDone, stored.Status)

	requested := f.eventsOfType(t, run.ID, events.TypeApprovalRequested)
	require.Len(t, requested, 1)
	require.Equal(t, "Требуется подтверждение", requested[0].Message)

	required := f.eventsOfType(t, run.ID, events.TypeUserActionRequired)
	require.Len(t, required, 1)
	require.Equal(t, approval.ID, required[0].Payload["approval_id"])

	resolved := f.eventsOfType(t, run.ID, events.TypeApprovalResolved)
	require.Len(t, resolved, 1)
	require.Equal(t, string(models.ApprovalStatusApproved), resolved[0].Payload["status"])
}

func TestApprovalRejectedFailsStep(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())
	recorder := &stepRecorder{}
	f.registry.Register(recorder.skill())

	run := f.createRun(t, models.RunModeAutopilotSafe)
	f.insertStep(t, run.ID, 0, nil, func(s *models.PlanStep) { s.RequiresApproval = true })

	require.NoError(t, f.engine.StartRun(ctx, run.ID))

	approval := f.waitForPendingApproval(t, run.ID)
	_, err := f.store.UpdateApprovalStatus(ctx, approval.ID, models.ApprovalStatusRejected, "не надо", "owner")
	require.NoError(t, err)
	f.engine.WaitForRun(run.ID)

	require.Empty(t, recorder.executed())

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusFailed, stored.Status)

	finished := f.eventsOfType(t, run.ID, events.TypeStepExecutionFinished)
	require.NotEmpty(t, finished)
	require.Equal(t, "approval_rejected", finished[len(finished)-1].Payload["error"])
}

func TestComputerStepsBypassEngineApprovalGate(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())
	recorder := &stepRecorder{}
	f.registry.Register(recorder.skill())

	run := f.createRun(t, models.RunModeExecuteConfirm)
	f.insertStep(t, run.ID, 0, nil, func(s *models.PlanStep) {
		s.Kind = models.StepKindComputerActions
		s.RequiresApproval = true
	})

	require.NoError(t, f.engine.StartRun(ctx, run.ID))
	f.engine.WaitForRun(run.ID)

	require.Equal(t, []int{0}, recorder.executed())

	approvals, err := f.store.ListApprovals(ctx, run.ID)
	require.NoError(t, err)
	require.Empty(t, approvals)
}

func TestCancelRunExpiresApprovals(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())
	recorder := &stepRecorder{}
	f.registry.Register(recorder.skill())

	run := f.createRun(t, models.RunModeAutopilotSafe)
	f.insertStep(t, run.ID, 0, nil, func(s *models.PlanStep) { s.RequiresApproval = true })

	require.NoError(t, f.engine.StartRun(ctx, run.ID))

	approval := f.waitForPendingApproval(t, run.ID)
	require.NoError(t, f.engine.CancelRun(ctx, run.ID))
	f.engine.WaitForRun(run.ID)

	require.Empty(t, recorder.executed())

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusCanceled, stored.Status)

	expired, err := f.store.GetApproval(ctx, approval.ID)
	require.NoError(t, err)
	require.Equal(t, models.ApprovalStatusExpired, expired.Status)

	var canceled bool
	for _, e := range f.eventsOfType(t, run.ID, events.TypeTaskProgress) {
		if e.Payload["phase"] == "run_canceled" {
			canceled = true
		}
	}
	require.True(t, canceled)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())
	recorder := &stepRecorder{}
	f.registry.Register(recorder.skill())

	run := f.createRun(t, models.RunModeAutopilotSafe)
	f.insertStep(t, run.ID, 0, nil)

	require.NoError(t, f.store.UpdateRunStatus(ctx, run.ID, models.RunStatusRunning))
	require.NoError(t, f.engine.PauseRun(ctx, run.ID))

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusPaused, stored.Status)

	require.NoError(t, f.engine.ResumeRun(ctx, run.ID))
	f.engine.WaitForRun(run.ID)

	require.Equal(t, []int{0}, recorder.executed())

	stored, err = f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusDone, stored.Status)
}

func TestRetryStepRerunsFailedStep(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())
	recorder := &stepRecorder{}
	f.registry.Register(recorder.skill())

	run := f.createRun(t, models.RunModeAutopilotSafe)
	step := f.insertStep(t, run.ID, 0, nil)
	require.NoError(t, f.store.UpdateStepStatus(ctx, step.ID, models.StepStatusFailed))
	require.NoError(t, f.store.UpdateRunStatus(ctx, run.ID, models.RunStatusFailed))

	failedTask := &models.Task{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		StepID:    step.ID,
		Attempt:   1,
		Status:    models.TaskStatusFailed,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateTask(ctx, failedTask))

	require.NoError(t, f.engine.RetryStep(ctx, run.ID, step.ID))
	f.engine.WaitForRun(run.ID)

	require.Equal(t, []int{0}, recorder.executed())

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusDone, stored.Status)

	tasks, err := f.store.ListTasks(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	attempts := map[int]models.TaskStatus{}
	for _, task := range tasks {
		attempts[task.Attempt] = task.Status
	}
	require.Equal(t, models.TaskStatusDone, attempts[2])
}

func TestPersistResultStoresKnowledgeAndConflicts(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())
	f.registry.Register(SkillFunc{
		SkillName: "stub",
		Fn: func(context.Context, *models.Run, *models.PlanStep, *models.Task) (*models.SkillResult, error) {
			return &models.SkillResult{
				WhatIDid:   "нашёл данные",
				Confidence: 0.9,
				Sources: []models.SourceCandidate{
					{URL: "https://example.com/a", Title: "A", Domain: "example.com", Quality: 0.8},
				},
				Facts: []models.FactCandidate{
					{Key: "server_status", Value: "online", Confidence: 0.9},
				},
				Artifacts: []models.ArtifactCandidate{
					{Type: "report", Title: "Отчёт", ContentURI: "file:///tmp/report.md"},
				},
				Events: []models.SkillEvent{
					{Message: "Раунд 1 завершён", ReasonCode: "round_done"},
				},
			}, nil
		},
	})

	run := f.createRun(t, models.RunModeAutopilotSafe)
	require.NoError(t, f.store.InsertFacts(ctx, []*models.Fact{{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		Key:       "server_status",
		Value:     "offline",
		CreatedAt: time.Now().UTC(),
	}}))

	f.insertStep(t, run.ID, 0, nil)
	require.NoError(t, f.engine.StartRun(ctx, run.ID))
	f.engine.WaitForRun(run.ID)

	sources, err := f.store.ListSources(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Equal(t, "https://example.com/a", sources[0].URL)

	artifacts, err := f.store.ListArtifacts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)

	conflicts, err := f.store.ListConflicts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, "server_status", conflicts[0].FactKey)
	require.Equal(t, []string{"offline", "online"}, conflicts[0].Values)
	require.Equal(t, models.ConflictStatusOpen, conflicts[0].Status)

	var relayed bool
	for _, e := range f.eventsOfType(t, run.ID, events.TypeTaskProgress) {
		if e.Message == "Раунд 1 завершён" {
			relayed = true
			require.Equal(t, "round_done", e.Payload["reason_code"])
		}
	}
	require.True(t, relayed)
}

func TestResolveConflictSpawnsChildRun(t *testing.T) {
	ctx := context.Background()
	provider := brain.NewScriptedProvider().
		Fail(&brain.Error{Provider: "scripted", Type: brain.ErrConnection, Message: "refused"})
	f := newEngineFixture(t, provider)
	recorder := &stepRecorder{}
	f.registry.Register(SkillFunc{
		SkillName: "web_research",
		Fn: func(_ context.Context, _ *models.Run, step *models.PlanStep, _ *models.Task) (*models.SkillResult, error) {
			recorder.mu.Lock()
			recorder.order = append(recorder.order, step.StepIndex)
			recorder.mu.Unlock()
			return &models.SkillResult{WhatIDid: "перепроверил", Confidence: 0.6}, nil
		},
	})

	run := f.createRun(t, models.RunModeResearch)
	conflict := &models.Conflict{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		FactKey:   "server_status",
		Values:    []string{"online", "offline"},
		Status:    models.ConflictStatusOpen,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.InsertConflicts(ctx, []*models.Conflict{conflict}))

	child, err := f.engine.ResolveConflict(ctx, run.ID, conflict.ID)
	require.NoError(t, err)
	f.engine.WaitForRun(child.ID)

	require.Equal(t, run.ID, child.ParentRunID)
	require.Equal(t, models.RunModeResearch, child.Mode)
	require.Equal(t, "conflict_resolution", child.Purpose)
	require.Equal(t, "Разрешить конфликт по server_status", child.QueryText)

	resolved, err := f.store.GetConflict(ctx, conflict.ID)
	require.NoError(t, err)
	require.Equal(t, models.ConflictStatusResolved, resolved.Status)

	require.Equal(t, []int{0}, recorder.executed())

	childRun, err := f.store.GetRun(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStatusDone, childRun.Status)

	created := f.eventsOfType(t, child.ID, events.TypeRunCreated)
	require.Len(t, created, 1)
	require.Equal(t, run.ID, created[0].Payload["parent_run_id"])
}

func TestCancelRunRefusesTerminalRun(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, brain.NewScriptedProvider())
	run := f.createRun(t, models.RunModeAutopilotSafe)
	require.NoError(t, f.store.UpdateRunStatus(ctx, run.ID, models.RunStatusDone))

	err := f.engine.CancelRun(ctx, run.ID)
	require.ErrorIs(t, err, ErrRunNotCancellable)
}
