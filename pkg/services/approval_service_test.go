package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/models"
)

func seedRun(t *testing.T, f *serviceFixture) *models.Run {
	t.Helper()
	run := &models.Run{
		ID:        uuid.NewString(),
		ProjectID: "project-1",
		QueryText: "отправь отчёт в рабочий чат",
		Mode:      models.RunModeExecuteConfirm,
		Status:    models.RunStatusRunning,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))
	return run
}

func seedApprovalChain(t *testing.T, f *serviceFixture, run *models.Run, flags []string, inputs map[string]any) *models.Approval {
	t.Helper()
	ctx := context.Background()
	existing, err := f.store.ListPlanSteps(ctx, run.ID)
	require.NoError(t, err)
	step := &models.PlanStep{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		StepIndex:   len(existing),
		Title:       "Отправить сообщение",
		Kind:        models.StepKindComputerActions,
		SkillName:   "computer_use",
		Inputs:      inputs,
		Status:      models.StepStatusRunning,
		DangerFlags: flags,
	}
	require.NoError(t, f.store.InsertPlanSteps(ctx, []*models.PlanStep{step}))

	task := &models.Task{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		StepID:    step.ID,
		Attempt:   1,
		Status:    models.TaskStatusWaitingApproval,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateTask(ctx, task))

	approval := &models.Approval{
		ID:              uuid.NewString(),
		RunID:           run.ID,
		TaskID:          task.ID,
		Scope:           "step",
		Title:           step.Title,
		ProposedActions: flags,
		Status:          models.ApprovalStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateApproval(ctx, approval))
	return approval
}

func TestApproveEmitsEvent(t *testing.T) {
	f := newServiceFixture(t, brain.NewScriptedProvider())
	svc := NewApprovalService(f.store, f.bus)
	run := seedRun(t, f)
	approval := seedApprovalChain(t, f, run, []string{"send_message"}, nil)

	decided, err := svc.Approve(context.Background(), approval.ID, "разово")
	require.NoError(t, err)
	require.Equal(t, models.ApprovalStatusApproved, decided.Status)
	require.Equal(t, "user", decided.DecidedBy)

	emitted := f.eventsOfType(t, run.ID, events.TypeApprovalApproved)
	require.Len(t, emitted, 1)
	assert.Equal(t, "Подтверждение принято", emitted[0].Message)
	assert.Equal(t, approval.ID, emitted[0].Payload["approval_id"])
	assert.Equal(t, "разово", emitted[0].Payload["decision"])
	assert.Equal(t, approval.TaskID, emitted[0].TaskID)
}

func TestRejectEmitsEvent(t *testing.T) {
	f := newServiceFixture(t, brain.NewScriptedProvider())
	svc := NewApprovalService(f.store, f.bus)
	run := seedRun(t, f)
	approval := seedApprovalChain(t, f, run, []string{"send_message"}, nil)

	decided, err := svc.Reject(context.Background(), approval.ID)
	require.NoError(t, err)
	require.Equal(t, models.ApprovalStatusRejected, decided.Status)

	emitted := f.eventsOfType(t, run.ID, events.TypeApprovalRejected)
	require.Len(t, emitted, 1)
	assert.Equal(t, "Подтверждение отклонено", emitted[0].Message)
	assert.Equal(t, approval.ID, emitted[0].Payload["approval_id"])
}

func TestDecideTerminalApprovalIsIdempotent(t *testing.T) {
	f := newServiceFixture(t, brain.NewScriptedProvider())
	svc := NewApprovalService(f.store, f.bus)
	run := seedRun(t, f)
	approval := seedApprovalChain(t, f, run, []string{"send_message"}, nil)

	_, err := svc.Reject(context.Background(), approval.ID)
	require.NoError(t, err)

	decided, err := svc.Approve(context.Background(), approval.ID, "всегда")
	require.NoError(t, err)
	require.Equal(t, models.ApprovalStatusRejected, decided.Status)
}

func TestDecideUnknownApproval(t *testing.T) {
	f := newServiceFixture(t, brain.NewScriptedProvider())
	svc := NewApprovalService(f.store, f.bus)

	_, err := svc.Approve(context.Background(), "no-such-approval", "разово")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Reject(context.Background(), "no-such-approval")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListWithPreviews(t *testing.T) {
	f := newServiceFixture(t, brain.NewScriptedProvider())
	svc := NewApprovalService(f.store, f.bus)
	run := seedRun(t, f)
	withFlags := seedApprovalChain(t, f, run, []string{"send_message"}, map[string]any{
		"app":          "telegram",
		"message_text": "Отчёт готов",
	})
	plain := seedApprovalChain(t, f, run, nil, nil)

	views, err := svc.ListWithPreviews(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, views, 2)

	byID := map[string]*ApprovalView{}
	for _, v := range views {
		byID[v.ID] = v
	}
	require.NotNil(t, byID[withFlags.ID].Preview)
	assert.Equal(t, "Отправить сообщение", byID[withFlags.ID].Preview.Summary)
	assert.Equal(t, "Отправка сообщения/публикация", byID[withFlags.ID].Preview.Risk)
	assert.Equal(t, "telegram", byID[withFlags.ID].Preview.Details["target_app"])
	assert.Nil(t, byID[plain.ID].Preview)
}

func TestListWithPreviewsCloudFinancial(t *testing.T) {
	f := newServiceFixture(t, brain.NewScriptedProvider())
	svc := NewApprovalService(f.store, f.bus)
	run := seedRun(t, f)
	chain := seedApprovalChain(t, f, run, nil, map[string]any{
		"file_content": "счёт и карта, api_key: sk-abcdefghij1234567890",
		"sensitivity":  "financial",
		"file_path":    "/docs/бюджет.xlsx",
	})
	cloud := &models.Approval{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		TaskID:    chain.TaskID,
		Scope:     ScopeCloudFinancial,
		Title:     "Отправка финансовых данных в облако",
		Status:    models.ApprovalStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateApproval(context.Background(), cloud))

	views, err := svc.ListWithPreviews(context.Background(), run.ID)
	require.NoError(t, err)

	var view *ApprovalView
	for _, v := range views {
		if v.Scope == ScopeCloudFinancial {
			view = v
		}
	}
	require.NotNil(t, view)
	require.NotNil(t, view.Preview)
	assert.Equal(t, "Отправка финансовых данных в облако", view.Preview.Summary)
	assert.Equal(t, []any{"/docs/бюджет.xlsx"}, view.Preview.Details["file_paths"])
	summary, ok := view.Preview.Details["redaction_summary"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1, summary["redacted_count"])
}

func TestListWithPreviewsUnknownRun(t *testing.T) {
	f := newServiceFixture(t, brain.NewScriptedProvider())
	svc := NewApprovalService(f.store, f.bus)

	_, err := svc.ListWithPreviews(context.Background(), "no-such-run")
	require.ErrorIs(t, err, ErrNotFound)
}
