package cleanup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T) store.Store {
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
	require.NoError(t, st.CreateRun(ctx, &models.Run{
		ID:        "run-1",
		ProjectID: "project-1",
		QueryText: "вопрос",
		Mode:      models.RunModePlanOnly,
		Status:    models.RunStatusDone,
		CreatedAt: time.Now().UTC(),
	}))
	return st
}

func TestCleanupPassTrimsAndExpires(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, st.AppendEvent(ctx, &models.Event{
			ID:      fmt.Sprintf("ev-%d", i),
			RunID:   "run-1",
			Type:    "task_progress",
			Message: "шаг",
			Payload: map[string]any{},
			Level:   models.EventLevelInfo,
			TS:      time.Now().UTC(),
		}))
	}
	require.NoError(t, st.CreateApproval(ctx, &models.Approval{
		ID:        "appr-old",
		RunID:     "run-1",
		Scope:     "step",
		Status:    models.ApprovalStatusPending,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}))
	require.NoError(t, st.CreateApproval(ctx, &models.Approval{
		ID:        "appr-fresh",
		RunID:     "run-1",
		Scope:     "step",
		Status:    models.ApprovalStatusPending,
		CreatedAt: time.Now().UTC(),
	}))

	svc := NewService(&config.RetentionConfig{
		EventsPerRun:    3,
		ApprovalTTL:     24 * time.Hour,
		CleanupInterval: time.Hour,
	}, st)
	svc.runAll(ctx)

	left, err := st.ListEvents(ctx, "run-1", 100)
	require.NoError(t, err)
	require.Len(t, left, 3)

	old, err := st.GetApproval(ctx, "appr-old")
	require.NoError(t, err)
	require.Equal(t, models.ApprovalStatusExpired, old.Status)

	fresh, err := st.GetApproval(ctx, "appr-fresh")
	require.NoError(t, err)
	require.Equal(t, models.ApprovalStatusPending, fresh.Status)
}

func TestStartStop(t *testing.T) {
	st := newStore(t)
	svc := NewService(nil, st)
	svc.Start(context.Background())
	svc.Stop()

	// Stop is idempotent on a stopped service.
	svc.Stop()
}
