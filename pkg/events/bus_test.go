package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/store"
)

func newTestBus(t *testing.T) (*Bus, string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := &models.Project{ID: "p1", Name: "t", Tags: []string{}, Settings: map[string]any{}, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateProject(ctx, p))
	r := &models.Run{ID: "r1", ProjectID: "p1", QueryText: "q", Mode: models.RunModePlanOnly, Status: models.RunStatusCreated, Meta: map[string]any{}, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateRun(ctx, r))

	return NewBus(st), r.ID
}

func TestEmitRejectsUnknownType(t *testing.T) {
	bus, runID := newTestBus(t)
	_, err := bus.Emit(context.Background(), runID, "made_up_type", "x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")
}

func TestEmitPersistsThenBroadcastsInOrder(t *testing.T) {
	bus, runID := newTestBus(t)
	ctx := context.Background()

	sub := bus.Subscribe(runID)
	defer bus.Unsubscribe(sub)

	types := []string{TypeRunCreated, TypeIntentDecided, TypeChatResponseDone}
	for _, typ := range types {
		_, err := bus.Emit(ctx, runID, typ, "сообщение", map[string]any{"k": typ})
		require.NoError(t, err)
	}

	var lastSeq int64
	for i, want := range types {
		select {
		case e := <-sub.C:
			assert.Equal(t, want, e.Type, "delivery order must match append order at index %d", i)
			assert.Greater(t, e.Seq, lastSeq)
			lastSeq = e.Seq
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	// Stored order matches delivered order.
	stored, err := bus.Replay(ctx, runID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, e := range stored {
		assert.Equal(t, types[i], e.Type)
	}
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	bus, runID := newTestBus(t)
	ctx := context.Background()

	sub := bus.Subscribe(runID)
	// Never drained: overflow the buffer.
	for i := 0; i < subscriberBuffer+10; i++ {
		_, err := bus.Emit(ctx, runID, TypeTaskProgress, "tick", nil)
		require.NoError(t, err)
	}

	// The channel was closed when the subscriber fell behind; draining it
	// terminates.
	n := 0
	for range sub.C {
		n++
	}
	assert.Equal(t, subscriberBuffer, n)
	bus.Unsubscribe(sub) // no panic on already-dropped subscriber
}

func TestReplayAfterSkipsOldEvents(t *testing.T) {
	bus, runID := newTestBus(t)
	ctx := context.Background()

	first, err := bus.Emit(ctx, runID, TypeRunCreated, "старт", nil)
	require.NoError(t, err)
	_, err = bus.Emit(ctx, runID, TypeTaskProgress, "работа", nil)
	require.NoError(t, err)

	tail, err := bus.ReplayAfter(ctx, runID, first.Seq)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, TypeTaskProgress, tail[0].Type)
}

func TestClosedEnumCoversSpecSet(t *testing.T) {
	assert.Len(t, Types(), 29)
	for _, typ := range []string{"run_created", "local_llm_http_error", "step_cancelled_by_user", "approval_resolved"} {
		assert.True(t, Known(typ), typ)
	}
	assert.False(t, Known("stream.chunk"))
}
