package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/store"
)

// subscriberBuffer is the channel depth for one subscriber. A subscriber
// that falls this far behind is dropped rather than blocking Emit.
const subscriberBuffer = 256

// EmitOption customizes one emitted event.
type EmitOption func(*models.Event)

// WithTask attaches a task id to the event.
func WithTask(taskID string) EmitOption {
	return func(e *models.Event) { e.TaskID = taskID }
}

// WithStep attaches a step id to the event.
func WithStep(stepID string) EmitOption {
	return func(e *models.Event) { e.StepID = stepID }
}

// WithLevel overrides the default info level.
func WithLevel(level models.EventLevel) EmitOption {
	return func(e *models.Event) { e.Level = level }
}

// Subscription is one live event feed for a run.
type Subscription struct {
	C chan *models.Event

	runID string
	id    int
}

// Bus persists run events and fans them out to live subscribers.
type Bus struct {
	store store.Store

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*Subscription // run_id → sub id → sub
}

// NewBus creates an event bus over the given store.
func NewBus(st store.Store) *Bus {
	return &Bus{
		store: st,
		subs:  make(map[string]map[int]*Subscription),
	}
}

// Emit validates, persists and broadcasts one event. The event type must
// be a member of the closed set; the write happens before any subscriber
// sees the event, so there is no partial publish.
func (b *Bus) Emit(ctx context.Context, runID, eventType, message string, payload map[string]any, opts ...EmitOption) (*models.Event, error) {
	if !Known(eventType) {
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if payload == nil {
		payload = map[string]any{}
	}

	e := &models.Event{
		ID:      uuid.NewString(),
		RunID:   runID,
		Type:    eventType,
		Message: message,
		Payload: payload,
		Level:   models.EventLevelInfo,
		TS:      time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := b.store.AppendEvent(ctx, e); err != nil {
		slog.Error("failed to persist event", "run_id", runID, "type", eventType, "error", err)
		return nil, fmt.Errorf("failed to persist event: %w", err)
	}

	b.broadcast(e)
	return e, nil
}

// broadcast delivers to every live subscriber of the run, dropping any
// subscriber whose buffer is full.
func (b *Bus) broadcast(e *models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs[e.RunID] {
		select {
		case sub.C <- e:
		default:
			slog.Warn("dropping slow event subscriber", "run_id", e.RunID, "subscriber", id)
			delete(b.subs[e.RunID], id)
			close(sub.C)
		}
	}
}

// Subscribe registers a live feed for a run. The caller must drain the
// channel and call Unsubscribe when done.
func (b *Bus) Subscribe(runID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		C:     make(chan *models.Event, subscriberBuffer),
		runID: runID,
		id:    b.nextID,
	}
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]*Subscription)
	}
	b.subs[runID][sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// after the bus already dropped the subscriber.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m, ok := b.subs[sub.runID]; ok {
		if _, live := m[sub.id]; live {
			delete(m, sub.id)
			close(sub.C)
		}
		if len(m) == 0 {
			delete(b.subs, sub.runID)
		}
	}
}

// Replay returns the newest `limit` stored events of a run in append
// order, for late subscribers that want bounded catch-up.
func (b *Bus) Replay(ctx context.Context, runID string, limit int) ([]*models.Event, error) {
	return b.store.ListEvents(ctx, runID, limit)
}

// ReplayAfter returns every stored event with seq greater than afterSeq.
func (b *Bus) ReplayAfter(ctx context.Context, runID string, afterSeq int64) ([]*models.Event, error) {
	return b.store.ListEventsAfter(ctx, runID, afterSeq)
}
