package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/persona"
	"github.com/astra-local/astra/pkg/privacy"
	"github.com/astra-local/astra/pkg/store"
)

const goodCachingAnswer = "Кэширование запросов в браузере работает так: браузер сохраняет ответы сервера и повторно использует их, пока кэш не устарел."

type chatFixture struct {
	store    store.Store
	bus      *events.Bus
	provider *brain.ScriptedProvider
	service  *Service
}

func newChatFixture(t *testing.T, provider *brain.ScriptedProvider) *chatFixture {
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
	builder := persona.NewBuilder(nil)
	cfg := config.DefaultChatConfig()
	cfg.AutoWebResearchEnabled = false

	return &chatFixture{
		store:    st,
		bus:      bus,
		provider: provider,
		service:  NewService(st, bus, router, builder, nil, nil, cfg),
	}
}

func (f *chatFixture) createRun(t *testing.T, query, parentID string) *models.Run {
	t.Helper()
	ctx := context.Background()
	run := &models.Run{
		ID:          uuid.NewString(),
		ProjectID:   "project-1",
		QueryText:   query,
		Mode:        models.RunModePlanOnly,
		ParentRunID: parentID,
		Status:      models.RunStatusCreated,
		Meta:        map[string]any{},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(ctx, run))
	return run
}

func (f *chatFixture) eventsOfType(t *testing.T, runID, eventType string) []*models.Event {
	t.Helper()
	stored, err := f.store.ListEvents(context.Background(), runID, 200)
	require.NoError(t, err)
	var out []*models.Event
	for _, e := range stored {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func TestRespondCleanAnswer(t *testing.T) {
	f := newChatFixture(t, brain.NewScriptedProvider().Respond(goodCachingAnswer))
	run := f.createRun(t, "объясни кэширование запросов в браузере", "")

	result, err := f.service.Respond(context.Background(), run, "")
	require.NoError(t, err)
	assert.Equal(t, goodCachingAnswer, result.Text)
	assert.False(t, result.Degraded)
	assert.Equal(t, ResponseModePlain, result.ResponseMode)
	assert.Equal(t, "local", result.Provider)

	generated := f.eventsOfType(t, run.ID, events.TypeChatResponseDone)
	require.Len(t, generated, 1)
	assert.Equal(t, "Ответ сформирован", generated[0].Message)
	assert.Equal(t, goodCachingAnswer, generated[0].Payload["text"])
}

func TestRespondRedactsSecretsBeforeDispatch(t *testing.T) {
	f := newChatFixture(t, brain.NewScriptedProvider().Respond(goodCachingAnswer))
	query := "объясни подробно как работает кэширование запросов в браузере и почему старые ответы сервера иногда не обновляются, вот мои настройки для теста: password=hunter2 и api_key: sk-abcdefghij1234567890"
	run := f.createRun(t, query, "")

	result, err := f.service.Respond(context.Background(), run, "")
	require.NoError(t, err)
	assert.False(t, result.Degraded)

	calls := f.provider.Calls()
	require.Len(t, calls, 1)
	redactedSeen := false
	for _, msg := range calls[0].Request.Messages {
		assert.NotContains(t, msg.Content, "hunter2")
		assert.NotContains(t, msg.Content, "sk-abcdefghij1234567890")
		if strings.Contains(msg.Content, privacy.Redacted) {
			redactedSeen = true
		}
	}
	assert.True(t, redactedSeen)

	routed := f.eventsOfType(t, run.ID, events.TypeLLMRouteDecided)
	require.NotEmpty(t, routed)
	summary, ok := routed[0].Payload["items_summary"].(map[string]any)
	require.True(t, ok)
	bySource, ok := summary["by_source_type"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), bySource[privacy.SourceUserPrompt])
}

func TestRespondSoftRetryOnRefusalPrefix(t *testing.T) {
	f := newChatFixture(t, brain.NewScriptedProvider().
		Respond("Извините, я не могу это обсуждать.").
		Respond(goodCachingAnswer))
	run := f.createRun(t, "объясни кэширование запросов в браузере", "")

	result, err := f.service.Respond(context.Background(), run, "")
	require.NoError(t, err)
	assert.Equal(t, goodCachingAnswer, result.Text)
	assert.False(t, result.Degraded)
	require.Len(t, f.provider.Calls(), 2)

	// Retry carries the draft and the corrective instruction.
	retry := f.provider.Calls()[1]
	last := retry.Request.Messages[len(retry.Request.Messages)-1]
	assert.Equal(t, softRetryPromptDefault, last.Content)
}

func TestRespondDegradedOnProviderFailure(t *testing.T) {
	f := newChatFixture(t, brain.NewScriptedProvider().
		Fail(&brain.Error{Provider: "local", Type: brain.ErrConnection, Message: "connection refused"}))
	run := f.createRun(t, "объясни кэширование запросов в браузере", "")

	result, err := f.service.Respond(context.Background(), run, "")
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, "connection_error", result.ErrorType)
	assert.Equal(t, ResilienceText("connection_error"), result.Text)

	generated := f.eventsOfType(t, run.ID, events.TypeChatResponseDone)
	require.Len(t, generated, 1)
	assert.Equal(t, "Ответ сформирован (degraded)", generated[0].Message)
	assert.Equal(t, true, generated[0].Payload["degraded"])
}

func TestRespondOffTopicGuardFallback(t *testing.T) {
	offTopic := "Сегодня прекрасная погода, отличный день для прогулки по парку."
	f := newChatFixture(t, brain.NewScriptedProvider().
		Respond(offTopic). // draft
		Respond(offTopic). // focused min-prompt retry
		Respond(offTopic)) // corrective retry
	query := "расскажи сюжет аниме Наруто"
	run := f.createRun(t, query, "")

	result, err := f.service.Respond(context.Background(), run, "")
	require.NoError(t, err)
	assert.Equal(t, offTopicGuardText(query), result.Text)

	// The final base fallback reuses the original messages and is served
	// from the per-run response cache, so only three provider calls land.
	require.Len(t, f.provider.Calls(), 3)
}

func TestRespondStepPlanMode(t *testing.T) {
	answer := "Краткий итог: составил антикризисный план для небольшого бизнеса на две недели.\n1. Заморозь необязательные расходы.\n2. Пересмотри платежи и кредиты.\n3. Обновляй план каждые три дня."
	f := newChatFixture(t, brain.NewScriptedProvider().Respond(answer))
	run := f.createRun(t, "составь антикризисный план на две недели для моего небольшого бизнеса", "")

	result, err := f.service.Respond(context.Background(), run, "")
	require.NoError(t, err)
	assert.Equal(t, ResponseModeStepPlan, result.ResponseMode)

	calls := f.provider.Calls()
	require.NotEmpty(t, calls)
	system := calls[0].Request.Messages[0]
	assert.Equal(t, "system", system.Role)
	assert.Contains(t, system.Content, "Краткий итог:")
	assert.Contains(t, system.Content, "[Language Lock]")
}

func TestHistoryWalksParentChain(t *testing.T) {
	f := newChatFixture(t, brain.NewScriptedProvider())
	ctx := context.Background()

	first := f.createRun(t, "как дела?", "")
	_, err := f.bus.Emit(ctx, first.ID, events.TypeChatResponseDone, "Ответ сформирован", map[string]any{
		"provider": "local", "text": "Всё отлично, работаю в штатном режиме.",
	})
	require.NoError(t, err)

	second := f.createRun(t, "а что ты умеешь?", first.ID)
	_, err = f.bus.Emit(ctx, second.ID, events.TypeChatResponseDone, "Ответ сформирован", map[string]any{
		"provider": "local", "text": "Могу отвечать на вопросы и планировать задачи.",
	})
	require.NoError(t, err)

	third := f.createRun(t, "спасибо", second.ID)

	history := f.service.History(ctx, third.ParentRunID, 20)
	require.Len(t, history, 4)
	assert.Equal(t, persona.Turn{Role: "user", Content: "как дела?"}, history[0])
	assert.Equal(t, persona.Turn{Role: "assistant", Content: "Всё отлично, работаю в штатном режиме."}, history[1])
	assert.Equal(t, persona.Turn{Role: "user", Content: "а что ты умеешь?"}, history[2])
	assert.Equal(t, persona.Turn{Role: "assistant", Content: "Могу отвечать на вопросы и планировать задачи."}, history[3])
}

func TestHistoryStopsOnCycle(t *testing.T) {
	f := newChatFixture(t, brain.NewScriptedProvider())
	run := f.createRun(t, "привет", "")

	// A run that points at itself must not loop forever.
	history := f.service.History(context.Background(), run.ID, 20)
	require.Len(t, history, 1)
	assert.Equal(t, "привет", history[0].Content)
}
