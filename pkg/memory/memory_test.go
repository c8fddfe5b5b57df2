package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/persona"
	"github.com/astra-local/astra/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newInterpreter(provider *brain.ScriptedProvider) *Interpreter {
	return NewInterpreter(brain.NewRouter(config.DefaultBrainConfig(), false, provider, nil))
}

func TestInterpretExtractsProfile(t *testing.T) {
	provider := brain.NewScriptedProvider().Respond(`{
		"should_store": true,
		"title": "Имя и стиль",
		"summary": "Владельца зовут Иван, предпочитает короткие ответы.",
		"confidence": 0.9,
		"facts": [{"key": "user.name", "value": "Иван", "confidence": 0.95}],
		"preferences": [{"key": "style.brevity", "value": "short", "confidence": 0.85}],
		"possible_facts": []
	}`)
	i := newInterpreter(provider)

	interp, err := i.Interpret(context.Background(), "меня зовут Иван, отвечай короче", nil, KnownProfilePayload(nil), "run-1")
	require.NoError(t, err)
	assert.True(t, interp.ShouldStore)
	assert.Equal(t, "Иван", interp.UserName())
	assert.Equal(t, "Отвечай коротко и по делу.", interp.StyleHint())

	auto := interp.AutoMemory()
	require.NotNil(t, auto)
	assert.Equal(t, "auto", auto.Origin)
	assert.Equal(t, "Имя и стиль", auto.Payload.Title)
	require.Len(t, auto.Payload.Facts, 1)
	assert.Equal(t, "user.name", auto.Payload.Facts[0].Key)
}

func TestInterpretNotStorable(t *testing.T) {
	provider := brain.NewScriptedProvider().Respond(`{
		"should_store": false,
		"summary": "",
		"confidence": 0.2
	}`)
	i := newInterpreter(provider)

	interp, err := i.Interpret(context.Background(), "какая сегодня погода?", nil, KnownProfilePayload(nil), "run-1")
	require.NoError(t, err)
	assert.Nil(t, interp.AutoMemory())
}

func TestInterpretFailureCodes(t *testing.T) {
	tests := []struct {
		name     string
		provider *brain.ScriptedProvider
		wantCode string
	}{
		{
			name:     "prose instead of JSON",
			provider: brain.NewScriptedProvider().Respond("ничего сохранять не нужно"),
			wantCode: CodeInvalidJSON,
		},
		{
			name:     "schema mismatch",
			provider: brain.NewScriptedProvider().Respond(`{"should_store": "yes", "summary": "x", "confidence": 0.5}`),
			wantCode: CodeSchemaMismatch,
		},
		{
			name: "provider failure",
			provider: brain.NewScriptedProvider().
				Fail(&brain.Error{Provider: "local", Type: brain.ErrModelNotFound, Message: "missing"}),
			wantCode: "model_not_found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := newInterpreter(tt.provider)
			_, err := i.Interpret(context.Background(), "запомни: я пью чай", nil, KnownProfilePayload(nil), "run-1")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, ErrorCode(err))
		})
	}
}

func TestStyleHintFromPreference(t *testing.T) {
	tests := []struct {
		key   string
		value string
		want  string
	}{
		{"style.brevity", "short", "Отвечай коротко и по делу."},
		{"style.brevity", "развёрнуто", "Уровень краткости: развёрнуто."},
		{"style.tone", "строгий", "Стиль: строгий и точный, без лишней разговорности."},
		{"style.tone", "friendly", "Стиль: дружелюбный и поддерживающий."},
		{"style.tone", "supportive-direct", "Тон ответа: поддерживающий и прямой."},
		{"style.mirror_level", "high", "Зеркалинг высокий: адаптируй ритм и лексику."},
		{"style.mirror_level", "extreme", ""},
		{"response.format", "markdown", "Формат ответа: markdown."},
		{"unknown.key", "value", ""},
		{"style.tone", "", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StyleHintFromPreference(tt.key, tt.value), tt.key+"="+tt.value)
	}
}

func TestBuildDumpResponse(t *testing.T) {
	assert.Contains(t, BuildDumpResponse(nil), "Пока ничего не помню")

	memories := []*models.UserMemory{
		{Content: "Предпочитает короткие ответы", Meta: map[string]any{"summary": "Любит краткость"}},
		{Content: "Пьёт чай без сахара"},
	}
	dump := BuildDumpResponse(memories)
	assert.Contains(t, dump, "Вот что я помню о тебе:")
	assert.Contains(t, dump, "- Любит краткость")
	assert.Contains(t, dump, "- Пьёт чай без сахара")
}

func TestProfileStyleHintsDedup(t *testing.T) {
	memories := []*models.UserMemory{
		{Meta: map[string]any{"preferences": []any{
			map[string]any{"key": "style.brevity", "value": "short"},
			map[string]any{"key": "style.brevity", "value": "кратко"},
			map[string]any{"key": "style.tone", "value": "calm-supportive"},
		}}},
	}
	hints := ProfileStyleHints(memories, 4)
	assert.Equal(t, []string{
		"Отвечай коротко и по делу.",
		"Тон ответа: спокойный и поддерживающий.",
	}, hints)
}

func TestEpisodicUpdateAndRetrieve(t *testing.T) {
	ctx := context.Background()
	e, err := OpenEpisodic(ctx, ":memory:", config.DefaultMemoryConfig())
	require.NoError(t, err)
	defer e.Close()

	created, err := e.Update(ctx, "расскажи про планировщик задач", "планировщик работает так", nil, "dry")
	require.NoError(t, err)
	assert.True(t, created)

	// Same exchange again is a duplicate.
	created, err = e.Update(ctx, "расскажи про планировщик задач", "планировщик работает так", nil, "dry")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = e.Update(ctx, "посоветуй фильм на вечер", "посмотри что-нибудь лёгкое", nil, "neutral")
	require.NoError(t, err)

	recall, err := e.Retrieve(ctx, nil, "как устроен планировщик", 3)
	require.NoError(t, err)
	require.Equal(t, 1, recall.HitCount)
	assert.Contains(t, recall.Blocks[0].Value, "планировщик")
	assert.Contains(t, recall.Blocks[0].Tags, "tone:dry")
	assert.Contains(t, recall.Summary, "- расскажи про планировщик задач")
}

func TestEpisodicTrimsWindow(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultMemoryConfig()
	cfg.EpisodicMaxRows = 10
	e, err := OpenEpisodic(ctx, ":memory:", cfg)
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 15; i++ {
		_, err := e.Update(ctx, "сообщение номер "+string(rune('a'+i)), "", nil, "")
		require.NoError(t, err)
	}

	var count int
	require.NoError(t, e.db.QueryRow(`SELECT COUNT(*) FROM episodic_blocks`).Scan(&count))
	assert.Equal(t, 10, count)
}

func TestSaverPersistsCandidate(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:", store.Options{})
	require.NoError(t, err)
	defer st.Close()

	saver := NewSaver(st, nil, config.DefaultMemoryConfig())

	auto := &models.AutoMemory{
		Content: "Владелец предпочитает короткие ответы.",
		Origin:  "auto",
		Payload: models.MemoryPayload{
			Title:       "Профиль стиля пользователя",
			Summary:     "Владелец предпочитает короткие ответы.",
			Confidence:  0.8,
			Preferences: []models.Preference{{Key: "style.brevity", Value: "short", Confidence: 0.8}},
		},
	}
	assert.True(t, saver.Enqueue("run-1", auto))
	assert.True(t, saver.Enqueue("run-1", nil), "nil candidate is a no-op")
	saver.Close()

	memories, err := st.ListUserMemories(ctx, 10)
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "Профиль стиля пользователя", memories[0].Title)
	assert.Equal(t, "auto", memories[0].Source)

	prefs, ok := memories[0].Meta["preferences"].([]any)
	require.True(t, ok)
	require.Len(t, prefs, 1)
	entry, ok := prefs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "style.brevity", entry["key"])
}

func TestSaverDropsWhenSaturated(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(ctx, ":memory:", store.Options{})
	require.NoError(t, err)
	defer st.Close()

	saver := &Saver{store: st, jobs: make(chan saveJob)} // no workers, zero capacity
	auto := &models.AutoMemory{Content: "x", Origin: "auto", Payload: models.MemoryPayload{Title: "t", Summary: "x"}}
	assert.False(t, saver.Enqueue("run-1", auto))
	saver.Close()
}

func TestEpisodicRecallPrefersOverlapThenRecency(t *testing.T) {
	ctx := context.Background()
	e, err := OpenEpisodic(ctx, ":memory:", config.DefaultMemoryConfig())
	require.NoError(t, err)
	defer e.Close()

	history := []persona.Turn{{Role: "user", Content: "что мы обсуждали про кэширование"}}

	_, err = e.Update(ctx, "объясни кэширование запросов", "кэш работает так", nil, "")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = e.Update(ctx, "кэширование и инвалидация кэша", "инвалидация сложнее", nil, "")
	require.NoError(t, err)

	recall, err := e.Retrieve(ctx, history, "", 2)
	require.NoError(t, err)
	require.Len(t, recall.Blocks, 2)
	assert.Contains(t, recall.Blocks[0].Value, "кэширование")
}
