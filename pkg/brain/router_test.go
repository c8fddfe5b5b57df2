package brain

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/privacy"
)

func tierConfig() *config.BrainConfig {
	cfg := config.DefaultBrainConfig()
	cfg.ChatModel = "base-model"
	cfg.FastModel = "fast-model"
	cfg.ComplexModel = "complex-model"
	cfg.CodeModel = "code-model"
	return cfg
}

func chatRequest(query string) *Request {
	return &Request{
		Purpose:            PurposeChatResponse,
		PreferredModelKind: ModelKindChat,
		Messages:           []Message{{Role: "user", Content: query}},
	}
}

func TestSelectModelTiers(t *testing.T) {
	r := NewRouter(tierConfig(), false, NewScriptedProvider(), nil)

	tests := []struct {
		name string
		req  *Request
		want string
	}{
		{"short greeting goes fast", chatRequest("привет, как дела?"), "fast-model"},
		{"code cue blocks fast tier", chatRequest("покажи код"), "base-model"},
		{"comparison cue goes complex", chatRequest("сравни эти два подхода"), "complex-model"},
		{"long query goes complex", chatRequest(strings.Repeat("слово ", 60)), "complex-model"},
		{"code fence goes complex", chatRequest("что тут не так?\n```\nx = 1\n```"), "complex-model"},
		{"code kind overrides everything", &Request{PreferredModelKind: ModelKindCode, Messages: []Message{{Role: "user", Content: "fix"}}}, "code-model"},
		{"non-chat purpose stays base", &Request{Purpose: "plan_generation", PreferredModelKind: ModelKindChat, Messages: []Message{{Role: "user", Content: "привет"}}}, "base-model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.selectModel(tt.req))
		})
	}
}

func TestCallCachesPerRun(t *testing.T) {
	provider := NewScriptedProvider().Respond("ответ")
	r := NewRouter(tierConfig(), false, provider, nil)

	req := chatRequest("привет")
	req.RunID = "run-1"

	first, err := r.Call(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, "ответ", first.Text)

	second, err := r.Call(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Zero(t, second.LatencyMs)
	assert.Equal(t, "ответ", second.Text)

	assert.Len(t, provider.Calls(), 1)

	// Another run does not share the cache.
	other := chatRequest("привет")
	other.RunID = "run-2"
	third, err := r.Call(context.Background(), other)
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Len(t, provider.Calls(), 2)
}

func TestCallBudgetExceeded(t *testing.T) {
	cfg := tierConfig()
	one := 1
	cfg.BudgetPerRun = &one
	provider := NewScriptedProvider()
	r := NewRouter(cfg, false, provider, nil)

	first := chatRequest("первый вопрос")
	first.RunID = "run-1"
	resp, err := r.Call(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, resp.OK())

	second := chatRequest("второй вопрос")
	second.RunID = "run-1"
	resp, err = r.Call(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, StatusBudgetExceeded, resp.Status)
	assert.Empty(t, resp.Text)
	assert.Len(t, provider.Calls(), 1)

	// A different run has its own counter.
	third := chatRequest("третий вопрос")
	third.RunID = "run-2"
	resp, err = r.Call(context.Background(), third)
	require.NoError(t, err)
	assert.True(t, resp.OK())
}

func TestCallFallsBackToBaseModel(t *testing.T) {
	provider := NewScriptedProvider().
		Fail(&Error{Provider: "local", Type: ErrModelNotFound, Message: "model not found"}).
		Respond("базовый ответ")
	r := NewRouter(tierConfig(), false, provider, nil)

	resp, err := r.Call(context.Background(), chatRequest("привет"))
	require.NoError(t, err)
	assert.Equal(t, "базовый ответ", resp.Text)

	calls := provider.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "fast-model", calls[0].Model)
	assert.Equal(t, "base-model", calls[1].Model)
}

func TestCallNoFallbackOnBaseModel(t *testing.T) {
	provider := NewScriptedProvider().
		Fail(&Error{Provider: "local", Type: ErrConnection, Message: "refused"})
	r := NewRouter(tierConfig(), false, provider, nil)

	req := chatRequest("покажи код") // routes to base-model
	_, err := r.Call(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, ErrConnection, ErrorType(err))
	assert.Len(t, provider.Calls(), 1)
}

func TestCallGatesContextBeforeDispatch(t *testing.T) {
	provider := NewScriptedProvider().Respond("ответ")
	r := NewRouter(tierConfig(), false, provider, nil)

	req := chatRequest("сохрани password=hunter2 и ключ api_key: sk-abcdefghij1234567890")
	req.RunID = "run-1"
	req.ContextItems = []privacy.ContextItem{
		{Content: "сохрани password=hunter2", SourceType: privacy.SourceUserPrompt, Sensitivity: privacy.SensitivityPersonal},
		{Content: "переписка из мессенджера", SourceType: privacy.SourceTelegramText, Sensitivity: privacy.SensitivityPersonal},
	}

	resp, err := r.Call(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "strict_local", resp.RouteReason)

	calls := provider.Calls()
	require.Len(t, calls, 1)
	sent := calls[0].Request
	for _, msg := range sent.Messages {
		assert.NotContains(t, msg.Content, "hunter2")
		assert.NotContains(t, msg.Content, "sk-abcdefghij1234567890")
	}
	assert.Contains(t, sent.Messages[len(sent.Messages)-1].Content, privacy.Redacted)

	require.NotNil(t, sent.ItemsSummary)
	bySource, ok := sent.ItemsSummary["by_source_type"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, bySource[privacy.SourceUserPrompt])
	assert.Zero(t, bySource[privacy.SourceTelegramText])
	removed, ok := sent.ItemsSummary["removed_by_source"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, removed[privacy.SourceTelegramText])
	redacted, ok := sent.ItemsSummary["redacted_count"].(int)
	require.True(t, ok)
	assert.GreaterOrEqual(t, redacted, 2)

	// The caller's request is left untouched.
	assert.Contains(t, req.Messages[0].Content, "hunter2")
}

func TestQAModeStub(t *testing.T) {
	provider := NewScriptedProvider()
	r := NewRouter(tierConfig(), true, provider, nil)

	resp, err := r.Call(context.Background(), chatRequest("привет"))
	require.NoError(t, err)
	assert.Equal(t, "qa_stub", resp.ModelID)
	assert.Equal(t, "QA mode: response stub.", resp.Text)
	assert.Equal(t, "qa_mode", resp.RouteReason)
	assert.Empty(t, provider.Calls())

	schemaReq := chatRequest("структура")
	schemaReq.JSONSchema = map[string]any{"type": "object"}
	resp, err = r.Call(context.Background(), schemaReq)
	require.NoError(t, err)
	assert.JSONEq(t, `{"qa_mode": true}`, resp.Text)
}

func TestReleaseRunDropsState(t *testing.T) {
	one := 1
	cfg := tierConfig()
	cfg.BudgetPerRun = &one
	r := NewRouter(cfg, false, NewScriptedProvider(), nil)

	req := chatRequest("привет")
	req.RunID = "run-1"
	_, err := r.Call(context.Background(), req)
	require.NoError(t, err)

	r.ReleaseRun("run-1")

	// Fresh budget and no cache hit after release.
	resp, err := r.Call(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.False(t, resp.CacheHit)
}
