package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/models"
)

func TestHasActionCue(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"открой браузер", true},
		{"напомни мне позвонить", true},
		{"через 10 минут выключи музыку", true},
		{"создай напоминание на завтра", true},
		{"покажи команду в командной строке", true},
		{"разложи файлы по папкам", true},
		{"это просто напоминает мне о лете", false},
		{"сколько будет 2+2?", false},
		{"расскажи про погоду", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasActionCue(tt.text), tt.text)
	}
}

func TestHasMemoryCue(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"запомни: я люблю кофе", true},
		{"меня зовут Иван", true},
		{"меня вообще-то зовут Иван", true},
		{"называй меня шефом", true},
		{"сохрани в память этот факт", true},
		{"my name is Dmitry", true},
		{"я предпочитаю короткие ответы", true},
		{"как зовут кота из Шрека?", false},
		{"что такое память процесса?", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasMemoryCue(tt.text), tt.text)
	}
}

func TestIsFastChatCandidate(t *testing.T) {
	cfg := config.DefaultChatConfig()

	assert.True(t, IsFastChatCandidate("сколько будет 2+2?", cfg, false))
	assert.False(t, IsFastChatCandidate("", cfg, false))
	assert.False(t, IsFastChatCandidate("открой браузер и найди билеты", cfg, false))
	assert.False(t, IsFastChatCandidate("запомни, что я не пью кофе", cfg, false))
	assert.False(t, IsFastChatCandidate("сколько будет 2+2?", cfg, true), "qa mode is deterministic")

	long := ""
	for i := 0; i < 40; i++ {
		long += "слово "
	}
	assert.False(t, IsFastChatCandidate(long, cfg, false))

	disabled := config.DefaultChatConfig()
	disabled.FastPathEnabled = false
	assert.False(t, IsFastChatCandidate("привет", disabled, false))
}

func TestFastChatDecision(t *testing.T) {
	d := FastChatDecision()
	assert.Equal(t, IntentChat, d.Intent)
	assert.InDelta(t, 0.55, d.Confidence, 0.001)
	assert.Equal(t, []string{"fast_chat_path"}, d.Reasons)
	assert.Equal(t, []string{"CHAT_RESPONSE"}, d.PlanHint)
	assert.Equal(t, PathFastChat, d.DecisionPath)
	assert.Equal(t, "intent=CHAT; plan_hint=CHAT_RESPONSE", d.Summary())
}

func TestResilienceDecision(t *testing.T) {
	d := ResilienceDecision("connection_error")
	assert.Equal(t, IntentChat, d.Intent)
	assert.Zero(t, d.Confidence)
	assert.Equal(t, []string{"semantic_resilience", "connection_error"}, d.Reasons)
	assert.Equal(t, PathSemanticResilience, d.DecisionPath)
	assert.NotEmpty(t, d.UserVisibleNote)
}

func TestResolveMode(t *testing.T) {
	tests := []struct {
		name        string
		decision    *Decision
		requested   models.RunMode
		purpose     string
		wantMode    models.RunMode
		wantPurpose string
	}{
		{
			name:        "chat forces plan_only",
			decision:    &Decision{Intent: IntentChat},
			requested:   models.RunModeAutopilotSafe,
			wantMode:    models.RunModePlanOnly,
			wantPurpose: "chat_only",
		},
		{
			name:        "chat keeps explicit purpose",
			decision:    &Decision{Intent: IntentChat},
			requested:   models.RunModePlanOnly,
			purpose:     "conflict_resolution",
			wantMode:    models.RunModePlanOnly,
			wantPurpose: "conflict_resolution",
		},
		{
			name:        "ask forces clarify",
			decision:    &Decision{Intent: IntentAsk},
			requested:   models.RunModeResearch,
			wantMode:    models.RunModePlanOnly,
			wantPurpose: "clarify",
		},
		{
			name:      "act keeps payload mode",
			decision:  &Decision{Intent: IntentAct},
			requested: models.RunModeAutopilotSafe,
			wantMode:  models.RunModeAutopilotSafe,
		},
		{
			name: "act upgraded to execute_confirm",
			decision: &Decision{
				Intent:  IntentAct,
				ActHint: &ActHint{SuggestedRunMode: "execute_confirm"},
			},
			requested: models.RunModeResearch,
			wantMode:  models.RunModeExecuteConfirm,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode, purpose := ResolveMode(tt.decision, tt.requested, tt.purpose)
			assert.Equal(t, tt.wantMode, mode)
			assert.Equal(t, tt.wantPurpose, purpose)
		})
	}
}

func newTestRouter(provider *brain.ScriptedProvider) *Router {
	b := brain.NewRouter(config.DefaultBrainConfig(), false, provider, nil)
	return NewRouter(b, false)
}

func TestDecideParsesSemanticDecision(t *testing.T) {
	provider := brain.NewScriptedProvider().Respond(`{
		"intent": "ACT",
		"confidence": 0.82,
		"reasons": ["explicit file command"],
		"needs_clarification": false,
		"act_hint": {
			"suggested_run_mode": "execute_confirm",
			"danger_flags": ["delete_file"],
			"target": "организовать папку загрузок"
		},
		"plan_hint": ["FILE_ORGANIZE"]
	}`)
	r := newTestRouter(provider)

	d, err := r.Decide(context.Background(), "разложи загрузки по папкам и удали мусор", "run-1")
	require.NoError(t, err)
	assert.Equal(t, IntentAct, d.Intent)
	assert.InDelta(t, 0.82, d.Confidence, 0.001)
	require.NotNil(t, d.ActHint)
	assert.Equal(t, "execute_confirm", d.ActHint.SuggestedRunMode)
	assert.Equal(t, []string{"FILE_ORGANIZE"}, d.PlanHint)
	assert.Equal(t, PathSemantic, d.DecisionPath)
}

func TestDecideAskImpliesClarification(t *testing.T) {
	provider := brain.NewScriptedProvider().Respond(`{
		"intent": "ASK",
		"confidence": 0.6,
		"reasons": ["ambiguous target"],
		"questions": ["Какой именно отчёт нужен?"]
	}`)
	r := newTestRouter(provider)

	d, err := r.Decide(context.Background(), "сделай отчёт", "run-1")
	require.NoError(t, err)
	assert.Equal(t, IntentAsk, d.Intent)
	assert.True(t, d.NeedsClarification)
	assert.Equal(t, []string{"Какой именно отчёт нужен?"}, d.Questions)
}

func TestDecideFailureCodes(t *testing.T) {
	tests := []struct {
		name     string
		provider *brain.ScriptedProvider
		wantCode string
	}{
		{
			name: "provider connection error",
			provider: brain.NewScriptedProvider().
				Fail(&brain.Error{Provider: "local", Type: brain.ErrConnection, Message: "refused"}).
				Fail(&brain.Error{Provider: "local", Type: brain.ErrConnection, Message: "refused"}),
			wantCode: "connection_error",
		},
		{
			name:     "no JSON in reply",
			provider: brain.NewScriptedProvider().Respond("извини, не могу структурировать"),
			wantCode: CodeInvalidJSON,
		},
		{
			name:     "schema mismatch",
			provider: brain.NewScriptedProvider().Respond(`{"intent": "PLAN", "confidence": 0.4, "reasons": []}`),
			wantCode: CodeSchemaMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(tt.provider)
			_, err := r.Decide(context.Background(), "сделай что-нибудь", "run-1")
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, ErrorCode(err))
		})
	}
}

func TestDecideQAMode(t *testing.T) {
	r := NewRouter(nil, true)
	d, err := r.Decide(context.Background(), "любой текст", "run-1")
	require.NoError(t, err)
	assert.Equal(t, IntentChat, d.Intent)
	assert.Equal(t, PathQAStub, d.DecisionPath)
}
