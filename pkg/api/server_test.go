package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/chat"
	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/engine"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/memory"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/persona"
	"github.com/astra-local/astra/pkg/planner"
	"github.com/astra-local/astra/pkg/secrets"
	"github.com/astra-local/astra/pkg/services"
	"github.com/astra-local/astra/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type apiFixture struct {
	router *gin.Engine
	store  store.Store
	tokens *TokenManager
}

func newAPIFixture(t *testing.T, provider *brain.ScriptedProvider, authMode string) *apiFixture {
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

	chatCfg := config.DefaultChatConfig()
	chatCfg.AutoWebResearchEnabled = false
	chatSvc := chat.NewService(st, bus, router, persona.NewBuilder(nil), nil, nil, chatCfg)

	eng := engine.New(st, bus, planner.NewPlanner(router), engine.NewRegistry(), &config.EngineConfig{
		StepRetryBudget: 1,
		StatusPoll:      5 * time.Millisecond,
		ApprovalPoll:    5 * time.Millisecond,
	})
	t.Cleanup(eng.Close)

	saver := memory.NewSaver(st, bus, nil)
	t.Cleanup(saver.Close)

	runSvc := services.NewRunService(st, bus, router, eng, chatSvc, memory.NewInterpreter(router), saver, chatCfg)
	tokens := NewTokenManager(st, filepath.Join(t.TempDir(), "auth.token"))

	srv := NewServer(&config.Config{HTTPAddr: "127.0.0.1:0", AuthMode: authMode}, Deps{
		Store:     st,
		Bus:       bus,
		Engine:    eng,
		Runs:      runSvc,
		Approvals: services.NewApprovalService(st, bus),
		Snapshots: services.NewSnapshotService(st),
		Memories:  services.NewMemoryService(st),
		Vault:     secrets.New(filepath.Join(t.TempDir(), "vault.bin")),
		Tokens:    tokens,
	})
	return &apiFixture{router: srv.Router(), store: st, tokens: tokens}
}

type requestOpt func(*http.Request)

func fromLoopback() requestOpt {
	return func(r *http.Request) { r.RemoteAddr = "127.0.0.1:52000" }
}

func fromRemote() requestOpt {
	return func(r *http.Request) { r.RemoteAddr = "192.0.2.10:52000" }
}

func withBearer(token string) requestOpt {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, opts ...requestOpt) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	fromLoopback()(req)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestSecurityHeaders(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")
	rec := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestStrictAuthFlow(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "strict")

	rec := f.do(t, http.MethodGet, "/api/v1/projects", nil, fromRemote(), withBearer("whatever"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, authTokenNotInitialized, decodeBody(t, rec)["detail"])

	token := "секретный-токен-1"
	rec = f.do(t, http.MethodPost, "/api/v1/auth/bootstrap", map[string]any{"token": token}, fromRemote())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "создано", decodeBody(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/api/v1/projects", nil, fromRemote())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, authMissingAuthorization, decodeBody(t, rec)["detail"])

	rec = f.do(t, http.MethodGet, "/api/v1/projects", nil, fromRemote(), func(r *http.Request) {
		r.Header.Set("Authorization", "Basic "+token)
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, authBadScheme, decodeBody(t, rec)["detail"])

	rec = f.do(t, http.MethodGet, "/api/v1/projects", nil, fromRemote(), withBearer("not-the-token"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, authInvalidToken, decodeBody(t, rec)["detail"])

	rec = f.do(t, http.MethodGet, "/api/v1/projects", nil, fromRemote(), withBearer(token))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/projects?token="+token, nil, fromRemote())
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStrictAuthLoopbackStillNeedsToken(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "strict")
	rec := f.do(t, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLocalModeLoopbackBypass(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")

	rec := f.do(t, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/projects", nil, fromRemote())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBootstrapIdempotenceAndConflict(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")

	rec := f.do(t, http.MethodPost, "/api/v1/auth/bootstrap", map[string]any{"token": "токен-А"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "создано", decodeBody(t, rec)["status"])

	// Same token again is a no-op.
	rec = f.do(t, http.MethodPost, "/api/v1/auth/bootstrap", map[string]any{"token": "токен-А"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ок", decodeBody(t, rec)["status"])

	// A different token conflicts with the one persisted on disk.
	rec = f.do(t, http.MethodPost, "/api/v1/auth/bootstrap", map[string]any{"token": "токен-Б"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Токен уже установлен", decodeBody(t, rec)["detail"])

	rec = f.do(t, http.MethodPost, "/api/v1/auth/bootstrap", map[string]any{"token": "  "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBootstrapUpdatesWhenFileMissing(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")
	ctx := context.Background()

	// Hash in the store but no token file: a new token re-salts in place.
	_, err := f.tokens.Bootstrap(ctx, "токен-А")
	require.NoError(t, err)
	require.NoError(t, os.Remove(f.tokens.tokenPath))

	status, err := f.tokens.Bootstrap(ctx, "токен-Б")
	require.NoError(t, err)
	assert.Equal(t, "обновлено", status)
	require.NoError(t, f.tokens.Verify(ctx, "токен-Б"))
}

func TestAuthStatus(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")
	rec := f.do(t, http.MethodGet, "/api/v1/auth/status", nil, fromRemote())
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["initialized"])
	assert.Equal(t, "local", body["auth_mode"])
	assert.Equal(t, false, body["token_required"])
}

func TestProjectEndpoints(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")

	rec := f.do(t, http.MethodPost, "/api/v1/projects", map[string]any{"name": "Личный"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	require.NotEmpty(t, created["id"])

	rec = f.do(t, http.MethodPost, "/api/v1/projects", map[string]any{"name": "  "})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/projects", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/projects/no-such", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Проект не найден", decodeBody(t, rec)["detail"])
}

func TestCreateRunChat(t *testing.T) {
	answer := "Кэширование запросов в браузере сохраняет ответы сервера и повторно использует их, пока кэш не устарел."
	f := newAPIFixture(t, brain.NewScriptedProvider().Respond(answer), "local")

	rec := f.do(t, http.MethodPost, "/api/v1/projects/project-1/runs", map[string]any{
		"query_text": "объясни кэширование запросов в браузере",
		"mode":       "plan_only",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "chat", body["kind"])
	assert.Equal(t, answer, body["chat_response"])

	rec = f.do(t, http.MethodPost, "/api/v1/projects/no-such/runs", map[string]any{
		"query_text": "привет",
	})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Проект не найден", decodeBody(t, rec)["detail"])

	rec = f.do(t, http.MethodPost, "/api/v1/projects/project-1/runs", map[string]any{
		"query_text": "привет",
		"mode":       "turbo",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "недопустимый режим запуска", decodeBody(t, rec)["detail"])
}

func TestRunNotFoundReads(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")
	for _, path := range []string{
		"/api/v1/runs/no-such",
		"/api/v1/runs/no-such/plan",
		"/api/v1/runs/no-such/approvals",
		"/api/v1/runs/no-such/snapshot",
	} {
		rec := f.do(t, http.MethodGet, path, nil)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "Запуск не найден", decodeBody(t, rec)["detail"], path)
	}
}

func TestRunActions(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")
	ctx := context.Background()

	run := &models.Run{
		ID:        "run-actions",
		ProjectID: "project-1",
		QueryText: "исследуй рынок",
		Mode:      models.RunModePlanOnly,
		Status:    models.RunStatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(ctx, run))

	// plan_only runs never execute.
	rec := f.do(t, http.MethodPost, "/api/v1/runs/run-actions/start", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/run-actions/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "отменено", decodeBody(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/api/v1/runs/run-actions/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/runs/no-such/start", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Запуск не найден", decodeBody(t, rec)["detail"])

	rec = f.do(t, http.MethodPost, "/api/v1/runs/run-actions/tasks/no-such/retry", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Задача не найдена", decodeBody(t, rec)["detail"])

	rec = f.do(t, http.MethodPost, "/api/v1/runs/run-actions/steps/no-such/retry", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Шаг плана не найден", decodeBody(t, rec)["detail"])
}

func TestApprovalEndpoints(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")
	ctx := context.Background()

	run := &models.Run{
		ID:        "run-appr",
		ProjectID: "project-1",
		QueryText: "отправь отчёт",
		Mode:      models.RunModeExecuteConfirm,
		Status:    models.RunStatusWaitingApproval,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(ctx, run))
	approval := &models.Approval{
		ID:        "appr-1",
		RunID:     run.ID,
		Scope:     "run",
		Title:     "Помощь пользователя",
		Status:    models.ApprovalStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateApproval(ctx, approval))

	rec := f.do(t, http.MethodPost, "/api/v1/approvals/appr-1/approve", map[string]any{"decision": "всегда"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "approved", body["status"])
	assert.Equal(t, "всегда", body["decision"])

	rec = f.do(t, http.MethodPost, "/api/v1/approvals/no-such/reject", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Подтверждение не найдено", decodeBody(t, rec)["detail"])
}

func TestMemoryEndpoints(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")

	rec := f.do(t, http.MethodPost, "/api/v1/memory/create", map[string]any{
		"content": "Предпочитает краткие ответы",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	created := decodeBody(t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	rec = f.do(t, http.MethodPost, "/api/v1/memory/create", map[string]any{"content": "  "})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/memory/list?query=краткие", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var memories []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &memories))
	require.Len(t, memories, 1)

	rec = f.do(t, http.MethodDelete, "/api/v1/memory/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/memory/"+id, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSnapshotDownloadHeader(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")
	run := &models.Run{
		ID:        "run-snap",
		ProjectID: "project-1",
		QueryText: "вопрос",
		Mode:      models.RunModePlanOnly,
		Status:    models.RunStatusDone,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))

	rec := f.do(t, http.MethodGet, "/api/v1/runs/run-snap/snapshot/download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "снимок_run-snap.json")
}

func TestEventsOnce(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")
	ctx := context.Background()
	run := &models.Run{
		ID:        "run-ev",
		ProjectID: "project-1",
		QueryText: "вопрос",
		Mode:      models.RunModePlanOnly,
		Status:    models.RunStatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRun(ctx, run))
	bus := events.NewBus(f.store)
	_, err := bus.Emit(ctx, run.ID, events.TypeRunCreated, "Запуск создан", map[string]any{"mode": "plan_only"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/v1/runs/run-ev/events?once=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, rec.Body.String(), "run_created")
	assert.Contains(t, rec.Body.String(), "Запуск создан")

	rec = f.do(t, http.MethodGet, "/api/v1/runs/run-ev/events?once=1&after_seq=abc", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSecretsEndpoints(t *testing.T) {
	f := newAPIFixture(t, brain.NewScriptedProvider(), "local")

	rec := f.do(t, http.MethodGet, "/api/v1/secrets/status", nil, fromRemote())
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/secrets/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["vault_unlocked"])

	rec = f.do(t, http.MethodPost, "/api/v1/secrets/openai", map[string]any{"api_key": "sk-test"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/secrets/unlock", map[string]any{"passphrase": "фраза"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/secrets/openai", map[string]any{"api_key": "sk-test"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "обновлено", decodeBody(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/api/v1/secrets/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["openai_key_set"])
}
