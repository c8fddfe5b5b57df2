package brain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/privacy"
)

// Cue patterns deliberately avoid \b: RE2 word boundaries are ASCII-only
// and never fire next to Cyrillic letters.
var (
	fastBlockCues   = regexp.MustCompile(`(?i)(код|code|python|javascript|sql|regex|архитект|пошаг|подроб|сравни|анализ)`)
	complexCues     = regexp.MustCompile(`(?i)(архитект|план|сравни|объясни|деталь|подроб|анализ|формул|доказ|рефактор)`)
	whitespaceSplit = regexp.MustCompile(`\s+`)
)

// Router is the process-wide LLM dispatcher.
type Router struct {
	cfg      *config.BrainConfig
	qaMode   bool
	provider Provider
	bus      *events.Bus
	queue    *admissionQueue
	gate     *privacy.Router

	mu         sync.Mutex
	cache      map[string]map[string]*Response // run_id → cache key → response
	runCounts  map[string]int
	stepCounts map[string]int // run_id+"/"+step_id
}

// NewRouter builds the brain router. bus may be nil (events skipped);
// provider may be nil, in which case the local HTTP provider is used.
func NewRouter(cfg *config.BrainConfig, qaMode bool, provider Provider, bus *events.Bus) *Router {
	if cfg == nil {
		cfg = config.DefaultBrainConfig()
	}
	if provider == nil {
		provider = NewLocalProvider(cfg.LocalBaseURL, cfg.NumCtx, cfg.NumPredict)
	}
	return &Router{
		cfg:        cfg,
		qaMode:     qaMode,
		provider:   provider,
		bus:        bus,
		queue:      newAdmissionQueue(cfg.MaxConcurrency, cfg.ChatPriorityExtraSlots),
		gate:       privacy.NewRouter(nil),
		cache:      make(map[string]map[string]*Response),
		runCounts:  make(map[string]int),
		stepCounts: make(map[string]int),
	}
}

// UsePrivacyPolicy swaps the context gate policy for the loaded
// configuration. Call before serving traffic.
func (r *Router) UsePrivacyPolicy(cfg *config.PrivacyConfig) {
	r.gate = privacy.NewRouter(cfg)
}

// Call dispatches one request through route decision, cache, budget and
// the admission queue. Provider failures are returned as *Error after the
// base-model fallback chain is exhausted.
func (r *Router) Call(ctx context.Context, req *Request) (*Response, error) {
	decision, req := r.gateRequest(req)

	if r.qaMode {
		return r.qaCall(ctx, req, decision), nil
	}

	routeReason := decision.Reason
	modelID := r.selectModel(req)

	r.emit(ctx, req, events.TypeLLMRouteDecided, "Маршрут LLM выбран", map[string]any{
		"route":         decision.Route,
		"reason":        routeReason,
		"provider":      "local",
		"model_id":      modelID,
		"items_summary": req.ItemsSummary,
	})

	cacheKey := r.cacheKey(modelID, req)
	if cached := r.cacheGet(req.RunID, cacheKey); cached != nil {
		r.emit(ctx, req, events.TypeLLMRequestStarted, "Запрос к LLM", map[string]any{"provider": "local", "model_id": cached.ModelID})
		r.emit(ctx, req, events.TypeLLMRequestSuccess, "Ответ LLM получен", map[string]any{
			"provider": cached.Provider, "model_id": cached.ModelID,
			"latency_ms": int64(0), "cache_hit": true,
		})
		return cached, nil
	}

	if name, limit, current, exceeded := r.checkBudget(req.RunID, req.StepID); exceeded {
		r.emit(ctx, req, events.TypeLLMBudgetExceeded, "Бюджет LLM исчерпан", map[string]any{
			"budget_name": name, "limit": limit, "current": current,
		})
		return &Response{
			Provider:    "local",
			ModelID:     modelID,
			RouteReason: routeReason,
			Status:      StatusBudgetExceeded,
			ErrorType:   StatusBudgetExceeded,
		}, nil
	}

	prioritizeChat := req.Purpose == PurposeChatResponse && req.PreferredModelKind == ModelKindChat
	if err := r.queue.Acquire(ctx, prioritizeChat); err != nil {
		return nil, err
	}
	defer r.queue.Release()

	r.emit(ctx, req, events.TypeLLMRequestStarted, "Запрос к LLM", map[string]any{"provider": "local", "model_id": modelID})

	start := time.Now()
	result, err := r.callWithFallback(ctx, modelID, req)
	if err != nil {
		r.emit(ctx, req, events.TypeLLMRequestFailed, "Запрос к LLM не удался", map[string]any{
			"provider":   "local",
			"model_id":   modelID,
			"error_type": ErrorType(err),
		}, events.WithLevel(models.EventLevelWarning))
		if pe, ok := err.(*Error); ok && pe.Type == ErrHTTP {
			r.emit(ctx, req, events.TypeLocalLLMHTTPError, "Локальный LLM вернул HTTP ошибку", map[string]any{
				"status":   pe.HTTPStatus,
				"model_id": modelID,
			}, events.WithLevel(models.EventLevelWarning))
		}
		return nil, err
	}

	resp := &Response{
		Text:        result.Text,
		Usage:       result.Usage,
		Provider:    "local",
		ModelID:     result.ModelID,
		LatencyMs:   time.Since(start).Milliseconds(),
		RouteReason: routeReason,
		Status:      StatusOK,
	}

	r.emit(ctx, req, events.TypeLLMRequestSuccess, "Ответ LLM получен", map[string]any{
		"provider": resp.Provider, "model_id": resp.ModelID,
		"latency_ms": resp.LatencyMs, "usage_if_available": resp.Usage, "cache_hit": false,
	})

	r.cacheSet(req.RunID, cacheKey, resp)
	r.incrementBudget(req.RunID, req.StepID)
	return resp, nil
}

// gateRequest runs the privacy gate before anything leaves the process:
// context items are routed and sanitized, every outbound message passes
// the secret redaction battery, and the audit summary lands on the
// request for the llm_route_decided event. The caller's request is never
// mutated.
func (r *Router) gateRequest(req *Request) (privacy.Decision, *Request) {
	decision := r.gate.DecideRoute(req.ContextItems)
	sanitized := r.gate.Sanitize(req.ContextItems)

	clone := *req
	clone.ContextItems = sanitized.Items
	if len(req.Messages) > 0 {
		messages := make([]Message, len(req.Messages))
		copy(messages, req.Messages)
		for i := range messages {
			text, n := privacy.RedactSecrets(messages[i].Content)
			messages[i].Content = text
			sanitized.RedactedCount += n
		}
		clone.Messages = messages
	}

	summary := privacy.Summarize(sanitized.Items)
	summary["redacted_count"] = sanitized.RedactedCount
	if len(sanitized.RemovedBySource) > 0 {
		summary["removed_by_source"] = sanitized.RemovedBySource
	}
	clone.ItemsSummary = summary
	return decision, &clone
}

// callWithFallback tries the selected tier, then once more on the base
// chat model when a tiered chat model misbehaves.
func (r *Router) callWithFallback(ctx context.Context, modelID string, req *Request) (*ProviderResult, error) {
	timeout := r.cfg.Timeout
	tiered := req.PreferredModelKind == ModelKindChat &&
		req.Purpose == PurposeChatResponse &&
		modelID != r.cfg.ChatModel
	if tiered && r.cfg.ChatTierTimeout < timeout {
		timeout = r.cfg.ChatTierTimeout
	}

	result, err := r.provider.Chat(ctx, modelID, req, timeout)
	if err == nil {
		return result, nil
	}
	if !tiered {
		return nil, err
	}

	switch ErrorType(err) {
	case ErrModelNotFound, ErrConnection, ErrHTTP, ErrInvalidJSON:
		// Grace timeout for the base model: the tier cap plus headroom,
		// never above the configured maximum.
		grace := r.cfg.ChatTierTimeout + 15*time.Second
		if grace > r.cfg.Timeout {
			grace = r.cfg.Timeout
		}
		return r.provider.Chat(ctx, r.cfg.ChatModel, req, grace)
	}
	return nil, err
}

// BaseCall dispatches directly on the base chat model, bypassing tier
// selection. Used by guard remediation.
func (r *Router) BaseCall(ctx context.Context, req *Request) (*Response, error) {
	clone := *req
	clone.PreferredModelKind = ""
	return r.Call(ctx, &clone)
}

// BaseModel returns the configured base chat model name.
func (r *Router) BaseModel() string { return r.cfg.ChatModel }

// ReleaseRun drops the cache and budget counters of a finished run.
func (r *Router) ReleaseRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, runID)
	delete(r.runCounts, runID)
	for key := range r.stepCounts {
		if strings.HasPrefix(key, runID+"/") {
			delete(r.stepCounts, key)
		}
	}
}

// --- model selection ---

func (r *Router) selectModel(req *Request) string {
	if req.PreferredModelKind == ModelKindCode {
		return r.cfg.CodeModel
	}
	if req.PreferredModelKind != ModelKindChat || req.Purpose != PurposeChatResponse {
		return r.cfg.ChatModel
	}

	query := lastUserMessage(req.Messages)
	if query == "" {
		return r.cfg.ChatModel
	}
	if r.isFastQuery(query) && r.cfg.FastModel != "" {
		return r.cfg.FastModel
	}
	if r.isComplexQuery(query) && r.cfg.ComplexModel != "" {
		return r.cfg.ComplexModel
	}
	return r.cfg.ChatModel
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.EqualFold(strings.TrimSpace(messages[i].Role), "user") {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

func (r *Router) isFastQuery(query string) bool {
	if query == "" {
		return false
	}
	words := countWords(query)
	if len([]rune(query)) > r.cfg.FastQueryMaxChars || words > r.cfg.FastQueryMaxWords {
		return false
	}
	if strings.Contains(query, "\n") || strings.Contains(query, "```") {
		return false
	}
	return !fastBlockCues.MatchString(query)
}

func (r *Router) isComplexQuery(query string) bool {
	if query == "" {
		return false
	}
	if len([]rune(query)) >= r.cfg.ComplexQueryMinChars {
		return true
	}
	if countWords(query) >= r.cfg.ComplexQueryMinWords {
		return true
	}
	if strings.Contains(query, "```") {
		return true
	}
	return complexCues.MatchString(query)
}

func countWords(s string) int {
	n := 0
	for _, w := range whitespaceSplit.Split(strings.TrimSpace(s), -1) {
		if w != "" {
			n++
		}
	}
	return n
}

// --- cache ---

func (r *Router) cacheKey(modelID string, req *Request) string {
	payload := map[string]any{
		"route":          privacy.RouteLocal,
		"model":          modelID,
		"temperature":    req.Temperature,
		"top_p":          req.TopP,
		"repeat_penalty": req.RepeatPenalty,
		"max_tokens":     req.MaxTokens,
		"messages":       req.Messages,
		"json_schema":    req.JSONSchema,
	}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (r *Router) cacheGet(runID, key string) *Response {
	if runID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cached, ok := r.cache[runID][key]
	if !ok {
		return nil
	}
	hit := *cached
	hit.CacheHit = true
	hit.LatencyMs = 0
	return &hit
}

func (r *Router) cacheSet(runID, key string, resp *Response) {
	if runID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache[runID] == nil {
		r.cache[runID] = make(map[string]*Response)
	}
	r.cache[runID][key] = resp
}

// --- budgets ---

func (r *Router) checkBudget(runID, stepID string) (name string, limit, current int, exceeded bool) {
	if runID == "" {
		return "", 0, 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.BudgetPerRun != nil && r.runCounts[runID] >= *r.cfg.BudgetPerRun {
		return "per_run", *r.cfg.BudgetPerRun, r.runCounts[runID], true
	}
	if stepID != "" && r.cfg.BudgetPerStep != nil {
		key := runID + "/" + stepID
		if r.stepCounts[key] >= *r.cfg.BudgetPerStep {
			return "per_step", *r.cfg.BudgetPerStep, r.stepCounts[key], true
		}
	}
	return "", 0, 0, false
}

func (r *Router) incrementBudget(runID, stepID string) {
	if runID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runCounts[runID]++
	if stepID != "" {
		r.stepCounts[runID+"/"+stepID]++
	}
}

// --- QA mode ---

func (r *Router) qaCall(ctx context.Context, req *Request, decision privacy.Decision) *Response {
	modelID := "qa_stub"
	r.emit(ctx, req, events.TypeLLMRouteDecided, "Маршрут LLM выбран", map[string]any{
		"route": decision.Route, "reason": "qa_mode", "provider": "local", "model_id": modelID,
		"items_summary": req.ItemsSummary,
	})
	r.emit(ctx, req, events.TypeLLMRequestStarted, "Запрос к LLM", map[string]any{"provider": "local", "model_id": modelID})

	text := "QA mode: response stub."
	if req.JSONSchema != nil {
		text = `{"qa_mode": true}`
	}
	resp := &Response{
		Text:        text,
		Provider:    "local",
		ModelID:     modelID,
		CacheHit:    true,
		RouteReason: "qa_mode",
		Status:      StatusOK,
	}
	r.emit(ctx, req, events.TypeLLMRequestSuccess, "Ответ LLM получен", map[string]any{
		"provider": "local", "model_id": modelID, "latency_ms": int64(0), "cache_hit": true,
	})
	return resp
}

func (r *Router) emit(ctx context.Context, req *Request, eventType, message string, payload map[string]any, opts ...events.EmitOption) {
	if r.bus == nil || req.RunID == "" {
		return
	}
	if req.TaskID != "" {
		opts = append(opts, events.WithTask(req.TaskID))
	}
	if req.StepID != "" {
		opts = append(opts, events.WithStep(req.StepID))
	}
	_, _ = r.bus.Emit(ctx, req.RunID, eventType, message, payload, opts...)
}
