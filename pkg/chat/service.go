// Package chat is the conversational answer pipeline: prompt assembly
// over the reconstructed parent-run history, guarded generation with a
// soft-retry remediation chain, degraded resilience answers and the
// auto web research escalation for uncertain informational replies.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/memory"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/persona"
	"github.com/astra-local/astra/pkg/privacy"
	"github.com/astra-local/astra/pkg/store"
)

// purposeBaseFallback reroutes a retry to the base chat model instead of
// the tiered fast/complex model.
const purposeBaseFallback = "chat_response_base_fallback"

// errorTypeUnhandled labels chat generation failures that carry no
// provider classification.
const errorTypeUnhandled = "chat_llm_unhandled_error"

// Response modes.
const (
	ResponseModePlain    = "plain"
	ResponseModeStepPlan = "step_by_step_plan"
)

// languageLock pins Russian output when the query is Cyrillic.
const languageLock = "[Language Lock]\n" +
	"- Отвечай только на русском языке.\n" +
	"- Не переключайся на английский без явной просьбы владельца.\n" +
	"- Английские слова допустимы только для кода/терминов."

// stepPlanDirective switches the answer into step plan form.
const stepPlanDirective = "[Формат ответа]\n" +
	"- Начни с одной строки \"Краткий итог: …\".\n" +
	"- Затем дай нумерованные шаги (3-7 пунктов), каждый с конкретным действием.\n" +
	"- Без воды между пунктами."

// Result is the final chat answer with its provenance.
type Result struct {
	Text         string
	Provider     string
	ModelID      string
	LatencyMs    int64
	Degraded     bool
	ErrorType    string
	HTTPStatus   int
	WebResearch  bool
	SourcesCount int
	Confidence   float64
	ResponseMode string
}

// Service generates chat answers for runs whose intent resolved to CHAT.
type Service struct {
	store      store.Store
	bus        *events.Bus
	brain      *brain.Router
	builder    *persona.Builder
	episodic   *memory.Episodic
	researcher Researcher
	cfg        *config.ChatConfig
}

// NewService wires the chat pipeline. episodic and researcher may be nil;
// the corresponding stages are skipped.
func NewService(st store.Store, bus *events.Bus, br *brain.Router, builder *persona.Builder, episodic *memory.Episodic, researcher Researcher, cfg *config.ChatConfig) *Service {
	if cfg == nil {
		cfg = config.DefaultChatConfig()
	}
	return &Service{
		store:      st,
		bus:        bus,
		brain:      br,
		builder:    builder,
		episodic:   episodic,
		researcher: researcher,
		cfg:        cfg,
	}
}

var planCueTokens = map[string]bool{
	"план": true, "плана": true, "планы": true, "планирование": true,
	"шаги": true, "этапы": true, "этапов": true, "стратегия": true,
	"стратегию": true, "roadmap": true, "антикризисный": true,
	"поэтапно": true,
}

// isPlanStyleQuery detects requests that want a structured plan rather
// than a plain answer.
func isPlanStyleQuery(query string) bool {
	words := strings.Fields(query)
	if len(words) < 8 {
		return false
	}
	for _, token := range relevanceTokens(query) {
		if planCueTokens[token] {
			return true
		}
	}
	lowered := strings.ToLower(query)
	return strings.Contains(lowered, "что делать") ||
		strings.Contains(lowered, "как организовать") ||
		strings.Contains(lowered, "как выстроить")
}

// Respond runs the full chat pipeline for the run and emits the
// chat_response_generated event for the final answer.
func (s *Service) Respond(ctx context.Context, run *models.Run, styleHint string) (*Result, error) {
	query := strings.TrimSpace(run.QueryText)

	memories, err := s.store.ListUserMemories(ctx, 50)
	if err != nil {
		slog.Warn("failed to load profile memories for chat", "run_id", run.ID, "error", err)
		memories = nil
	}
	history := s.History(ctx, run.ParentRunID, chatHistoryTurns)
	analysis := persona.Analyze(query, history, memories)

	systemText, analysis := s.builder.Build(query, history, memories, styleHint, analysis)
	if cyrillicRe.MatchString(query) {
		systemText += "\n\n" + languageLock
	}
	responseMode := ResponseModePlain
	if isPlanStyleQuery(query) {
		responseMode = ResponseModeStepPlan
		systemText += "\n\n" + stepPlanDirective
	}

	req := &brain.Request{
		Purpose:            brain.PurposeChatResponse,
		PreferredModelKind: brain.ModelKindChat,
		Messages:           buildMessages(systemText, history, query),
		Temperature:        s.cfg.Temperature,
		TopP:               s.cfg.TopP,
		RepeatPenalty:      s.cfg.RepeatPenalty,
		MaxTokens:          s.cfg.NumPredict,
		RunID:              run.ID,
		ContextItems: []privacy.ContextItem{{
			Content:     query,
			SourceType:  privacy.SourceUserPrompt,
			Sensitivity: privacy.SensitivityPersonal,
			Provenance:  "run:" + run.ID,
		}},
	}

	resp, callErr := s.callWithSoftRetry(ctx, req, query)

	var fallback *Result
	switch {
	case callErr != nil:
		fallback = s.classifyCallError(ctx, run.ID, callErr)
	case !resp.OK() || strings.TrimSpace(resp.Text) == "":
		errorType := resp.ErrorType
		if errorType == "" {
			errorType = "chat_empty_response"
		}
		provider := resp.Provider
		if provider == "" {
			provider = "local"
		}
		fallback = &Result{
			Text:         ResilienceText(errorType),
			Provider:     provider,
			ModelID:      resp.ModelID,
			LatencyMs:    resp.LatencyMs,
			Degraded:     true,
			ErrorType:    errorType,
			ResponseMode: responseMode,
		}
	}

	if fallback != nil {
		fallback.ResponseMode = responseMode
		if s.shouldAutoWebResearch(query, fallback.Text, fallback.ErrorType) {
			if researched := s.runAutoWebResearch(ctx, run, query, styleHint); researched != nil {
				researched.ResponseMode = responseMode
				s.emitGenerated(ctx, run.ID, researched)
				s.updateEpisodic(ctx, query, researched.Text, history, analysis.Type)
				return researched, nil
			}
		}
		s.emitGenerated(ctx, run.ID, fallback)
		return fallback, nil
	}

	if s.shouldAutoWebResearch(query, resp.Text, "") {
		if researched := s.runAutoWebResearch(ctx, run, query, styleHint); researched != nil {
			researched.ResponseMode = responseMode
			s.emitGenerated(ctx, run.ID, researched)
			s.updateEpisodic(ctx, query, researched.Text, history, analysis.Type)
			return researched, nil
		}
	}

	result := &Result{
		Text:         resp.Text,
		Provider:     resp.Provider,
		ModelID:      resp.ModelID,
		LatencyMs:    resp.LatencyMs,
		ResponseMode: responseMode,
	}
	s.emitGenerated(ctx, run.ID, result)
	s.updateEpisodic(ctx, query, result.Text, history, analysis.Type)
	return result, nil
}

// classifyCallError turns a transport-level chat failure into a degraded
// result, emitting llm_request_failed for unclassified errors.
func (s *Service) classifyCallError(ctx context.Context, runID string, callErr error) *Result {
	errorType := brain.ErrorType(callErr)
	provider := "local"
	httpStatus := 0
	var pe *brain.Error
	if errors.As(callErr, &pe) {
		if pe.Provider != "" {
			provider = pe.Provider
		}
		httpStatus = pe.HTTPStatus
	}
	if errorType == brain.ErrUnhandled {
		errorType = errorTypeUnhandled
		s.emit(ctx, runID, events.TypeLLMRequestFailed, "Chat LLM failed", map[string]any{
			"provider":           provider,
			"model_id":           nil,
			"error_type":         errorType,
			"http_status_if_any": httpStatus,
			"retry_count":        0,
		}, events.WithLevel(models.EventLevelWarning))
	}
	return &Result{
		Text:       ResilienceText(errorType),
		Provider:   provider,
		Degraded:   true,
		ErrorType:  errorType,
		HTTPStatus: httpStatus,
	}
}

// emitGenerated publishes the chat_response_generated event in the
// variant matching the result provenance.
func (s *Service) emitGenerated(ctx context.Context, runID string, result *Result) {
	switch {
	case result.WebResearch:
		s.emit(ctx, runID, events.TypeChatResponseDone, "Ответ сформирован (web research)", map[string]any{
			"provider":      "web_research",
			"model_id":      "web_research",
			"latency_ms":    result.LatencyMs,
			"text":          result.Text,
			"degraded":      false,
			"sources_count": result.SourcesCount,
			"confidence":    result.Confidence,
		})
	case result.Degraded:
		s.emit(ctx, runID, events.TypeChatResponseDone, "Ответ сформирован (degraded)", map[string]any{
			"provider":           result.Provider,
			"model_id":           result.ModelID,
			"latency_ms":         result.LatencyMs,
			"text":               result.Text,
			"degraded":           true,
			"error_type":         result.ErrorType,
			"http_status_if_any": result.HTTPStatus,
		})
	default:
		s.emit(ctx, runID, events.TypeChatResponseDone, "Ответ сформирован", map[string]any{
			"provider":   result.Provider,
			"model_id":   result.ModelID,
			"latency_ms": result.LatencyMs,
			"text":       result.Text,
		})
	}
}

func (s *Service) updateEpisodic(ctx context.Context, query, answer string, history []persona.Turn, toneType string) {
	if s.episodic == nil {
		return
	}
	if _, err := s.episodic.Update(ctx, query, answer, history, toneType); err != nil {
		slog.Warn("failed to update episodic memory", "error", err)
	}
}

func (s *Service) emit(ctx context.Context, runID, eventType, message string, payload map[string]any, opts ...events.EmitOption) {
	if s.bus == nil || runID == "" {
		return
	}
	if _, err := s.bus.Emit(ctx, runID, eventType, message, payload, opts...); err != nil {
		slog.Warn("failed to emit chat event", "run_id", runID, "type", eventType, "error", err)
	}
}

// --- soft retry chain ---

// callWithSoftRetry generates the answer and walks the remediation
// chain: reason-specific focused retries first, then a corrective
// follow-up turn, then the base-model fallback, and for off-topic
// drafts a guard text as the last resort.
func (s *Service) callWithSoftRetry(ctx context.Context, req *brain.Request, userText string) (*brain.Response, error) {
	resp, err := s.brain.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return resp, nil
	}
	if strings.TrimSpace(resp.Text) == "" {
		if fallback := s.callBaseFallback(ctx, req); fallback != nil {
			return fallback, nil
		}
		return resp, nil
	}

	reason := softRetryReason(userText, resp.Text)
	if reason == "" {
		return resp, nil
	}

	if reason == reasonOffTopic {
		if focused := s.retryOffTopicMinPrompt(ctx, req, userText); focused != nil {
			return focused, nil
		}
	}
	if reason == reasonRuLanguageMismatch {
		if rewritten := s.rewriteInRussian(ctx, req, userText, resp.Text); rewritten != nil {
			return rewritten, nil
		}
	}

	retryReq := *req
	retryReq.Messages = append(append([]brain.Message{}, req.Messages...),
		brain.Message{Role: "assistant", Content: resp.Text},
		brain.Message{Role: "user", Content: softRetryPrompt(reason)},
	)
	retryResp, retryErr := s.brain.Call(ctx, &retryReq)
	if retryErr != nil {
		retryResp = resp
	}

	if retryResp.OK() && strings.TrimSpace(retryResp.Text) != "" {
		if reason == reasonOffTopic && softRetryReason(userText, retryResp.Text) == reasonOffTopic {
			if fallback := s.callBaseFallback(ctx, req); fallback != nil &&
				softRetryReason(userText, fallback.Text) != reasonOffTopic {
				return fallback, nil
			}
			guarded := *retryResp
			guarded.Text = offTopicGuardText(userText)
			return &guarded, nil
		}
		return retryResp, nil
	}

	fallback := s.callBaseFallback(ctx, req)
	if reason == reasonOffTopic && fallback == nil {
		guarded := *resp
		guarded.Text = offTopicGuardText(userText)
		return &guarded, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return resp, nil
}

// callBaseFallback reissues the request on the base chat model. Nil when
// the fallback failed or produced nothing usable.
func (s *Service) callBaseFallback(ctx context.Context, req *brain.Request) *brain.Response {
	fallbackReq := *req
	fallbackReq.Purpose = purposeBaseFallback
	resp, err := s.brain.Call(ctx, &fallbackReq)
	if err != nil {
		return nil
	}
	if resp.OK() && strings.TrimSpace(resp.Text) != "" {
		return resp
	}
	return nil
}

// retryOffTopicMinPrompt strips the prompt down to the bare question on
// the base model. Nil unless the focused answer stays on topic.
func (s *Service) retryOffTopicMinPrompt(ctx context.Context, req *brain.Request, userText string) *brain.Response {
	if strings.TrimSpace(userText) == "" {
		return nil
	}
	focusedReq := *req
	focusedReq.Purpose = purposeBaseFallback
	focusedReq.Messages = []brain.Message{
		{Role: "system", Content: "Ответь строго по вопросу пользователя. Без смены темы, без мета-комментариев. Если не знаешь точный ответ, честно скажи это и попроси уточнение."},
		{Role: "user", Content: strings.TrimSpace(userText)},
	}
	resp, err := s.brain.Call(ctx, &focusedReq)
	if err != nil {
		return nil
	}
	if resp.OK() && strings.TrimSpace(resp.Text) != "" &&
		softRetryReason(userText, resp.Text) != reasonOffTopic {
		return resp
	}
	return nil
}

// rewriteInRussian asks the base model to re-render the draft in
// Russian. Nil unless the rewrite actually came back Cyrillic.
func (s *Service) rewriteInRussian(ctx context.Context, req *brain.Request, userText, draft string) *brain.Response {
	rewriteReq := *req
	rewriteReq.Purpose = purposeBaseFallback
	rewriteReq.Messages = []brain.Message{
		{Role: "system", Content: "Ты редактор ответа ассистента. Перепиши ответ строго на русском языке, без английских вставок и без добавления новых фактов. Верни только итоговый ответ без заголовков, без префиксов и без служебных пометок."},
		{Role: "user", Content: "[Запрос пользователя]\n" + strings.TrimSpace(userText) +
			"\n\n[Черновик ответа]\n" + strings.TrimSpace(draft) +
			"\n\nСделай итоговый ответ полностью на русском языке и выведи только финальный текст."},
	}
	resp, err := s.brain.Call(ctx, &rewriteReq)
	if err != nil {
		return nil
	}
	if resp.OK() && strings.TrimSpace(resp.Text) != "" && cyrillicRe.MatchString(resp.Text) {
		return resp
	}
	return nil
}
