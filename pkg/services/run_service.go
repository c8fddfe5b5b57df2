package services

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/chat"
	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/engine"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/intent"
	"github.com/astra-local/astra/pkg/memory"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/persona"
	"github.com/astra-local/astra/pkg/store"
)

// Envelope kinds returned by Create.
const (
	KindChat    = "chat"
	KindClarify = "clarify"
	KindAct     = "act"
)

// runHistoryTurns bounds the parent-chain history fed to tone analysis
// and the memory interpreter.
const runHistoryTurns = 12

// RunEnvelope is the create-run response: the routed intent plus the
// branch-specific payload (answer, questions or plan).
type RunEnvelope struct {
	Kind         string             `json:"kind"`
	Intent       *intent.Decision   `json:"intent"`
	Run          *models.Run        `json:"run"`
	ChatResponse string             `json:"chat_response,omitempty"`
	Questions    []string           `json:"questions,omitempty"`
	Plan         []*models.PlanStep `json:"plan,omitempty"`
}

// RunService owns the create-run pipeline: intent classification, tone
// and memory interpretation, mode resolution and dispatch into the chat
// answer or the plan engine.
type RunService struct {
	store       store.Store
	bus         *events.Bus
	brain       *brain.Router
	engine      *engine.Engine
	chat        *chat.Service
	interpreter *memory.Interpreter
	saver       *memory.Saver
	cfg         *config.ChatConfig
}

// NewRunService wires the pipeline. saver and interpreter may be nil;
// the corresponding stages are skipped.
func NewRunService(st store.Store, bus *events.Bus, br *brain.Router, eng *engine.Engine, chatSvc *chat.Service, interpreter *memory.Interpreter, saver *memory.Saver, cfg *config.ChatConfig) *RunService {
	if cfg == nil {
		cfg = config.DefaultChatConfig()
	}
	return &RunService{
		store:       st,
		bus:         bus,
		brain:       br,
		engine:      eng,
		chat:        chatSvc,
		interpreter: interpreter,
		saver:       saver,
		cfg:         cfg,
	}
}

// Create runs the full pipeline for a submitted query and returns the
// routed envelope. The run row exists and run_created is emitted before
// classification starts, so even a failed pipeline leaves a visible run.
func (s *RunService) Create(ctx context.Context, projectID string, req *models.CreateRunRequest, qaMode bool) (*RunEnvelope, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !req.Mode.Valid() {
		return nil, NewValidationError("mode", "недопустимый режим запуска")
	}

	run := &models.Run{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		QueryText:   req.QueryText,
		Mode:        req.Mode,
		Purpose:     req.Purpose,
		ParentRunID: req.ParentRunID,
		Status:      models.RunStatusCreated,
		Meta: map[string]any{
			"intent":      intent.IntentAsk,
			"qa_mode":     qaMode,
			"intent_path": "pending",
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.emit(ctx, run.ID, events.TypeRunCreated, "Запуск создан", map[string]any{
		"project_id": projectID,
		"mode":       string(run.Mode),
		"query_text": req.QueryText,
	})

	var decision *intent.Decision
	var semanticErrorCode string
	if intent.IsFastChatCandidate(req.QueryText, s.cfg, qaMode) {
		decision = intent.FastChatDecision()
	} else {
		d, err := intent.NewRouter(s.brain, qaMode).Decide(ctx, req.QueryText, run.ID)
		if err != nil {
			semanticErrorCode = intent.ErrorCode(err)
			s.emitLLMFailed(ctx, run.ID, "Semantic decision failed", semanticErrorCode)
			decision = intent.ResilienceDecision(semanticErrorCode)
		} else {
			decision = d
		}
	}
	resilience := decision.DecisionPath == intent.PathSemanticResilience
	fastPath := decision.DecisionPath == intent.PathFastChat

	memories, err := s.store.ListUserMemories(ctx, 50)
	if err != nil {
		memories = nil
	}
	history := s.chat.History(ctx, req.ParentRunID, runHistoryTurns)
	tone := persona.Analyze(req.QueryText, history, memories)

	var interp *memory.Interpretation
	var interpError string
	switch {
	case resilience:
		interpError = "memory_interpreter_skipped_semantic_resilience"
	case fastPath:
		interpError = "memory_interpreter_skipped_fast_path"
	case s.interpreter == nil:
		interpError = "memory_interpreter_disabled"
	default:
		in, err := s.interpreter.Interpret(ctx, req.QueryText, history, memory.KnownProfilePayload(memories), run.ID)
		if err != nil {
			interpError = memory.ErrorCode(err)
			s.emitLLMFailed(ctx, run.ID, "Memory interpretation failed", interpError)
		} else {
			interp = in
		}
	}

	styleHint := firstNonEmpty(
		decision.ResponseStyleHint,
		interp.StyleHint(),
		styleHintFromTone(tone),
		strings.Join(memory.ProfileStyleHints(memories, 3), " "),
	)
	userName := interp.UserName()
	if userName == "" {
		userName = profileUserName(memories)
	}

	autoMem := interp.AutoMemory()
	if autoMem == nil {
		autoMem = persona.BuildToneProfilePayload(req.QueryText, tone, memories)
	}

	mode, purpose := intent.ResolveMode(decision, req.Mode, req.Purpose)
	meta := decisionMeta(decision, tone, interp, interpError, qaMode, styleHint, userName, semanticErrorCode)
	if err := s.store.UpdateRunMetaAndMode(ctx, run.ID, meta, mode, purpose); err != nil {
		return nil, err
	}
	run.Meta = meta
	run.Mode = mode
	run.Purpose = purpose

	intent.EmitDecided(ctx, s.bus, run.ID, decision, mode)

	switch decision.Intent {
	case intent.IntentAct:
		steps, err := s.engine.CreatePlan(ctx, run)
		if err != nil {
			_ = s.store.UpdateRunStatus(ctx, run.ID, models.RunStatusFailed)
			s.emit(ctx, run.ID, events.TypeRunFailed, "Запуск завершён с ошибкой",
				map[string]any{"error": err.Error()}, events.WithLevel(models.EventLevelError))
			return nil, err
		}
		return &RunEnvelope{Kind: KindAct, Intent: decision, Run: run, Plan: steps}, nil

	case intent.IntentAsk:
		s.emit(ctx, run.ID, events.TypeClarifyRequested, "Запрошено уточнение",
			map[string]any{"questions": decision.Questions})
		s.enqueueMemory(run.ID, autoMem)
		return &RunEnvelope{Kind: KindClarify, Intent: decision, Run: run, Questions: decision.Questions}, nil

	default:
		text, err := s.respondChat(ctx, run, resilience, semanticErrorCode, styleHint)
		if err != nil {
			return nil, err
		}
		s.enqueueMemory(run.ID, autoMem)
		return &RunEnvelope{Kind: KindChat, Intent: decision, Run: run, ChatResponse: text}, nil
	}
}

// respondChat produces the chat answer. Semantic resilience skips
// generation entirely: classification infrastructure already failed, so
// the run answers with a canned degraded text instead of risking a 5xx.
func (s *RunService) respondChat(ctx context.Context, run *models.Run, resilience bool, semanticErrorCode, styleHint string) (string, error) {
	if resilience {
		code := semanticErrorCode
		if code == "" {
			code = "semantic_resilience"
		}
		text := chat.ResilienceText(code)
		s.emit(ctx, run.ID, events.TypeChatResponseDone, "Ответ сформирован (degraded)", map[string]any{
			"provider":           "local",
			"model_id":           nil,
			"latency_ms":         nil,
			"text":               text,
			"degraded":           true,
			"error_type":         code,
			"http_status_if_any": nil,
		})
		return text, nil
	}
	result, err := s.chat.Respond(ctx, run, styleHint)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// decisionMeta assembles the run meta persisted after classification.
func decisionMeta(d *intent.Decision, tone *persona.Analysis, interp *memory.Interpretation, interpError string, qaMode bool, styleHint, userName, semanticErrorCode string) map[string]any {
	var dangerFlags []string
	var suggestedMode, target string
	if d.ActHint != nil {
		dangerFlags = d.ActHint.DangerFlags
		suggestedMode = d.ActHint.SuggestedRunMode
		target = d.ActHint.Target
	}
	meta := map[string]any{
		"intent":                      d.Intent,
		"intent_confidence":           d.Confidence,
		"intent_reasons":              d.Reasons,
		"intent_questions":            d.Questions,
		"needs_clarification":         d.NeedsClarification,
		"qa_mode":                     qaMode,
		"act_hint":                    d.ActHint,
		"danger_flags":                dangerFlags,
		"suggested_run_mode":          suggestedMode,
		"target":                      target,
		"intent_path":                 d.DecisionPath,
		"plan_hint":                   d.PlanHint,
		"memory_item":                 d.MemoryItem,
		"memory_interpretation":       interp,
		"memory_interpretation_error": interpError,
		"response_style_hint":         styleHint,
		"tone_analysis":               tone,
		"user_visible_note":           d.UserVisibleNote,
		"user_name":                   userName,
		"semantic_error_code":         semanticErrorCode,
	}
	if tone != nil {
		meta["character_mode"] = tone.PrimaryMode
		meta["supporting_mode"] = tone.SupportingMode
		meta["mode_history"] = tone.ModeHistory
	}
	return meta
}

// styleHintFromTone maps the tone ladder onto a short prompt directive.
func styleHintFromTone(a *persona.Analysis) string {
	if a == nil {
		return ""
	}
	switch a.Type {
	case "dry":
		return "Коротко и структурно: сначала ответ, затем шаги."
	case "frustrated":
		return "Коротко валидируй состояние и сразу предложи конкретный план."
	case "tired":
		return "Спокойный поддерживающий тон, без лишнего текста."
	case "energetic":
		return "Живой темп и деловая конкретика."
	case "crisis":
		return "Сначала стабилизация, затем короткий антикризисный план."
	case "reflective":
		return "Спокойный вдумчивый тон с ясными выводами."
	case "creative":
		return "Креативные варианты, но с прикладной структурой."
	}
	if a.MirrorLevel == "low" {
		return "Формально и точно, минимум разговорных вставок."
	}
	return ""
}

var profileNameRe = regexp.MustCompile(`(?i)имя пользователя:\s*([A-Za-zА-Яа-яЁё-]{2,})`)

// profileUserName recovers the stored user name: a user.name fact in
// memory meta first, then the textual profile convention.
func profileUserName(memories []*models.UserMemory) string {
	for _, mem := range memories {
		if mem == nil || mem.Meta == nil {
			continue
		}
		facts, ok := mem.Meta["facts"].([]any)
		if !ok {
			continue
		}
		for _, item := range facts {
			fact, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if key, _ := fact["key"].(string); key != "user.name" {
				continue
			}
			if value, _ := fact["value"].(string); strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value)
			}
		}
	}
	for _, mem := range memories {
		if mem == nil {
			continue
		}
		if m := profileNameRe.FindStringSubmatch(mem.Content); m != nil {
			return m[1]
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func (s *RunService) enqueueMemory(runID string, auto *models.AutoMemory) {
	if s.saver == nil || auto == nil {
		return
	}
	s.saver.Enqueue(runID, auto)
}

func (s *RunService) emitLLMFailed(ctx context.Context, runID, message, errorType string) {
	s.emit(ctx, runID, events.TypeLLMRequestFailed, message, map[string]any{
		"provider":           "local",
		"model_id":           nil,
		"error_type":         errorType,
		"http_status_if_any": nil,
		"retry_count":        0,
	})
}

func (s *RunService) emit(ctx context.Context, runID, eventType, message string, payload map[string]any, opts ...events.EmitOption) {
	if _, err := s.bus.Emit(ctx, runID, eventType, message, payload, opts...); err != nil {
		slog.Warn("failed to emit run event", "run_id", runID, "type", eventType, "error", err)
	}
}
