package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/schema"
)

// Semantic failure codes carried by DecisionError.
const (
	CodeEmptyResponse  = "semantic_empty_response"
	CodeInvalidJSON    = "semantic_invalid_json"
	CodeSchemaMismatch = "semantic_schema_mismatch"
	CodeUnhandled      = "semantic_decision_unhandled_error"
)

// DecisionError is a classified semantic classification failure. The
// caller degrades to a resilience decision keyed by Code.
type DecisionError struct {
	Code string
	Err  error
}

func (e *DecisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("semantic decision failed (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("semantic decision failed (%s)", e.Code)
}

func (e *DecisionError) Unwrap() error { return e.Err }

// ErrorCode extracts the failure code, mapping foreign errors to the
// unhandled bucket.
func ErrorCode(err error) string {
	var de *DecisionError
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeUnhandled
}

const decisionSchemaRaw = `{
	"type": "object",
	"required": ["intent", "confidence", "reasons"],
	"properties": {
		"intent": {"type": "string", "enum": ["CHAT", "ASK", "ACT"]},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasons": {"type": "array", "items": {"type": "string"}},
		"questions": {"type": "array", "items": {"type": "string"}},
		"needs_clarification": {"type": "boolean"},
		"act_hint": {
			"type": ["object", "null"],
			"properties": {
				"suggested_run_mode": {"type": "string"},
				"danger_flags": {"type": "array", "items": {"type": "string"}},
				"target": {"type": "string"}
			}
		},
		"plan_hint": {"type": "array", "items": {"type": "string"}},
		"response_style_hint": {"type": ["string", "null"]},
		"user_visible_note": {"type": ["string", "null"]}
	}
}`

var decisionSchema = schema.MustCompile(decisionSchemaRaw)

const decisionSystemPrompt = `Ты классификатор запросов локального ассистента.
Определи интент запроса владельца:
- CHAT: вопрос или разговор, достаточно текстового ответа.
- ASK: запрос неполон, нужны уточняющие вопросы (заполни questions).
- ACT: владелец просит выполнить действие на компьютере, в браузере или с файлами.
Для ACT заполни act_hint: suggested_run_mode (research | execute_confirm | autopilot_safe),
danger_flags (send_message, delete_file, payment, publish, account_settings, password — только реальные риски),
target (краткое описание цели действия) и plan_hint из видов шагов
CHAT_RESPONSE, WEB_RESEARCH, COMPUTER_ACTIONS, BROWSER_RESEARCH_UI, FILE_ORGANIZE, CODE_ASSIST, MEMORY_COMMIT.
Ответь только JSON-объектом по схеме, без пояснений.`

// decisionPayload mirrors the classifier schema.
type decisionPayload struct {
	Intent             string   `json:"intent"`
	Confidence         float64  `json:"confidence"`
	Reasons            []string `json:"reasons"`
	Questions          []string `json:"questions"`
	NeedsClarification bool     `json:"needs_clarification"`
	ActHint            *ActHint `json:"act_hint"`
	PlanHint           []string `json:"plan_hint"`
	ResponseStyleHint  string   `json:"response_style_hint"`
	UserVisibleNote    string   `json:"user_visible_note"`
}

// Router performs semantic intent classification through the brain.
type Router struct {
	brain  *brain.Router
	qaMode bool
}

// NewRouter builds the semantic intent router.
func NewRouter(b *brain.Router, qaMode bool) *Router {
	return &Router{brain: b, qaMode: qaMode}
}

// Decide classifies the query. Failures come back as *DecisionError so
// the caller can degrade without surfacing a 5xx.
func (r *Router) Decide(ctx context.Context, queryText, runID string) (*Decision, error) {
	if r.qaMode {
		return &Decision{
			Intent:       IntentChat,
			Confidence:   0.9,
			Reasons:      []string{"qa_mode"},
			Questions:    []string{},
			PlanHint:     []string{string(models.StepKindChatResponse)},
			DecisionPath: PathQAStub,
		}, nil
	}

	req := &brain.Request{
		Purpose: "intent_classify",
		Messages: []brain.Message{
			{Role: "system", Content: decisionSystemPrompt},
			{Role: "user", Content: strings.TrimSpace(queryText)},
		},
		Temperature: 0.1,
		MaxTokens:   400,
		JSONSchema:  schema.MustDocMap(decisionSchemaRaw),
		RunID:       runID,
	}

	resp, err := r.brain.Call(ctx, req)
	if err != nil {
		return nil, &DecisionError{Code: brain.ErrorType(err), Err: err}
	}
	if !resp.OK() {
		code := resp.ErrorType
		if code == "" {
			code = CodeEmptyResponse
		}
		return nil, &DecisionError{Code: code}
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, &DecisionError{Code: CodeEmptyResponse}
	}

	var payload decisionPayload
	if err := schema.Decode(decisionSchema, resp.Text, &payload); err != nil {
		code := CodeSchemaMismatch
		if errors.Is(err, schema.ErrNoObject) {
			code = CodeInvalidJSON
		}
		return nil, &DecisionError{Code: code, Err: err}
	}

	decision := &Decision{
		Intent:             payload.Intent,
		Confidence:         payload.Confidence,
		Reasons:            payload.Reasons,
		Questions:          payload.Questions,
		NeedsClarification: payload.NeedsClarification,
		ActHint:            payload.ActHint,
		PlanHint:           payload.PlanHint,
		ResponseStyleHint:  strings.TrimSpace(payload.ResponseStyleHint),
		UserVisibleNote:    strings.TrimSpace(payload.UserVisibleNote),
		DecisionPath:       PathSemantic,
	}
	if decision.Questions == nil {
		decision.Questions = []string{}
	}
	if len(decision.PlanHint) == 0 && decision.Intent == IntentChat {
		decision.PlanHint = []string{string(models.StepKindChatResponse)}
	}
	if decision.Intent == IntentAsk {
		decision.NeedsClarification = true
	}
	return decision, nil
}
