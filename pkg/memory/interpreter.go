// Package memory turns user messages into durable profile knowledge:
// an LLM interpreter extracts facts and preferences, an episodic store
// keeps a sliding window of recent exchanges, and a bounded worker pool
// persists save candidates off the request path.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/persona"
	"github.com/astra-local/astra/pkg/schema"
)

// Interpretation failure codes.
const (
	CodeEmptyResponse  = "memory_interpreter_empty_response"
	CodeInvalidJSON    = "memory_interpreter_invalid_json"
	CodeSchemaMismatch = "memory_interpreter_schema_mismatch"
	CodeUnhandled      = "memory_interpreter_unhandled_error"
)

// InterpretationError is a classified interpreter failure. The chat
// pipeline records the code in run meta and carries on without a saved
// memory.
type InterpretationError struct {
	Code string
	Err  error
}

func (e *InterpretationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("memory interpretation failed (%s): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("memory interpretation failed (%s)", e.Code)
}

func (e *InterpretationError) Unwrap() error { return e.Err }

// ErrorCode extracts the failure code, mapping foreign errors to the
// unhandled bucket.
func ErrorCode(err error) string {
	var ie *InterpretationError
	if errors.As(err, &ie) {
		return ie.Code
	}
	return CodeUnhandled
}

const interpretationSchemaRaw = `{
	"type": "object",
	"required": ["should_store", "summary", "confidence"],
	"properties": {
		"should_store": {"type": "boolean"},
		"title": {"type": "string"},
		"summary": {"type": "string"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"facts": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["key", "value"],
				"properties": {
					"key": {"type": "string"},
					"value": {"type": "string"},
					"confidence": {"type": "number"},
					"evidence": {"type": "string"}
				}
			}
		},
		"preferences": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["key", "value"],
				"properties": {
					"key": {"type": "string"},
					"value": {"type": "string"},
					"confidence": {"type": "number"},
					"evidence": {"type": "string"}
				}
			}
		},
		"possible_facts": {"type": "array", "items": {"type": "string"}}
	}
}`

var interpretationSchema = schema.MustCompile(interpretationSchemaRaw)

const interpreterSystemPrompt = `Ты интерпретатор памяти локального ассистента.
Определи, содержит ли сообщение владельца устойчивые сведения о нём:
имя (ключ user.name), предпочтения стиля (ключи style.*), формат обращения
(user.addressing.preference), формат ответов (response.format), привычки и факты.
Не выдумывай: фиксируй только то, что владелец сказал сам. Мимолётный
контекст разговора — это не память: тогда should_store=false.
Не дублируй сведения, уже известные из профиля.
Ответь только JSON-объектом по схеме, без пояснений.`

// Interpretation is the structured output of one memory interpretation.
type Interpretation struct {
	ShouldStore   bool                `json:"should_store"`
	Title         string              `json:"title"`
	Summary       string              `json:"summary"`
	Confidence    float64             `json:"confidence"`
	Facts         []models.MemoryFact `json:"facts"`
	Preferences   []models.Preference `json:"preferences"`
	PossibleFacts []string            `json:"possible_facts"`
}

// Interpreter derives memory save candidates from user messages.
type Interpreter struct {
	brain *brain.Router
}

// NewInterpreter builds the interpreter over the shared brain router.
func NewInterpreter(b *brain.Router) *Interpreter {
	return &Interpreter{brain: b}
}

// KnownProfilePayload trims the stored memories into the compact JSON
// context the interpreter sees, so it can avoid re-extracting knowledge
// the profile already holds.
func KnownProfilePayload(memories []*models.UserMemory) map[string]any {
	trimmed := make([]map[string]any, 0, 20)
	for _, mem := range memories {
		if mem == nil {
			continue
		}
		meta := mem.Meta
		if meta == nil {
			meta = map[string]any{}
		}
		trimmed = append(trimmed, map[string]any{
			"title":   mem.Title,
			"content": mem.Content,
			"meta":    meta,
		})
		if len(trimmed) >= 20 {
			break
		}
	}
	return map[string]any{"memories": trimmed}
}

// Interpret classifies the user message for durable memory content.
// Failures come back as *InterpretationError.
func (i *Interpreter) Interpret(ctx context.Context, userText string, history []persona.Turn, knownProfile map[string]any, runID string) (*Interpretation, error) {
	profileJSON, err := json.Marshal(knownProfile)
	if err != nil {
		return nil, &InterpretationError{Code: CodeUnhandled, Err: err}
	}

	var historyLines []string
	for _, turn := range history {
		if turn.Role != "user" || strings.TrimSpace(turn.Content) == "" {
			continue
		}
		historyLines = append(historyLines, "- "+strings.TrimSpace(turn.Content))
	}
	if len(historyLines) > 5 {
		historyLines = historyLines[len(historyLines)-5:]
	}
	historyBlock := "пусто"
	if len(historyLines) > 0 {
		historyBlock = strings.Join(historyLines, "\n")
	}

	userPrompt := fmt.Sprintf(
		"[Сообщение владельца]\n%s\n\n[Недавние сообщения]\n%s\n\n[Известный профиль]\n%s",
		strings.TrimSpace(userText), historyBlock, profileJSON,
	)

	resp, err := i.brain.Call(ctx, &brain.Request{
		Purpose: "memory_interpretation",
		Messages: []brain.Message{
			{Role: "system", Content: interpreterSystemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.1,
		MaxTokens:   400,
		JSONSchema:  schema.MustDocMap(interpretationSchemaRaw),
		RunID:       runID,
	})
	if err != nil {
		return nil, &InterpretationError{Code: brain.ErrorType(err), Err: err}
	}
	if !resp.OK() {
		code := resp.ErrorType
		if code == "" {
			code = CodeEmptyResponse
		}
		return nil, &InterpretationError{Code: code}
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, &InterpretationError{Code: CodeEmptyResponse}
	}

	var interp Interpretation
	if err := schema.Decode(interpretationSchema, resp.Text, &interp); err != nil {
		code := CodeSchemaMismatch
		if errors.Is(err, schema.ErrNoObject) {
			code = CodeInvalidJSON
		}
		return nil, &InterpretationError{Code: code, Err: err}
	}
	return &interp, nil
}

// StyleHint renders the interpretation's style preferences into a short
// Russian directive for the prompt builder. Empty when nothing applies.
func (in *Interpretation) StyleHint() string {
	if in == nil {
		return ""
	}
	var hints []string
	seen := make(map[string]bool)
	add := func(hint string) {
		if hint != "" && !seen[hint] {
			seen[hint] = true
			hints = append(hints, hint)
		}
	}
	for _, pref := range in.Preferences {
		key := strings.ToLower(strings.TrimSpace(pref.Key))
		value := strings.TrimSpace(pref.Value)
		if value == "" {
			continue
		}
		switch key {
		case "style.brevity":
			lowered := strings.ToLower(value)
			if lowered == "short" || lowered == "brief" || lowered == "compact" {
				add("Отвечай коротко и по делу.")
			}
		case "style.tone":
			add(fmt.Sprintf("Тон ответа: %s.", value))
		case "user.addressing.preference":
			add(fmt.Sprintf("Формат обращения к пользователю: %s.", value))
		case "response.format":
			add(fmt.Sprintf("Формат ответа: %s.", value))
		}
	}
	if len(hints) > 3 {
		hints = hints[:3]
	}
	return strings.Join(hints, " ")
}

// UserName extracts the user.name fact, or "".
func (in *Interpretation) UserName() string {
	if in == nil {
		return ""
	}
	for _, fact := range in.Facts {
		if fact.Key == "user.name" && strings.TrimSpace(fact.Value) != "" {
			return strings.TrimSpace(fact.Value)
		}
	}
	return ""
}

// AutoMemory converts a storable interpretation into a save candidate.
// Nil when the interpreter decided against storing.
func (in *Interpretation) AutoMemory() *models.AutoMemory {
	if in == nil || !in.ShouldStore {
		return nil
	}
	summary := strings.TrimSpace(in.Summary)
	if summary == "" {
		return nil
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = "Профиль пользователя"
	}
	facts := in.Facts
	if facts == nil {
		facts = []models.MemoryFact{}
	}
	preferences := in.Preferences
	if preferences == nil {
		preferences = []models.Preference{}
	}
	possible := in.PossibleFacts
	if possible == nil {
		possible = []string{}
	}
	return &models.AutoMemory{
		Content: summary,
		Origin:  "auto",
		Payload: models.MemoryPayload{
			Title:         title,
			Summary:       summary,
			Confidence:    in.Confidence,
			Facts:         facts,
			Preferences:   preferences,
			PossibleFacts: possible,
		},
	}
}
