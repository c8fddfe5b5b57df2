// Package brain serializes and prioritizes every LLM call in the
// process: admission through a two-queue priority semaphore, tiered model
// selection per request purpose, a per-run response cache and per-run/
// per-step request budgets. All dispatch goes to a local provider.
package brain

import (
	"errors"
	"fmt"

	"github.com/astra-local/astra/pkg/privacy"
)

// Request purposes with special handling.
const (
	PurposeChatResponse = "chat_response"
)

// Preferred model kinds.
const (
	ModelKindChat = "chat"
	ModelKindCode = "code"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one LLM call.
type Request struct {
	Purpose            string         `json:"purpose"`
	PreferredModelKind string         `json:"preferred_model_kind"`
	Messages           []Message      `json:"messages"`
	Temperature        float64        `json:"temperature"`
	TopP               float64        `json:"top_p"`
	RepeatPenalty      float64        `json:"repeat_penalty"`
	MaxTokens          int            `json:"max_tokens"`
	JSONSchema         map[string]any `json:"json_schema,omitempty"`

	// Event attribution. RunID also scopes the cache and budgets.
	RunID  string `json:"run_id,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	StepID string `json:"step_id,omitempty"`

	// ContextItems labels the context behind the prompt. The privacy gate
	// routes, sanitizes and summarizes them on every dispatch.
	ContextItems []privacy.ContextItem `json:"context_items,omitempty"`

	// ItemsSummary is filled by the privacy gate: the audit summary
	// attached to the llm_route_decided event.
	ItemsSummary map[string]any `json:"items_summary,omitempty"`
}

// Response statuses.
const (
	StatusOK             = "ok"
	StatusBudgetExceeded = "budget_exceeded"
)

// Response is the outcome of one LLM call.
type Response struct {
	Text        string         `json:"text"`
	Usage       map[string]any `json:"usage,omitempty"`
	Provider    string         `json:"provider"`
	ModelID     string         `json:"model_id"`
	LatencyMs   int64          `json:"latency_ms"`
	CacheHit    bool           `json:"cache_hit"`
	RouteReason string         `json:"route_reason"`
	Status      string         `json:"status"`
	ErrorType   string         `json:"error_type,omitempty"`
}

// OK reports whether the call produced a usable response.
func (r *Response) OK() bool {
	return r != nil && r.Status == StatusOK
}

// Provider failure classes.
const (
	ErrConnection    = "connection_error"
	ErrHTTP          = "http_error"
	ErrInvalidJSON   = "invalid_json"
	ErrModelNotFound = "model_not_found"
	ErrEmptyResponse = "empty_response"
	ErrUnhandled     = "unhandled_error"
)

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Type       string
	HTTPStatus int
	Message    string
}

func (e *Error) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s provider %s (http %d): %s", e.Provider, e.Type, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("%s provider %s: %s", e.Provider, e.Type, e.Message)
}

// ErrorType extracts the failure class, or unhandled_error for foreign
// errors.
func ErrorType(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Type
	}
	return ErrUnhandled
}

// IsTransient reports whether the failure class is worth a retry
// (connection problems and server-side HTTP errors).
func IsTransient(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Type == ErrConnection || (pe.Type == ErrHTTP && pe.HTTPStatus >= 500)
}
