// Package intent classifies a submitted query into CHAT, ASK or ACT and
// resolves the effective run mode. Classification never fails a run:
// every error degrades to a CHAT decision so the user still gets an
// answer.
package intent

import (
	"context"
	"regexp"
	"strings"

	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/models"
)

// Intents.
const (
	IntentChat = "CHAT"
	IntentAsk  = "ASK"
	IntentAct  = "ACT"
)

// Decision paths.
const (
	PathFastChat           = "fast_chat_path"
	PathSemantic           = "semantic"
	PathSemanticResilience = "semantic_resilience"
	PathQAStub             = "qa_stub"
)

// ActHint is the classifier's execution advice for an ACT intent.
type ActHint struct {
	SuggestedRunMode string   `json:"suggested_run_mode"`
	DangerFlags      []string `json:"danger_flags"`
	Target           string   `json:"target"`
}

// Decision is the intent routing outcome for one query.
type Decision struct {
	Intent             string             `json:"intent"`
	Confidence         float64            `json:"confidence"`
	Reasons            []string           `json:"reasons"`
	Questions          []string           `json:"questions"`
	NeedsClarification bool               `json:"needs_clarification"`
	ActHint            *ActHint           `json:"act_hint,omitempty"`
	PlanHint           []string           `json:"plan_hint"`
	MemoryItem         *models.AutoMemory `json:"memory_item,omitempty"`
	ResponseStyleHint  string             `json:"response_style_hint,omitempty"`
	UserVisibleNote    string             `json:"user_visible_note,omitempty"`
	DecisionPath       string             `json:"decision_path"`
}

// Summary renders the one-line digest attached to intent_decided.
func (d *Decision) Summary() string {
	parts := []string{"intent=" + d.Intent}
	if len(d.PlanHint) > 0 {
		parts = append(parts, "plan_hint="+strings.Join(d.PlanHint, ","))
	}
	if d.MemoryItem != nil {
		parts = append(parts, "memory_item=1")
	}
	return strings.Join(parts, "; ")
}

var wordSplitRe = regexp.MustCompile(`\s+`)

// IsFastChatCandidate reports whether the query can skip semantic
// classification entirely: short, command-free and memory-free. QA mode
// always takes the semantic path for determinism.
func IsFastChatCandidate(text string, cfg *config.ChatConfig, qaMode bool) bool {
	if qaMode || cfg == nil || !cfg.FastPathEnabled {
		return false
	}
	query := strings.TrimSpace(text)
	if query == "" {
		return false
	}
	if len([]rune(query)) > cfg.FastPathMaxChars {
		return false
	}
	words := 0
	for _, w := range wordSplitRe.Split(query, -1) {
		if w != "" {
			words++
		}
	}
	if words > 32 {
		return false
	}
	return !HasActionCue(query) && !HasMemoryCue(query)
}

// FastChatDecision synthesizes the CHAT decision of the fast path.
func FastChatDecision() *Decision {
	return &Decision{
		Intent:       IntentChat,
		Confidence:   0.55,
		Reasons:      []string{"fast_chat_path"},
		Questions:    []string{},
		PlanHint:     []string{string(models.StepKindChatResponse)},
		DecisionPath: PathFastChat,
	}
}

// ResilienceDecision degrades a failed semantic classification to CHAT.
// Classification is infrastructure and can fail independently from chat
// generation; the user still deserves an answer instead of a 5xx.
func ResilienceDecision(errorCode string) *Decision {
	return &Decision{
		Intent:          IntentChat,
		Confidence:      0,
		Reasons:         []string{"semantic_resilience", errorCode},
		Questions:       []string{},
		PlanHint:        []string{string(models.StepKindChatResponse)},
		UserVisibleNote: "Семантическая классификация недоступна, отвечаю напрямую.",
		DecisionPath:    PathSemanticResilience,
	}
}

// ResolveMode maps the decision onto the effective run mode and purpose.
// CHAT and ASK never execute anything; ACT honors the payload mode but
// upgrades to execute_confirm when the classifier demands confirmation.
func ResolveMode(d *Decision, requested models.RunMode, purpose string) (models.RunMode, string) {
	switch d.Intent {
	case IntentAct:
		mode := requested
		if d.ActHint != nil && d.ActHint.SuggestedRunMode == string(models.RunModeExecuteConfirm) {
			mode = models.RunModeExecuteConfirm
		}
		if !mode.Valid() {
			mode = requested
		}
		return mode, purpose
	case IntentAsk:
		if purpose == "" {
			purpose = "clarify"
		}
		return models.RunModePlanOnly, purpose
	default:
		if purpose == "" {
			purpose = "chat_only"
		}
		return models.RunModePlanOnly, purpose
	}
}

// EmitDecided publishes the intent_decided event with its summary line.
func EmitDecided(ctx context.Context, bus *events.Bus, runID string, d *Decision, selectedMode models.RunMode) {
	if bus == nil || runID == "" {
		return
	}
	suggested := string(selectedMode)
	var dangerFlags []string
	var target string
	if d.ActHint != nil {
		suggested = d.ActHint.SuggestedRunMode
		dangerFlags = d.ActHint.DangerFlags
		target = d.ActHint.Target
	}
	_, _ = bus.Emit(ctx, runID, events.TypeIntentDecided, "Интент определён", map[string]any{
		"intent":         d.Intent,
		"confidence":     d.Confidence,
		"reasons":        d.Reasons,
		"danger_flags":   dangerFlags,
		"suggested_mode": suggested,
		"selected_mode":  string(selectedMode),
		"target":         target,
		"decision_path":  d.DecisionPath,
		"summary":        d.Summary(),
	})
}
