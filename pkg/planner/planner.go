// Package planner turns an ACT run into an executable DAG of plan
// steps. The plan comes from the brain under a strict JSON schema; any
// model failure degrades to a deterministic single-step research plan so
// an ACT run always has something to execute.
package planner

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/intent"
	"github.com/astra-local/astra/pkg/models"
	"github.com/astra-local/astra/pkg/schema"
)

// Plan sources reported in the plan_created payload.
const (
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

const planSchemaRaw = `{
	"type": "object",
	"required": ["steps"],
	"properties": {
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["title", "kind"],
				"properties": {
					"title": {"type": "string"},
					"kind": {"type": "string"},
					"inputs": {"type": "object"},
					"depends_on": {"type": "array", "items": {"type": "integer"}},
					"success_criteria": {"type": "string"},
					"danger_flags": {"type": "array", "items": {"type": "string"}},
					"requires_approval": {"type": "boolean"},
					"artifacts_expected": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

var planSchema = schema.MustCompile(planSchemaRaw)

const planSystemPrompt = `Ты планировщик локального ассистента. Разбей запрос владельца на шаги плана.
Виды шагов: CHAT_RESPONSE, WEB_RESEARCH, COMPUTER_ACTIONS, BROWSER_RESEARCH_UI, FILE_ORGANIZE, CODE_ASSIST, MEMORY_COMMIT.
Правила:
- каждый шаг атомарен и проверяем, у него есть title и success_criteria;
- depends_on содержит индексы шагов-предшественников (нумерация с нуля), без циклов;
- danger_flags только для реальных рисков: send_message, delete_file, payment, publish, account_settings, password;
- MEMORY_COMMIT добавляй только если владелец явно просит что-то запомнить;
- не выдумывай лишних шагов.
Ответь только JSON-объектом по схеме, без пояснений.`

type planPayload struct {
	Steps []planStepPayload `json:"steps"`
}

type planStepPayload struct {
	Title             string         `json:"title"`
	Kind              string         `json:"kind"`
	Inputs            map[string]any `json:"inputs"`
	DependsOn         []int          `json:"depends_on"`
	SuccessCriteria   string         `json:"success_criteria"`
	DangerFlags       []string       `json:"danger_flags"`
	RequiresApproval  bool           `json:"requires_approval"`
	ArtifactsExpected []string       `json:"artifacts_expected"`
}

// skillForKind maps a step kind to the skill that executes it.
var skillForKind = map[models.StepKind]string{
	models.StepKindChatResponse:      "chat_response",
	models.StepKindWebResearch:       "web_research",
	models.StepKindComputerActions:   "computer_use",
	models.StepKindBrowserResearchUI: "computer_use",
	models.StepKindFileOrganize:      "computer_use",
	models.StepKindCodeAssist:        "computer_use",
	models.StepKindMemoryCommit:      "memory_save",
}

// Planner generates plans through the brain.
type Planner struct {
	brain *brain.Router
}

// NewPlanner builds a planner over the brain router.
func NewPlanner(b *brain.Router) *Planner {
	return &Planner{brain: b}
}

// Plan produces the step DAG for a run. The second return value names
// the plan source: SourceFallback means the model plan was unusable and
// the deterministic single-step research plan was substituted.
func (p *Planner) Plan(ctx context.Context, run *models.Run, planHint []string) ([]*models.PlanStep, string, error) {
	payload, err := p.generate(ctx, run, planHint)
	if err != nil {
		return fallbackPlan(run), SourceFallback, nil
	}

	steps, err := p.materialize(run, payload)
	if err != nil {
		return fallbackPlan(run), SourceFallback, nil
	}
	return steps, SourceLLM, nil
}

func (p *Planner) generate(ctx context.Context, run *models.Run, planHint []string) (*planPayload, error) {
	var user strings.Builder
	user.WriteString("[Запрос владельца]\n")
	user.WriteString(strings.TrimSpace(run.QueryText))
	if len(planHint) > 0 {
		user.WriteString("\n\n[Подсказка по видам шагов]\n")
		user.WriteString(strings.Join(planHint, ", "))
	}

	req := &brain.Request{
		Purpose: "plan_generation",
		Messages: []brain.Message{
			{Role: "system", Content: planSystemPrompt},
			{Role: "user", Content: user.String()},
		},
		Temperature: 0.2,
		MaxTokens:   700,
		JSONSchema:  schema.MustDocMap(planSchemaRaw),
		RunID:       run.ID,
	}

	resp, err := p.brain.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() || strings.TrimSpace(resp.Text) == "" {
		return nil, fmt.Errorf("planner got no usable response")
	}

	var payload planPayload
	if err := schema.Decode(planSchema, resp.Text, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// materialize validates the model plan and builds persisted steps.
// MEMORY_COMMIT steps survive only when the query carries an explicit
// memory-save trigger.
func (p *Planner) materialize(run *models.Run, payload *planPayload) ([]*models.PlanStep, error) {
	raw := payload.Steps
	if !intent.HasMemoryCue(run.QueryText) {
		raw = dropMemoryCommits(raw)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	steps := make([]*models.PlanStep, 0, len(raw))
	for i, item := range raw {
		kind := models.StepKind(strings.ToUpper(strings.TrimSpace(item.Kind)))
		skillName, known := skillForKind[kind]
		if !known {
			return nil, fmt.Errorf("unknown step kind %q", item.Kind)
		}
		inputs := item.Inputs
		if inputs == nil {
			inputs = map[string]any{}
		}
		if _, ok := inputs["query"]; !ok && kind == models.StepKindWebResearch {
			inputs["query"] = strings.TrimSpace(run.QueryText)
		}
		steps = append(steps, &models.PlanStep{
			ID:                uuid.NewString(),
			RunID:             run.ID,
			StepIndex:         i,
			Title:             strings.TrimSpace(item.Title),
			Kind:              kind,
			SkillName:         skillName,
			Inputs:            inputs,
			DependsOn:         append([]int{}, item.DependsOn...),
			Status:            models.StepStatusCreated,
			SuccessCriteria:   strings.TrimSpace(item.SuccessCriteria),
			DangerFlags:       append([]string{}, item.DangerFlags...),
			RequiresApproval:  item.RequiresApproval || len(item.DangerFlags) > 0,
			ArtifactsExpected: append([]string{}, item.ArtifactsExpected...),
		})
	}

	if err := ValidateDAG(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// dropMemoryCommits removes MEMORY_COMMIT steps and rewires dependents
// onto the dropped step's own dependencies.
func dropMemoryCommits(raw []planStepPayload) []planStepPayload {
	keepIndex := make(map[int]int, len(raw))
	depsOf := make(map[int][]int, len(raw))
	var kept []planStepPayload
	for i, item := range raw {
		depsOf[i] = item.DependsOn
		if models.StepKind(strings.ToUpper(strings.TrimSpace(item.Kind))) == models.StepKindMemoryCommit {
			continue
		}
		keepIndex[i] = len(kept)
		kept = append(kept, item)
	}
	if len(kept) == len(raw) {
		return raw
	}

	// Resolve each dependency through dropped steps, then remap to the
	// compacted indexes.
	for i := range kept {
		kept[i].DependsOn = remapDeps(kept[i].DependsOn, keepIndex, depsOf, len(raw))
	}
	return kept
}

func remapDeps(deps []int, keepIndex map[int]int, depsOf map[int][]int, total int) []int {
	var out []int
	seen := make(map[int]bool)
	queue := append([]int{}, deps...)
	for len(queue) > 0 {
		dep := queue[0]
		queue = queue[1:]
		if dep < 0 || dep >= total || seen[dep] {
			continue
		}
		seen[dep] = true
		if mapped, kept := keepIndex[dep]; kept {
			out = append(out, mapped)
			continue
		}
		queue = append(queue, depsOf[dep]...)
	}
	return out
}

// fallbackPlan is the deterministic plan used when the model cannot
// produce a valid one: a single research step over the raw query.
func fallbackPlan(run *models.Run) []*models.PlanStep {
	return []*models.PlanStep{{
		ID:              uuid.NewString(),
		RunID:           run.ID,
		StepIndex:       0,
		Title:           "Веб-исследование по запросу",
		Kind:            models.StepKindWebResearch,
		SkillName:       skillForKind[models.StepKindWebResearch],
		Inputs:          map[string]any{"query": strings.TrimSpace(run.QueryText), "mode": "deep"},
		DependsOn:       []int{},
		Status:          models.StepStatusCreated,
		SuccessCriteria: "Есть ответ с источниками",
	}}
}
