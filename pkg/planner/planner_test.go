package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/models"
)

func newTestPlanner(provider *brain.ScriptedProvider) *Planner {
	return NewPlanner(brain.NewRouter(config.DefaultBrainConfig(), false, provider, nil))
}

func planRun(query string) *models.Run {
	return &models.Run{ID: "run-plan-1", QueryText: query}
}

func TestPlanFromModel(t *testing.T) {
	planJSON := `{"steps": [
		{"title": "Собрать информацию", "kind": "WEB_RESEARCH",
		 "success_criteria": "Есть источники", "depends_on": []},
		{"title": "Открыть настройки аккаунта", "kind": "COMPUTER_ACTIONS",
		 "success_criteria": "Настройки открыты", "depends_on": [0],
		 "danger_flags": ["account_settings"]}
	]}`
	p := newTestPlanner(brain.NewScriptedProvider().Respond(planJSON))

	steps, source, err := p.Plan(context.Background(), planRun("обнови настройки аккаунта по инструкции"), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceLLM, source)
	require.Len(t, steps, 2)

	assert.Equal(t, models.StepKindWebResearch, steps[0].Kind)
	assert.Equal(t, "web_research", steps[0].SkillName)
	assert.Equal(t, 0, steps[0].StepIndex)
	assert.Equal(t, "обнови настройки аккаунта по инструкции", steps[0].Inputs["query"])
	assert.False(t, steps[0].RequiresApproval)

	assert.Equal(t, models.StepKindComputerActions, steps[1].Kind)
	assert.Equal(t, "computer_use", steps[1].SkillName)
	assert.Equal(t, []int{0}, steps[1].DependsOn)
	// Danger flags force an approval even when the model forgot to ask.
	assert.True(t, steps[1].RequiresApproval)
}

func TestPlanFallbackOnProviderFailure(t *testing.T) {
	p := newTestPlanner(brain.NewScriptedProvider().
		Fail(&brain.Error{Provider: "local", Type: brain.ErrConnection, Message: "refused"}))

	steps, source, err := p.Plan(context.Background(), planRun("найди данные о релизе"), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, source)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepKindWebResearch, steps[0].Kind)
	assert.Equal(t, "найди данные о релизе", steps[0].Inputs["query"])
	assert.Equal(t, "deep", steps[0].Inputs["mode"])
}

func TestPlanFallbackOnInvalidDependency(t *testing.T) {
	planJSON := `{"steps": [
		{"title": "Шаг", "kind": "WEB_RESEARCH", "depends_on": [5]}
	]}`
	p := newTestPlanner(brain.NewScriptedProvider().Respond(planJSON))

	steps, source, err := p.Plan(context.Background(), planRun("исследуй тему"), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, source)
	require.Len(t, steps, 1)
}

func TestPlanFallbackOnUnknownKind(t *testing.T) {
	planJSON := `{"steps": [{"title": "Шаг", "kind": "TELEPORT"}]}`
	p := newTestPlanner(brain.NewScriptedProvider().Respond(planJSON))

	_, source, err := p.Plan(context.Background(), planRun("исследуй тему"), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, source)
}

func TestPlanDropsMemoryCommitWithoutTrigger(t *testing.T) {
	planJSON := `{"steps": [
		{"title": "Исследование", "kind": "WEB_RESEARCH", "depends_on": []},
		{"title": "Сохранить в память", "kind": "MEMORY_COMMIT", "depends_on": [0]},
		{"title": "Ответ", "kind": "CHAT_RESPONSE", "depends_on": [1]}
	]}`
	p := newTestPlanner(brain.NewScriptedProvider().Respond(planJSON))

	steps, source, err := p.Plan(context.Background(), planRun("разберись в теме и ответь"), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceLLM, source)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepKindWebResearch, steps[0].Kind)
	assert.Equal(t, models.StepKindChatResponse, steps[1].Kind)
	// The dependent is rewired onto the dropped step's own dependency.
	assert.Equal(t, []int{0}, steps[1].DependsOn)
}

func TestPlanKeepsMemoryCommitWithTrigger(t *testing.T) {
	planJSON := `{"steps": [
		{"title": "Сохранить предпочтение", "kind": "MEMORY_COMMIT", "depends_on": []}
	]}`
	p := newTestPlanner(brain.NewScriptedProvider().Respond(planJSON))

	steps, source, err := p.Plan(context.Background(), planRun("запомни: я пью чай без сахара"), nil)
	require.NoError(t, err)
	assert.Equal(t, SourceLLM, source)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepKindMemoryCommit, steps[0].Kind)
	assert.Equal(t, "memory_save", steps[0].SkillName)
}

func TestValidateDAG(t *testing.T) {
	step := func(index int, deps ...int) *models.PlanStep {
		if deps == nil {
			deps = []int{}
		}
		return &models.PlanStep{StepIndex: index, DependsOn: deps}
	}

	require.NoError(t, ValidateDAG([]*models.PlanStep{step(0), step(1, 0), step(2, 0, 1)}))

	err := ValidateDAG([]*models.PlanStep{step(0, 1), step(1, 0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	err = ValidateDAG([]*models.PlanStep{step(0, 7)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")

	err = ValidateDAG([]*models.PlanStep{step(0, 0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "depends on itself")
}
