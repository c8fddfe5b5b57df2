package research

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSearcher struct {
	responses map[string][]SearchResult
	calls     []string
	err       error
}

func (f *fakeSearcher) Search(_ context.Context, query string) ([]SearchResult, error) {
	f.calls = append(f.calls, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.responses[query], nil
}

type fakeFetcher struct {
	texts map[string]string
	errs  map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, pageURL string) (*Fetched, error) {
	if err := f.errs[pageURL]; err != nil {
		return nil, err
	}
	return &Fetched{FinalURL: pageURL, Text: f.texts[pageURL]}, nil
}

func judgeJSON(t *testing.T, decision string, score float64, nextQuery string, used []string) string {
	t.Helper()
	if used == nil {
		used = []string{}
	}
	payload := map[string]any{
		"decision":       decision,
		"score":          score,
		"why":            "test verdict",
		"missing_topics": []string{},
		"need_sources":   0,
		"used_urls":      used,
	}
	if nextQuery != "" {
		payload["next_query"] = nextQuery
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return string(raw)
}

func newTestSkill(t *testing.T, provider *brain.ScriptedProvider, searcher Searcher, fetcher Fetcher) *Skill {
	t.Helper()
	router := brain.NewRouter(config.DefaultBrainConfig(), false, provider, nil)
	return NewSkill(router, searcher, fetcher, config.DefaultResearchConfig(), t.TempDir())
}

func testRun() *models.Run {
	return &models.Run{ID: "run-web-1", QueryText: "initial query"}
}

func hasAssumptionPrefix(assumptions []string, prefix string) bool {
	for _, item := range assumptions {
		if strings.HasPrefix(item, prefix) || strings.Contains(item, prefix) {
			return true
		}
	}
	return false
}

func eventWithReason(events []models.SkillEvent, reason string) bool {
	for _, evt := range events {
		if evt.ReasonCode == reason {
			return true
		}
	}
	return false
}

func TestResearchSingleRoundEnough(t *testing.T) {
	searcher := &fakeSearcher{responses: map[string][]SearchResult{
		"initial query": {
			{URL: "https://example.org/a", Title: "A", Snippet: "snippet A"},
			{URL: "https://example.net/b", Title: "B", Snippet: "snippet B"},
		},
	}}
	fetcher := &fakeFetcher{texts: map[string]string{
		"https://example.org/a": "Подробный текст про initial query и его контекст.",
		"https://example.net/b": "Ещё один текст про initial query с деталями.",
	}}
	provider := brain.NewScriptedProvider().
		Respond(judgeJSON(t, "ENOUGH", 0.9, "", []string{"https://example.org/a", "https://example.net/b"})).
		Respond("Краткий ответ [1][2]\n\n## Источники\n[1] https://example.org/a\n[2] https://example.net/b")
	skill := newTestSkill(t, provider, searcher, fetcher)

	result, err := skill.Research(context.Background(), testRun(), "step-1", "task-1", map[string]any{
		"query": "initial query", "mode": "deep",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, result.Confidence, 1e-9)
	require.Len(t, result.Sources, 2)
	assert.InDelta(t, 0.9, result.Sources[0].Quality, 1e-9)

	require.Len(t, result.Artifacts, 1)
	assert.Equal(t, "web_research_answer_md", result.Artifacts[0].Type)
	content, err := os.ReadFile(result.Artifacts[0].ContentURI)
	require.NoError(t, err)
	assert.Contains(t, string(content), "## Источники")
}

func TestResearchTwoRoundsFollowsNextQuery(t *testing.T) {
	searcher := &fakeSearcher{responses: map[string][]SearchResult{
		"initial query": {{URL: "https://example.org/a", Title: "A", Snippet: "snippet A"}},
		"refined query": {{URL: "https://example.net/b", Title: "B", Snippet: "snippet B"}},
	}}
	fetcher := &fakeFetcher{texts: map[string]string{
		"https://example.org/a": "Первый текст про initial query.",
		"https://example.net/b": "Второй текст про initial query с уточнениями.",
	}}
	provider := brain.NewScriptedProvider().
		Respond(judgeJSON(t, "NOT_ENOUGH", 0.3, "refined query", []string{"https://example.org/a"})).
		Respond(judgeJSON(t, "ENOUGH", 0.8, "", []string{"https://example.org/a", "https://example.net/b"})).
		Respond("Итог [1][2]\n\n## Источники\n[1] https://example.org/a\n[2] https://example.net/b")
	skill := newTestSkill(t, provider, searcher, fetcher)

	result, err := skill.Research(context.Background(), testRun(), "step-1", "task-1", map[string]any{
		"query": "initial query", "max_rounds": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"initial query", "refined query"}, searcher.calls)
	assert.Len(t, result.Sources, 2)
	assert.InDelta(t, 0.8, result.Confidence, 1e-9)
}

func TestResearchJudgeFailureUsesFallback(t *testing.T) {
	searcher := &fakeSearcher{responses: map[string][]SearchResult{
		"initial query": {{URL: "https://example.org/a", Title: "A", Snippet: "snippet A"}},
	}}
	fetcher := &fakeFetcher{texts: map[string]string{
		"https://example.org/a": "Текст про initial query.",
	}}
	provider := brain.NewScriptedProvider().
		Fail(&brain.Error{Provider: "local", Type: brain.ErrInvalidJSON, Message: "not json"})
	skill := newTestSkill(t, provider, searcher, fetcher)

	result, err := skill.Research(context.Background(), testRun(), "step-1", "task-1", nil)
	require.NoError(t, err)
	assert.True(t, hasAssumptionPrefix(result.Assumptions, "judge_fallback:invalid_json"))
	assert.True(t, eventWithReason(result.Events, "judge_fallback"))
	assert.InDelta(t, judgeFallbackScore, result.Confidence, 1e-9)
	assert.NotEmpty(t, result.Artifacts)
}

func TestResearchInvalidJudgeDecisionUsesFallback(t *testing.T) {
	searcher := &fakeSearcher{responses: map[string][]SearchResult{
		"initial query": {{URL: "https://example.org/a", Title: "A", Snippet: "snippet A"}},
	}}
	fetcher := &fakeFetcher{texts: map[string]string{
		"https://example.org/a": "Текст про initial query.",
	}}
	provider := brain.NewScriptedProvider().
		Respond(judgeJSON(t, "", 0, "", nil))
	skill := newTestSkill(t, provider, searcher, fetcher)

	result, err := skill.Research(context.Background(), testRun(), "step-1", "task-1", nil)
	require.NoError(t, err)
	assert.True(t, hasAssumptionPrefix(result.Assumptions, "judge_fallback:invalid_decision:empty"))
	assert.True(t, eventWithReason(result.Events, "judge_fallback"))
}

func TestResearchInvalidJudgeScoreUsesFallback(t *testing.T) {
	searcher := &fakeSearcher{responses: map[string][]SearchResult{
		"initial query": {{URL: "https://example.org/a", Title: "A", Snippet: "snippet A"}},
	}}
	fetcher := &fakeFetcher{texts: map[string]string{
		"https://example.org/a": "Текст про initial query.",
	}}
	provider := brain.NewScriptedProvider().
		Respond(judgeJSON(t, "ENOUGH", 5, "", []string{"https://example.org/a"}))
	skill := newTestSkill(t, provider, searcher, fetcher)

	result, err := skill.Research(context.Background(), testRun(), "step-1", "task-1", nil)
	require.NoError(t, err)
	assert.True(t, hasAssumptionPrefix(result.Assumptions, "judge_fallback:invalid_score:5"))
	assert.True(t, eventWithReason(result.Events, "judge_fallback"))
}

func TestResearchNotEnoughWithoutNextQuery(t *testing.T) {
	searcher := &fakeSearcher{responses: map[string][]SearchResult{
		"initial query": {{URL: "https://example.org/a", Title: "A", Snippet: "snippet A"}},
	}}
	fetcher := &fakeFetcher{texts: map[string]string{
		"https://example.org/a": "Определение и формулы про initial query.",
	}}
	provider := brain.NewScriptedProvider().
		Respond(judgeJSON(t, "NOT_ENOUGH", 0.2, "", []string{"https://example.org/a"}))
	skill := newTestSkill(t, provider, searcher, fetcher)

	result, err := skill.Research(context.Background(), testRun(), "step-1", "task-1", map[string]any{"max_rounds": 1})
	require.NoError(t, err)
	assert.True(t, hasAssumptionPrefix(result.Assumptions, "judge_next_query_missing"))
	assert.InDelta(t, judgeFallbackScore, result.Confidence, 1e-9)
	require.NotEmpty(t, result.Artifacts)

	content, err := os.ReadFile(result.Artifacts[0].ContentURI)
	require.NoError(t, err)
	assert.Contains(t, string(content), "## Источники")
}

func TestResearchSkipsOffTopicSources(t *testing.T) {
	searcher := &fakeSearcher{responses: map[string][]SearchResult{
		"сюжет хентая эйфория": {
			{URL: "https://ru.wikipedia.org/wiki/plot", Title: "Сюжет", Snippet: "определение термина"},
		},
	}}
	fetcher := &fakeFetcher{texts: map[string]string{
		"https://ru.wikipedia.org/wiki/plot": "Сюжет — это система событий и их взаимосвязь в произведении.",
	}}
	skill := newTestSkill(t, brain.NewScriptedProvider(), searcher, fetcher)

	run := &models.Run{ID: "run-web-2", QueryText: "сюжет хентая эйфория"}
	result, err := skill.Research(context.Background(), run, "step-1", "task-1", map[string]any{"max_rounds": 1})
	require.NoError(t, err)
	assert.Empty(t, result.Sources)
	assert.Zero(t, result.Confidence)
	assert.True(t, hasAssumptionPrefix(result.Assumptions, "source_off_topic"))
	assert.True(t, eventWithReason(result.Events, "source_off_topic"))
	assert.False(t, hasAssumptionPrefix(result.Assumptions, "no_pages_fetched"))
}

func TestResearchBlockedDomainYieldsNoPages(t *testing.T) {
	searcher := &fakeSearcher{responses: map[string][]SearchResult{
		"initial query": {{URL: "https://www.baidu.com/s?wd=test", Title: "bad source", Snippet: "noise"}},
	}}
	skill := newTestSkill(t, brain.NewScriptedProvider(), searcher, &fakeFetcher{})

	result, err := skill.Research(context.Background(), testRun(), "step-1", "task-1", map[string]any{"max_rounds": 1})
	require.NoError(t, err)
	assert.Zero(t, result.Confidence)
	assert.Empty(t, result.Sources)
	assert.True(t, hasAssumptionPrefix(result.Assumptions, "no_pages_fetched"))
}

func TestResearchFetchErrorKeepsOtherSources(t *testing.T) {
	searcher := &fakeSearcher{responses: map[string][]SearchResult{
		"initial query": {
			{URL: "https://example.org/a", Title: "A", Snippet: "snippet A"},
			{URL: "https://example.net/b", Title: "B", Snippet: "snippet B"},
		},
	}}
	fetcher := &fakeFetcher{
		texts: map[string]string{
			"https://example.net/b": "Рабочий текст про initial query.",
		},
		errs: map[string]error{
			"https://example.org/a": errors.New("request_failed:Timeout"),
		},
	}
	provider := brain.NewScriptedProvider().
		Respond(judgeJSON(t, "ENOUGH", 0.6, "", []string{"https://example.net/b"})).
		Respond("Ответ [1]\n\n## Источники\n[1] https://example.net/b")
	skill := newTestSkill(t, provider, searcher, fetcher)

	result, err := skill.Research(context.Background(), testRun(), "step-1", "task-1", nil)
	require.NoError(t, err)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, "https://example.net/b", result.Sources[0].URL)
	assert.True(t, hasAssumptionPrefix(result.Assumptions, "request_failed:Timeout"))
}

func TestResearchSearchFailureIsRecorded(t *testing.T) {
	searcher := &fakeSearcher{err: errors.New("backend down")}
	skill := newTestSkill(t, brain.NewScriptedProvider(), searcher, &fakeFetcher{})

	result, err := skill.Research(context.Background(), testRun(), "step-1", "task-1", nil)
	require.NoError(t, err)
	assert.Zero(t, result.Confidence)
	assert.True(t, hasAssumptionPrefix(result.Assumptions, "search_failed:backend down"))
	assert.True(t, eventWithReason(result.Events, "search_failed"))
}
