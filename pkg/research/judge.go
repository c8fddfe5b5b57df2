package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/schema"
)

// judgeFallbackScore caps confidence whenever the judge verdict is not
// trustworthy.
const judgeFallbackScore = 0.35

const judgeSchemaRaw = `{
	"type": "object",
	"required": ["decision", "score", "why"],
	"properties": {
		"decision": {"type": "string"},
		"score": {"type": "number"},
		"why": {"type": "string"},
		"next_query": {"type": ["string", "null"]},
		"missing_topics": {"type": "array", "items": {"type": "string"}},
		"need_sources": {"type": "integer"},
		"used_urls": {"type": "array", "items": {"type": "string"}}
	}
}`

var judgeSchema = schema.MustCompile(judgeSchemaRaw)

const judgeSystemPrompt = `Ты оцениваешь, достаточно ли собранных источников для ответа на запрос владельца.
Ответь только JSON-объектом:
decision — ENOUGH или NOT_ENOUGH;
score — число от 0 до 1, насколько материал покрывает запрос;
why — короткое объяснение;
next_query — следующий поисковый запрос, если материала мало, иначе null;
missing_topics — чего не хватает;
need_sources — сколько источников ещё нужно;
used_urls — URL, на которые стоит опираться в ответе.`

// Judge decisions.
const (
	decisionEnough    = "ENOUGH"
	decisionNotEnough = "NOT_ENOUGH"
)

type judgeVerdict struct {
	Decision      string   `json:"decision"`
	Score         float64  `json:"score"`
	Why           string   `json:"why"`
	NextQuery     string   `json:"next_query"`
	MissingTopics []string `json:"missing_topics"`
	NeedSources   int      `json:"need_sources"`
	UsedURLs      []string `json:"used_urls"`
}

// judge asks the brain whether the corpus answers the query. The second
// return value is the fallback reason: non-empty means the verdict was
// synthesized (ENOUGH, score capped) because the model output was
// unusable.
func (s *Skill) judge(ctx context.Context, runID, stepID, taskID, query string, corpus []page) (*judgeVerdict, string) {
	req := &brain.Request{
		Purpose: "web_research_judge",
		Messages: []brain.Message{
			{Role: "system", Content: judgeSystemPrompt},
			{Role: "user", Content: judgeUserPrompt(query, corpus)},
		},
		Temperature: 0.1,
		MaxTokens:   500,
		JSONSchema:  schema.MustDocMap(judgeSchemaRaw),
		RunID:       runID,
		StepID:      stepID,
		TaskID:      taskID,
	}

	resp, err := s.brain.Call(ctx, req)
	if err != nil {
		return fallbackVerdict(), brain.ErrorType(err)
	}
	if !resp.OK() || strings.TrimSpace(resp.Text) == "" {
		return fallbackVerdict(), "empty_response"
	}

	var verdict judgeVerdict
	if err := schema.Decode(judgeSchema, resp.Text, &verdict); err != nil {
		return fallbackVerdict(), "invalid_llm_json"
	}
	verdict.Decision = strings.ToUpper(strings.TrimSpace(verdict.Decision))
	if verdict.Decision != decisionEnough && verdict.Decision != decisionNotEnough {
		value := strings.ToLower(verdict.Decision)
		if value == "" {
			value = "empty"
		}
		return fallbackVerdict(), "invalid_decision:" + value
	}
	if verdict.Score < 0 || verdict.Score > 1 {
		return fallbackVerdict(), fmt.Sprintf("invalid_score:%g", verdict.Score)
	}
	verdict.NextQuery = strings.TrimSpace(verdict.NextQuery)
	return &verdict, ""
}

func fallbackVerdict() *judgeVerdict {
	return &judgeVerdict{
		Decision: decisionEnough,
		Score:    judgeFallbackScore,
		Why:      "judge_fallback",
	}
}

// judgeUserPrompt renders the query and a bounded excerpt of every
// fetched page.
func judgeUserPrompt(query string, corpus []page) string {
	var b strings.Builder
	b.WriteString("[Запрос владельца]\n")
	b.WriteString(strings.TrimSpace(query))
	b.WriteString("\n\n[Собранные источники]\n")
	for i, item := range corpus {
		excerpt := item.Text
		if runes := []rune(excerpt); len(runes) > 1200 {
			excerpt = string(runes[:1200])
		}
		fmt.Fprintf(&b, "%d. %s (%s)\n%s\n\n", i+1, item.Title, item.URL, excerpt)
	}
	return strings.TrimSpace(b.String())
}
