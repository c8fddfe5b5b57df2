package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/astra-local/astra/pkg/brain"
)

const composeSystemPrompt = `Ты пишешь итоговый ответ по материалам веб-исследования.
Требования к формату:
- краткий итог в первом абзаце;
- затем детали по существу запроса;
- в конце раздел "## Источники" со списком использованных URL;
- только факты из источников, без выдумок;
- ответ полностью на русском языке.`

// composeAnswer asks the brain for the final markdown. The error return
// carries the brain failure; callers degrade to composeFallback.
func (s *Skill) composeAnswer(ctx context.Context, runID, stepID, taskID, query, styleHint string, corpus []page, usedURLs []string) (string, error) {
	var b strings.Builder
	b.WriteString("[Запрос владельца]\n")
	b.WriteString(strings.TrimSpace(query))
	if hint := strings.TrimSpace(styleHint); hint != "" {
		b.WriteString("\n\n[Стиль ответа]\n")
		b.WriteString(hint)
	}
	b.WriteString("\n\n[Материалы]\n")
	for i, item := range corpus {
		excerpt := item.Text
		if runes := []rune(excerpt); len(runes) > 1600 {
			excerpt = string(runes[:1600])
		}
		fmt.Fprintf(&b, "%d. %s (%s)\n%s\n\n", i+1, item.Title, item.URL, excerpt)
	}
	if len(usedURLs) > 0 {
		b.WriteString("[Опорные URL]\n")
		b.WriteString(strings.Join(usedURLs, "\n"))
	}

	req := &brain.Request{
		Purpose: "web_research_compose",
		Messages: []brain.Message{
			{Role: "system", Content: composeSystemPrompt},
			{Role: "user", Content: strings.TrimSpace(b.String())},
		},
		Temperature: 0.3,
		MaxTokens:   900,
		RunID:       runID,
		StepID:      stepID,
		TaskID:      taskID,
	}

	resp, err := s.brain.Call(ctx, req)
	if err != nil {
		return "", err
	}
	if !resp.OK() || strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("compose produced no text")
	}

	answer := cleanAnswerMarkdown(resp.Text, query)
	if answer == "" {
		return "", fmt.Errorf("compose text was all noise")
	}
	return ensureSourcesBlock(answer, corpus, usedURLs), nil
}

// composeFallback assembles an answer from snippets when the compose
// model is unavailable or the judge never produced a usable verdict.
func composeFallback(query string, corpus []page) string {
	var b strings.Builder
	b.WriteString("Краткий итог: вот что удалось найти по запросу «")
	b.WriteString(strings.Join(strings.Fields(query), " "))
	b.WriteString("».\n\n")
	for i, item := range corpus {
		line := strings.TrimSpace(item.Snippet)
		if line == "" {
			if runes := []rune(item.Text); len(runes) > 200 {
				line = string(runes[:200])
			} else {
				line = item.Text
			}
		}
		fmt.Fprintf(&b, "%d. %s — %s\n", i+1, item.Title, strings.TrimSpace(line))
	}
	answer := cleanAnswerMarkdown(b.String(), query)
	return ensureSourcesBlock(answer, corpus, nil)
}

// ensureSourcesBlock appends the "## Источники" section when the model
// forgot it. usedURLs wins over the full corpus when present.
func ensureSourcesBlock(answer string, corpus []page, usedURLs []string) string {
	if strings.Contains(strings.ToLower(answer), "## источники") {
		return answer
	}
	urls := usedURLs
	if len(urls) == 0 {
		for _, item := range corpus {
			urls = append(urls, item.URL)
		}
	}
	if len(urls) == 0 {
		return answer
	}
	var b strings.Builder
	b.WriteString(answer)
	b.WriteString("\n\n## Источники\n")
	for i, u := range urls {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, u)
	}
	return strings.TrimSpace(b.String())
}
