package chat

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/astra-local/astra/pkg/events"
	"github.com/astra-local/astra/pkg/intent"
	"github.com/astra-local/astra/pkg/models"
)

// Researcher runs one bounded web research pass on behalf of the chat
// pipeline. Implemented by the web research skill.
type Researcher interface {
	Research(ctx context.Context, run *models.Run, stepID, taskID string, inputs map[string]any) (*models.SkillResult, error)
}

var infoQueryTokens = map[string]bool{
	"кто": true, "что": true, "где": true, "когда": true, "почему": true,
	"зачем": true, "как": true, "сколько": true, "какой": true, "какая": true,
	"какие": true, "чей": true, "чья": true, "чьи": true,
	"знаешь": true, "знаете": true, "расскажи": true, "объясни": true,
	"объяснить": true, "сюжет": true, "история": true, "факт": true, "факты": true,
	"who": true, "what": true, "where": true, "when": true, "why": true,
	"how": true, "explain": true, "tell": true, "fact": true, "facts": true,
}

// uncertainCues flag a hedging answer. Single-word cues are matched on
// token identity, multi-word cues on consecutive token sequences, so
// "невозможно" never triggers "возможно".
var (
	uncertainWordCues = map[string]bool{
		"возможно": true, "наверное": true, "предполагаю": true,
		"maybe": true, "probably": true,
	}
	uncertainPhraseCues = [][]string{
		{"не", "знаю"}, {"не", "уверен"}, {"не", "слышал"}, {"не", "слышала"},
		{"не", "помню"}, {"не", "могу", "подтвердить"},
		{"скорее", "всего"}, {"может", "быть"},
		{"not", "sure"}, {"i", "don", "t", "know"}, {"i", "am", "not", "sure"},
		{"i", "guess"}, {"i", "think"},
	}
)

var autoResearchErrorCodes = map[string]bool{
	"chat_empty_response":      true,
	"connection_error":         true,
	"http_error":               true,
	"invalid_json":             true,
	"model_not_found":          true,
	"chat_llm_unhandled_error": true,
}

func hasTokenSequence(tokens []string, phrase []string) bool {
	if len(phrase) == 0 || len(tokens) < len(phrase) {
		return false
	}
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, want := range phrase {
			if tokens[i+j] != want {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// isInformationQuery reports whether the query asks for knowledge
// rather than an action or a memory command.
func isInformationQuery(userText string) bool {
	query := strings.TrimSpace(userText)
	if query == "" {
		return false
	}
	if intent.HasActionCue(query) || intent.HasMemoryCue(query) {
		return false
	}
	if strings.Contains(query, "?") {
		return true
	}
	for _, token := range relevanceTokens(query) {
		if infoQueryTokens[token] {
			return true
		}
	}
	return len(strings.Fields(query)) >= 7
}

// isUncertainResponse flags hedging or guard-text answers.
func isUncertainResponse(text string) bool {
	value := strings.TrimSpace(text)
	if value == "" {
		return true
	}
	lowered := strings.ToLower(value)
	if strings.Contains(lowered, "предыдущий ответ вышел не по теме") {
		return true
	}
	tokens := relevanceTokens(value)
	for _, token := range tokens {
		if uncertainWordCues[token] {
			return true
		}
	}
	for _, phrase := range uncertainPhraseCues {
		if hasTokenSequence(tokens, phrase) {
			return true
		}
	}
	return false
}

// shouldAutoWebResearch decides whether to escalate the answer to a web
// research pass.
func (s *Service) shouldAutoWebResearch(userText, responseText, errorType string) bool {
	if s.researcher == nil || !s.cfg.AutoWebResearchEnabled {
		return false
	}
	if !isInformationQuery(userText) {
		return false
	}
	if autoResearchErrorCodes[errorType] {
		return true
	}
	answer := strings.TrimSpace(responseText)
	if answer == "" {
		return true
	}
	switch softRetryReason(userText, answer) {
	case reasonOffTopic, reasonRuLanguageMismatch:
		return true
	}
	return isUncertainResponse(answer)
}

// runAutoWebResearch executes the research skill under synthetic step
// and task ids and composes its answer. Nil when research produced
// nothing usable; chat then falls back to the draft answer.
func (s *Service) runAutoWebResearch(ctx context.Context, run *models.Run, query, styleHint string) *Result {
	stepID := "chat-web-research-step:" + run.ID
	taskID := "chat-web-research-task:" + run.ID

	inputs := map[string]any{
		"query":             strings.TrimSpace(query),
		"mode":              "deep",
		"depth":             s.cfg.AutoWebResearchDepth,
		"max_rounds":        s.cfg.AutoWebResearchMaxRounds,
		"max_sources_total": s.cfg.AutoWebResearchMaxSources,
		"max_pages_fetch":   s.cfg.AutoWebResearchMaxPages,
	}
	if hint := strings.TrimSpace(styleHint); hint != "" {
		inputs["style_hint"] = hint
	}

	s.emit(ctx, run.ID, events.TypeTaskProgress, "Проверяю данные в интернете", map[string]any{
		"phase": "chat_auto_web_research_started",
		"query": strings.TrimSpace(query),
	}, events.WithStep(stepID), events.WithTask(taskID))

	started := time.Now()
	result, err := s.researcher.Research(ctx, run, stepID, taskID, inputs)
	if err != nil {
		s.emit(ctx, run.ID, events.TypeTaskProgress, "Auto web research не удался", map[string]any{
			"phase": "chat_auto_web_research_failed",
			"error": err.Error(),
		}, events.WithLevel(models.EventLevelWarning))
		return nil
	}
	latencyMs := time.Since(started).Milliseconds()

	for _, item := range result.Events {
		if strings.TrimSpace(item.Message) == "" {
			continue
		}
		payload := map[string]any{}
		if item.ReasonCode != "" {
			payload["reason_code"] = item.ReasonCode
		}
		if item.Progress != nil {
			payload["progress"] = map[string]any{
				"current": item.Progress.Current,
				"total":   item.Progress.Total,
				"unit":    item.Progress.Unit,
			}
		}
		s.emit(ctx, run.ID, events.TypeTaskProgress, item.Message, payload,
			events.WithStep(stepID), events.WithTask(taskID))
	}

	text := composeWebResearchText(result)
	if text == "" {
		s.emit(ctx, run.ID, events.TypeTaskProgress, "Auto web research не дал итогового ответа", map[string]any{
			"phase": "chat_auto_web_research_empty",
		}, events.WithLevel(models.EventLevelWarning))
		return nil
	}
	if softRetryReason(query, text) == reasonOffTopic {
		s.emit(ctx, run.ID, events.TypeTaskProgress, "Auto web research вернул нерелевантный ответ", map[string]any{
			"phase": "chat_auto_web_research_off_topic",
			"query": strings.TrimSpace(query),
		}, events.WithLevel(models.EventLevelWarning))
		return nil
	}

	s.persistResearchResult(ctx, run.ID, result)
	s.emit(ctx, run.ID, events.TypeTaskProgress, "Auto web research завершён", map[string]any{
		"phase":         "chat_auto_web_research_done",
		"sources_count": len(result.Sources),
		"latency_ms":    latencyMs,
		"confidence":    result.Confidence,
	})

	return &Result{
		Text:         text,
		Provider:     "web_research",
		ModelID:      "web_research",
		LatencyMs:    latencyMs,
		WebResearch:  true,
		SourcesCount: len(result.Sources),
		Confidence:   result.Confidence,
	}
}

// composeWebResearchText builds the user-visible answer from the skill
// result: the answer artifact when readable, the activity summary
// otherwise, plus a bounded source list.
func composeWebResearchText(result *models.SkillResult) string {
	answer := readResearchAnswer(result)
	if answer == "" {
		if summary := strings.TrimSpace(result.WhatIDid); summary != "" {
			answer = summary + "\n\nЯ проверил источники и собрал данные из интернета."
		}
	}
	sourcesBlock := formatResearchSources(result.Sources, 5)
	if sourcesBlock != "" && !strings.Contains(strings.ToLower(answer), "источники:") {
		answer = strings.TrimSpace(answer) + "\n\nИсточники:\n" + sourcesBlock
	}
	return strings.TrimSpace(answer)
}

// readResearchAnswer loads the web_research_answer_md artifact content,
// preferring it over any other artifact type.
func readResearchAnswer(result *models.SkillResult) string {
	ordered := make([]models.ArtifactCandidate, 0, len(result.Artifacts))
	for _, artifact := range result.Artifacts {
		if artifact.Type == "web_research_answer_md" {
			ordered = append(ordered, artifact)
		}
	}
	for _, artifact := range result.Artifacts {
		if artifact.Type != "web_research_answer_md" {
			ordered = append(ordered, artifact)
		}
	}
	for _, artifact := range ordered {
		uri := strings.TrimSpace(artifact.ContentURI)
		if uri == "" {
			continue
		}
		data, err := os.ReadFile(uri)
		if err != nil {
			continue
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			return text
		}
	}
	return ""
}

func formatResearchSources(sources []models.SourceCandidate, limit int) string {
	var lines []string
	seen := make(map[string]bool)
	for _, source := range sources {
		url := strings.TrimSpace(source.URL)
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		label := strings.TrimSpace(source.Title)
		if label == "" {
			label = url
		}
		lines = append(lines, "- "+label+" - "+url)
		if len(lines) >= limit {
			break
		}
	}
	return strings.Join(lines, "\n")
}

// persistResearchResult stores new sources and artifacts from the skill
// result, deduplicating against rows the run already holds. Persistence
// failures are logged and do not block the answer.
func (s *Service) persistResearchResult(ctx context.Context, runID string, result *models.SkillResult) {
	existingURLs := make(map[string]bool)
	if stored, err := s.store.ListSources(ctx, runID); err == nil {
		for _, source := range stored {
			existingURLs[source.URL] = true
		}
	}
	var sources []*models.Source
	for _, candidate := range result.Sources {
		url := strings.TrimSpace(candidate.URL)
		if url == "" || existingURLs[url] {
			continue
		}
		existingURLs[url] = true
		sources = append(sources, &models.Source{
			ID:          uuid.NewString(),
			RunID:       runID,
			URL:         url,
			Title:       candidate.Title,
			Domain:      candidate.Domain,
			Quality:     candidate.Quality,
			Snippet:     candidate.Snippet,
			RetrievedAt: time.Now().UTC(),
			Pinned:      candidate.Pinned,
		})
	}
	if len(sources) > 0 {
		if _, err := s.store.InsertSources(ctx, sources); err != nil {
			slog.Warn("failed to persist research sources", "run_id", runID, "error", err)
		}
	}

	existingURIs := make(map[string]bool)
	if stored, err := s.store.ListArtifacts(ctx, runID); err == nil {
		for _, artifact := range stored {
			existingURIs[artifact.ContentURI] = true
		}
	}
	var artifacts []*models.Artifact
	for _, candidate := range result.Artifacts {
		uri := strings.TrimSpace(candidate.ContentURI)
		if uri == "" || existingURIs[uri] {
			continue
		}
		existingURIs[uri] = true
		artifactType := candidate.Type
		if artifactType == "" {
			artifactType = "artifact"
		}
		title := candidate.Title
		if title == "" {
			title = "Artifact"
		}
		artifacts = append(artifacts, &models.Artifact{
			ID:         uuid.NewString(),
			RunID:      runID,
			Type:       artifactType,
			Title:      title,
			ContentURI: uri,
			CreatedAt:  time.Now().UTC(),
			Meta:       candidate.Meta,
		})
	}
	if len(artifacts) > 0 {
		if _, err := s.store.InsertArtifacts(ctx, artifacts); err != nil {
			slog.Warn("failed to persist research artifacts", "run_id", runID, "error", err)
		}
	}
}
