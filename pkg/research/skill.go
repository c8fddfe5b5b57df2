// Package research implements the iterative web research skill:
// search, fetch, judge, compose. Every verdict comes from the brain
// under a strict JSON schema; unusable verdicts degrade to a capped
// fallback instead of failing the run.
package research

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/astra-local/astra/pkg/brain"
	"github.com/astra-local/astra/pkg/chat"
	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/models"
)

// SkillName is the registry name of the web research skill.
const SkillName = "web_research"

// Skill runs bounded web research rounds and returns a sourced answer.
type Skill struct {
	brain        *brain.Router
	searcher     Searcher
	fetcher      Fetcher
	cfg          *config.ResearchConfig
	artifactsDir string
	limiters     *hostLimiters
}

// NewSkill wires the research loop. searcher and fetcher are injected;
// pass NewHTTPFetcher(cfg) for real fetching.
func NewSkill(b *brain.Router, searcher Searcher, fetcher Fetcher, cfg *config.ResearchConfig, artifactsDir string) *Skill {
	return &Skill{
		brain:        b,
		searcher:     searcher,
		fetcher:      fetcher,
		cfg:          cfg,
		artifactsDir: artifactsDir,
		limiters:     newHostLimiters(cfg),
	}
}

// Name identifies the skill in the engine registry.
func (s *Skill) Name() string { return SkillName }

// Research runs the search/fetch/judge loop for a query and composes a
// markdown answer with sources. Implements the chat.Researcher contract.
func (s *Skill) Research(ctx context.Context, run *models.Run, stepID, taskID string, inputs map[string]any) (*models.SkillResult, error) {
	query := stringInput(inputs, "query")
	if query == "" {
		query = strings.TrimSpace(run.QueryText)
	}
	if query == "" {
		return nil, fmt.Errorf("research needs a query")
	}
	originalQuery := query

	maxRounds := intInput(inputs, "max_rounds", s.cfg.MaxRounds)
	maxSourcesTotal := intInput(inputs, "max_sources_total", s.cfg.MaxRounds*s.cfg.MaxSourcesPerRound)
	maxPagesFetch := intInput(inputs, "max_pages_fetch", maxSourcesTotal)
	styleHint := stringInput(inputs, "style_hint")

	var (
		assumptions    []string
		skillEvents    []models.SkillEvent
		corpus         []page
		seenURLs       = make(map[string]bool)
		pagesFetched   = 0
		verdict        = fallbackVerdict()
		forcedFallback = false
	)

	for round := 1; round <= maxRounds; round++ {
		results, err := s.searcher.Search(ctx, query)
		if err != nil {
			assumptions = append(assumptions, "search_failed:"+err.Error())
			skillEvents = append(skillEvents, models.SkillEvent{
				Message:    fmt.Sprintf("Поиск не удался: %v", err),
				ReasonCode: "search_failed",
			})
			break
		}

		candidates := s.candidates(results, seenURLs)
		skillEvents = append(skillEvents, models.SkillEvent{
			Message:  fmt.Sprintf("Раунд %d: найдено %d источников по запросу «%s»", round, len(candidates), query),
			Progress: &models.Progress{Current: round, Total: maxRounds, Unit: "rounds"},
		})

		for _, outcome := range s.fetchAll(ctx, candidates) {
			if pagesFetched >= maxPagesFetch || len(corpus) >= maxSourcesTotal {
				break
			}
			if outcome.err != nil {
				assumptions = append(assumptions, outcome.err.Error())
				continue
			}
			pagesFetched++
			text := cleanExtractedText(outcome.fetched.Text, originalQuery)
			if text == "" {
				assumptions = append(assumptions, "empty_extract:"+outcome.candidate.URL)
				continue
			}
			if chat.IsLikelyOffTopic(originalQuery, text) {
				assumptions = append(assumptions, "source_off_topic:"+outcome.candidate.URL)
				skillEvents = append(skillEvents, models.SkillEvent{
					Message:    "Источник не по теме: " + outcome.candidate.Domain,
					ReasonCode: "source_off_topic",
				})
				continue
			}
			corpus = append(corpus, page{
				candidate: outcome.candidate,
				FinalURL:  outcome.fetched.FinalURL,
				Text:      text,
			})
		}

		if len(corpus) == 0 {
			continue
		}

		judged, fallbackReason := s.judge(ctx, run.ID, stepID, taskID, originalQuery, corpus)
		verdict = judged
		if fallbackReason != "" {
			assumptions = append(assumptions, "judge_fallback:"+fallbackReason)
			skillEvents = append(skillEvents, models.SkillEvent{
				Message:    "Оценка источников не удалась, продолжаю по запасному сценарию",
				ReasonCode: "judge_fallback",
			})
			break
		}
		if verdict.Decision == decisionEnough {
			break
		}
		if verdict.NextQuery == "" {
			assumptions = append(assumptions, "judge_next_query_missing")
			verdict.Score = judgeFallbackScore
			forcedFallback = true
			break
		}
		if round == maxRounds {
			break
		}
		query = verdict.NextQuery
	}

	if len(corpus) == 0 {
		if pagesFetched == 0 {
			assumptions = append(assumptions, "no_pages_fetched")
		}
		return &models.SkillResult{
			Sources:     []models.SourceCandidate{},
			Facts:       []models.FactCandidate{},
			Artifacts:   []models.ArtifactCandidate{},
			Confidence:  0,
			Assumptions: assumptions,
			Events:      skillEvents,
		}, nil
	}

	answer := ""
	if !forcedFallback {
		composed, err := s.composeAnswer(ctx, run.ID, stepID, taskID, originalQuery, styleHint, corpus, verdict.UsedURLs)
		if err != nil {
			assumptions = append(assumptions, "compose_fallback:"+brain.ErrorType(err))
			if verdict.Score > judgeFallbackScore {
				verdict.Score = judgeFallbackScore
			}
		} else {
			answer = composed
		}
	}
	if answer == "" {
		answer = composeFallback(originalQuery, corpus)
	}

	var artifacts []models.ArtifactCandidate
	if path, err := s.writeAnswerArtifact(run.ID, answer); err != nil {
		assumptions = append(assumptions, "artifact_write_failed:"+err.Error())
		slog.Warn("failed to write research artifact", "run_id", run.ID, "error", err)
	} else {
		artifacts = append(artifacts, models.ArtifactCandidate{
			Type:       "web_research_answer_md",
			Title:      "Ответ веб-исследования",
			ContentURI: path,
			Meta:       map[string]any{"query": originalQuery},
		})
	}

	used := make(map[string]bool, len(verdict.UsedURLs))
	for _, u := range verdict.UsedURLs {
		if normalized, err := NormalizeURL(u); err == nil {
			used[normalized] = true
		}
	}
	sources := make([]models.SourceCandidate, 0, len(corpus))
	for _, item := range corpus {
		quality := verdict.Score
		if len(used) > 0 && !used[item.URL] {
			quality = verdict.Score * 0.8
		}
		sources = append(sources, models.SourceCandidate{
			URL:     item.URL,
			Title:   item.Title,
			Domain:  item.Domain,
			Snippet: item.Snippet,
			Quality: quality,
		})
	}

	skillEvents = append(skillEvents, models.SkillEvent{
		Message:  fmt.Sprintf("Собрано %d источников, ответ готов", len(sources)),
		Progress: &models.Progress{Current: len(sources), Total: maxSourcesTotal, Unit: "sources"},
	})

	return &models.SkillResult{
		WhatIDid:    fmt.Sprintf("Выполнил веб-исследование по запросу «%s»: источников %d.", originalQuery, len(sources)),
		Sources:     sources,
		Facts:       []models.FactCandidate{},
		Artifacts:   artifacts,
		Confidence:  verdict.Score,
		Assumptions: assumptions,
		Events:      skillEvents,
	}, nil
}

// candidates filters search results down to fetchable, unseen URLs,
// capped per round.
func (s *Skill) candidates(results []SearchResult, seen map[string]bool) []candidate {
	var out []candidate
	for _, result := range results {
		cand := s.candidateFromResult(result)
		if cand == nil || seen[cand.URL] {
			continue
		}
		seen[cand.URL] = true
		out = append(out, *cand)
		if len(out) >= s.cfg.MaxSourcesPerRound {
			break
		}
	}
	return out
}

// candidateFromResult normalizes one search hit. Nil for unparseable
// URLs and blocked domains.
func (s *Skill) candidateFromResult(result SearchResult) *candidate {
	normalized, err := NormalizeURL(result.URL)
	if err != nil {
		return nil
	}
	domain := urlDomain(normalized)
	if domainBlocked(domain, s.cfg.BlockedDomains) {
		return nil
	}
	return &candidate{
		URL:     normalized,
		Title:   strings.TrimSpace(result.Title),
		Snippet: strings.TrimSpace(result.Snippet),
		Domain:  domain,
	}
}

// writeAnswerArtifact stores the answer markdown under the run's
// artifact directory.
func (s *Skill) writeAnswerArtifact(runID, answer string) (string, error) {
	dir := filepath.Join(s.artifactsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}
	path := filepath.Join(dir, "web_research_answer.md")
	if err := os.WriteFile(path, []byte(answer), 0o644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return path, nil
}

func stringInput(inputs map[string]any, key string) string {
	if inputs == nil {
		return ""
	}
	value, _ := inputs[key].(string)
	return strings.TrimSpace(value)
}

func intInput(inputs map[string]any, key string, fallback int) int {
	if inputs == nil {
		return fallback
	}
	switch v := inputs[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case int64:
		if v > 0 {
			return int(v)
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return fallback
}
