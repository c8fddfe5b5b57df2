package persona

import (
	"fmt"
	"math"
	"strings"

	"github.com/astra-local/astra/pkg/models"
)

const evidenceLimit = 220

type preferenceCandidate struct {
	key        string
	value      string
	confidence float64
	summary    string
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// tonePreferenceCandidates derives style preferences from a stable tone
// reading. An unstable low-confidence reading produces nothing.
func tonePreferenceCandidates(a *Analysis) []preferenceCandidate {
	stable := a.Recall.SameTypeCount >= 2 || (a.Recall.DominantRecentTone != "" && a.Recall.DominantRecentTone == a.Type)
	confidence := round2(math.Min(0.96, 0.5+a.Intensity*0.42))
	if confidence < 0.7 && !stable {
		return nil
	}

	var candidates []preferenceCandidate
	switch a.Type {
	case ToneDry:
		candidates = append(candidates, preferenceCandidate{
			key: "style.brevity", value: "short", confidence: confidence,
			summary: "Пользователь чаще выбирает короткий структурный формат ответа.",
		})
	case ToneFrustrated, ToneCrisis:
		candidates = append(candidates, preferenceCandidate{
			key: "style.tone", value: "supportive-direct", confidence: confidence,
			summary: "В стрессовом контексте полезен прямой поддерживающий тон.",
		})
	case ToneTired:
		candidates = append(candidates, preferenceCandidate{
			key: "style.tone", value: "calm-supportive", confidence: confidence,
			summary: "Пользователь лучше реагирует на спокойную поддерживающую подачу.",
		})
	case ToneEnergetic:
		candidates = append(candidates, preferenceCandidate{
			key: "style.tone", value: "energetic-direct", confidence: confidence,
			summary: "Пользователь предпочитает энергичную деловую динамику.",
		})
	}

	if a.MirrorLevel == "medium" || a.MirrorLevel == "high" {
		candidates = append(candidates, preferenceCandidate{
			key: "style.mirror_level", value: a.MirrorLevel,
			confidence: math.Max(0.7, confidence-0.04),
			summary:    "Полезен динамический зеркалинг тона под контекст.",
		})
	}
	candidates = append(candidates, preferenceCandidate{
		key: "style.response_shape", value: a.ResponseShape,
		confidence: math.Max(0.68, confidence-0.08),
		summary:    "Уточнена предпочитаемая форма ответа по динамике диалога.",
	})
	return candidates
}

// modePreferenceCandidates tracks the current mode mix and its recent
// trajectory.
func modePreferenceCandidates(a *Analysis) []preferenceCandidate {
	primary := strings.TrimSpace(a.PrimaryMode)
	if primary == "" {
		return nil
	}
	supporting := strings.TrimSpace(a.SupportingMode)

	modeTail := tail(a.ModeHistory, 3)
	modeChain := primary
	if len(modeTail) > 0 {
		modeChain = strings.Join(modeTail, " > ") + " > " + primary
	}

	baseConfidence := round2(math.Min(0.95, 0.58+a.Intensity*0.32))
	candidates := []preferenceCandidate{{
		key: "persona.mode.primary", value: primary, confidence: baseConfidence,
		summary: fmt.Sprintf("Актуальный основной mode взаимодействия: %s.", primary),
	}}
	if supporting != "" {
		candidates = append(candidates, preferenceCandidate{
			key: "persona.mode.supporting", value: supporting,
			confidence: math.Max(0.68, baseConfidence-0.05),
			summary:    fmt.Sprintf("Актуальный supporting mode: %s.", supporting),
		})
	}
	candidates = append(candidates, preferenceCandidate{
		key: "persona.mode.history", value: modeChain,
		confidence: math.Max(0.66, baseConfidence-0.08),
		summary:    "Обновлена недавняя траектория mode-mix пользователя.",
	})
	return candidates
}

func existingPreferencePairs(memories []*models.UserMemory) map[string]bool {
	pairs := make(map[string]bool)
	for _, pref := range memoryPreferences(memories) {
		pairs[pairSignature(pref.Key, pref.Value)] = true
	}
	return pairs
}

func pairSignature(key, value string) string {
	return strings.ToLower(strings.TrimSpace(key)) + "::" + strings.ToLower(strings.TrimSpace(value))
}

func safeEvidence(userMsg string) string {
	text := strings.TrimSpace(userMsg)
	runes := []rune(text)
	if len(runes) <= evidenceLimit {
		return text
	}
	return strings.TrimRight(string(runes[:evidenceLimit]), " ")
}

// preparePreferences filters candidates against already-stored pairs and
// attaches the user text as evidence.
func preparePreferences(userMsg string, candidates []preferenceCandidate, existing map[string]bool) ([]models.Preference, []string) {
	evidence := safeEvidence(userMsg)
	if evidence == "" {
		return nil, nil
	}

	var preferences []models.Preference
	var summaries []string
	for _, c := range candidates {
		key := strings.TrimSpace(c.key)
		value := strings.TrimSpace(c.value)
		if key == "" || value == "" || existing[pairSignature(key, value)] {
			continue
		}
		preferences = append(preferences, models.Preference{
			Key:        key,
			Value:      value,
			Confidence: round2(clampIntensity(c.confidence)),
			Evidence:   evidence,
		})
		if summary := strings.TrimSpace(c.summary); summary != "" {
			summaries = append(summaries, summary)
		}
	}
	return preferences, summaries
}

func buildAutoMemory(userMsg, title, summary string, preferences []models.Preference) *models.AutoMemory {
	if len(preferences) == 0 {
		return nil
	}
	content := strings.TrimSpace(userMsg)
	if content == "" {
		return nil
	}
	maxConfidence := 0.0
	for _, pref := range preferences {
		if pref.Confidence > maxConfidence {
			maxConfidence = pref.Confidence
		}
	}
	return &models.AutoMemory{
		Content: content,
		Origin:  "auto",
		Payload: models.MemoryPayload{
			Title:         title,
			Summary:       summary,
			Confidence:    round2(clampIntensity(maxConfidence)),
			Facts:         []models.MemoryFact{},
			Preferences:   preferences,
			PossibleFacts: []string{},
		},
	}
}

func joinUniqueSummaries(summaries []string, fallback string) string {
	var unique []string
	seen := make(map[string]bool)
	for _, s := range summaries {
		if !seen[s] {
			seen[s] = true
			unique = append(unique, s)
		}
	}
	if len(unique) == 0 {
		return fallback
	}
	return strings.Join(unique, " ")
}

// BuildToneProfilePayload produces the auto-save memory candidate for
// this turn: style preferences plus the mode trajectory, deduplicated
// against what the profile already holds. Nil when nothing new emerged.
func BuildToneProfilePayload(userMsg string, a *Analysis, memories []*models.UserMemory) *models.AutoMemory {
	if a == nil {
		return nil
	}
	existing := existingPreferencePairs(memories)

	tonePrefs, toneSummaries := preparePreferences(userMsg, tonePreferenceCandidates(a), existing)
	var tonePayload *models.AutoMemory
	if len(tonePrefs) > 0 {
		tonePayload = buildAutoMemory(
			userMsg,
			"Профиль стиля пользователя",
			joinUniqueSummaries(toneSummaries, "Обновлён профиль предпочтений стиля пользователя."),
			tonePrefs,
		)
	}

	modePrefs, modeSummaries := preparePreferences(userMsg, modePreferenceCandidates(a), existing)
	var modePayload *models.AutoMemory
	if len(modePrefs) > 0 {
		modePayload = buildAutoMemory(
			userMsg,
			"Профиль режимов общения",
			joinUniqueSummaries(modeSummaries, "Обновлена история режимов общения пользователя."),
			modePrefs,
		)
	}

	return MergeAutoMemories(tonePayload, modePayload)
}

// MergeAutoMemories combines two auto-save candidates: unique
// preferences and facts, concatenated summary capped at 320 runes, max
// confidence.
func MergeAutoMemories(primary, secondary *models.AutoMemory) *models.AutoMemory {
	if primary == nil {
		return secondary
	}
	if secondary == nil {
		return primary
	}

	merged := *primary
	merged.Payload.Preferences = mergeUniquePreferences(primary.Payload.Preferences, secondary.Payload.Preferences)
	merged.Payload.Facts = mergeUniqueFacts(primary.Payload.Facts, secondary.Payload.Facts)
	merged.Payload.PossibleFacts = mergeUniqueStrings(primary.Payload.PossibleFacts, secondary.Payload.PossibleFacts)

	left := strings.TrimSpace(primary.Payload.Summary)
	right := strings.TrimSpace(secondary.Payload.Summary)
	switch {
	case left != "" && right != "" && !strings.Contains(left, right):
		merged.Payload.Summary = capRunes(left+" "+right, 320)
	case left == "" && right != "":
		merged.Payload.Summary = capRunes(right, 320)
	}

	merged.Payload.Confidence = round2(math.Max(primary.Payload.Confidence, secondary.Payload.Confidence))
	if strings.TrimSpace(merged.Content) == "" {
		merged.Content = secondary.Content
	}
	return &merged
}

// mergeUniquePreferences dedups by (key, value) case-insensitive,
// keeping the maximum confidence seen for a pair.
func mergeUniquePreferences(left, right []models.Preference) []models.Preference {
	var merged []models.Preference
	index := make(map[string]int)
	for _, pref := range append(append([]models.Preference{}, left...), right...) {
		sig := pairSignature(pref.Key, pref.Value)
		if at, ok := index[sig]; ok {
			if pref.Confidence > merged[at].Confidence {
				merged[at].Confidence = pref.Confidence
			}
			continue
		}
		index[sig] = len(merged)
		merged = append(merged, pref)
	}
	return merged
}

func mergeUniqueFacts(left, right []models.MemoryFact) []models.MemoryFact {
	merged := []models.MemoryFact{}
	index := make(map[string]int)
	for _, fact := range append(append([]models.MemoryFact{}, left...), right...) {
		sig := pairSignature(fact.Key, fact.Value)
		if at, ok := index[sig]; ok {
			if fact.Confidence > merged[at].Confidence {
				merged[at].Confidence = fact.Confidence
			}
			continue
		}
		index[sig] = len(merged)
		merged = append(merged, fact)
	}
	return merged
}

func mergeUniqueStrings(left, right []string) []string {
	merged := []string{}
	seen := make(map[string]bool)
	for _, item := range append(append([]string{}, left...), right...) {
		sig := strings.ToLower(strings.TrimSpace(item))
		if sig == "" || seen[sig] {
			continue
		}
		seen[sig] = true
		merged = append(merged, item)
	}
	return merged
}

func capRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
