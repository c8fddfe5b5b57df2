package persona

import (
	"regexp"
	"strings"

	"github.com/astra-local/astra/pkg/models"
)

// ModeCatalog is the closed set of interaction modes the prompt builder
// can mix.
var ModeCatalog = []string{
	"Supportive/Empathetic",
	"Enthusiastic/Motivational",
	"Calm/Analytical",
	"Reflective/Wise",
	"Playful-lite",
	"Curious/Inquisitive",
	"Nurturing/Caring",
	"Practical/Solution",
	"Witty/Humorous-lite",
	"Introspective/Thoughtful",
	"Adventurous/Creative",
	"Loyal/Reliable",
	"Insightful/Perceptive",
	"Gentle/Soothing",
	"Bold/Decisive",
	"Humble/Learning",
	"Optimistic/Hopeful",
	"Empowered/Mentoring",
	"Playful-Deep",
	"Resilient/Steady",
	"Strategic/Architect",
	"Precision/Verifier",
	"Creative-Deep",
	"Steady",
}

var modeAliasRe = regexp.MustCompile(`[^a-z0-9]+`)

var modeAlias = func() map[string]string {
	m := make(map[string]string, len(ModeCatalog))
	for _, mode := range ModeCatalog {
		m[modeAliasRe.ReplaceAllString(strings.ToLower(mode), "")] = mode
	}
	return m
}()

// toneModeMap gives each tone its (primary, supporting) mode pair.
var toneModeMap = map[string][2]string{
	ToneDry:        {"Calm/Analytical", "Practical/Solution"},
	ToneFrustrated: {"Supportive/Empathetic", "Resilient/Steady"},
	ToneTired:      {"Nurturing/Caring", "Gentle/Soothing"},
	ToneEnergetic:  {"Enthusiastic/Motivational", "Bold/Decisive"},
	ToneUncertain:  {"Curious/Inquisitive", "Humble/Learning"},
	ToneReflective: {"Reflective/Wise", "Insightful/Perceptive"},
	ToneCreative:   {"Adventurous/Creative", "Creative-Deep"},
	ToneCrisis:     {"Resilient/Steady", "Loyal/Reliable"},
	ToneNeutral:    {"Loyal/Reliable", "Practical/Solution"},
}

func toneModes(toneType string) [2]string {
	if pair, ok := toneModeMap[toneType]; ok {
		return pair
	}
	return toneModeMap[ToneNeutral]
}

// NormalizeModeLabel maps free-form text to a catalog mode, or "".
func NormalizeModeLabel(value string) string {
	raw := modeAliasRe.ReplaceAllString(strings.ToLower(value), "")
	if raw == "" {
		return ""
	}
	return modeAlias[raw]
}

// Mode labels contain "/", so values are split on the other separators
// only.
var modeSplitRe = regexp.MustCompile(`[,;>|]+`)

func extractModes(value string) []string {
	var detected []string
	for _, part := range modeSplitRe.Split(value, -1) {
		mode := NormalizeModeLabel(part)
		if mode == "" {
			continue
		}
		seen := false
		for _, d := range detected {
			if d == mode {
				seen = true
				break
			}
		}
		if !seen {
			detected = append(detected, mode)
		}
	}
	return detected
}

// memoryPreferences flattens the preference entries stored in memory
// meta blocks.
func memoryPreferences(memories []*models.UserMemory) []models.Preference {
	var result []models.Preference
	for _, mem := range memories {
		if mem == nil || mem.Meta == nil {
			continue
		}
		raw, ok := mem.Meta["preferences"].([]any)
		if !ok {
			continue
		}
		for _, item := range raw {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key, _ := entry["key"].(string)
			value, _ := entry["value"].(string)
			confidence, _ := entry["confidence"].(float64)
			evidence, _ := entry["evidence"].(string)
			if key == "" || value == "" {
				continue
			}
			result = append(result, models.Preference{
				Key:        key,
				Value:      value,
				Confidence: confidence,
				Evidence:   evidence,
			})
		}
	}
	return result
}

// memoryFacts flattens the fact entries stored in memory meta blocks.
func memoryFacts(memories []*models.UserMemory) []models.MemoryFact {
	var result []models.MemoryFact
	for _, mem := range memories {
		if mem == nil || mem.Meta == nil {
			continue
		}
		raw, ok := mem.Meta["facts"].([]any)
		if !ok {
			continue
		}
		for _, item := range raw {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key, _ := entry["key"].(string)
			value, _ := entry["value"].(string)
			confidence, _ := entry["confidence"].(float64)
			if key == "" || value == "" {
				continue
			}
			result = append(result, models.MemoryFact{Key: key, Value: value, Confidence: confidence})
		}
	}
	return result
}

var modePreferenceKeys = map[string]bool{
	"persona.mode.primary":    true,
	"persona.mode.supporting": true,
	"persona.mode.last":       true,
	"persona.mode.history":    true,
	"style.mode.primary":      true,
	"style.mode.supporting":   true,
}

// ModeRecall is the recent mode trajectory recovered from profile
// memories and the history tail.
type ModeRecall struct {
	ModeHistory         []string `json:"mode_history"`
	DominantMode        string   `json:"dominant_mode,omitempty"`
	FromMemory          []string `json:"from_memory"`
	InferredFromHistory []string `json:"inferred_from_history"`
}

// RetrieveModes rebuilds the recent mode mix: stored mode preferences
// first, then modes inferred from the last few history turns.
func RetrieveModes(history []Turn, memories []*models.UserMemory) ModeRecall {
	var fromMemory []string
	for _, pref := range memoryPreferences(memories) {
		if !modePreferenceKeys[strings.ToLower(strings.TrimSpace(pref.Key))] {
			continue
		}
		fromMemory = append(fromMemory, extractModes(pref.Value)...)
	}

	var inferred []string
	for _, histText := range historyUserTexts(history, 4) {
		histType, _, histSignals := classifyTone(histText)
		pair := toneModes(histType)
		base := []string{pair[0], pair[1]}
		if histSignals.HumorCues > 0 {
			base = append(base, "Witty/Humorous-lite")
		}
		inferred = append(inferred, base[0])
	}

	fromMemoryTail := tail(fromMemory, 6)
	modeHistory := append(append([]string{}, fromMemoryTail...), tail(inferred, 4)...)
	modeHistory = tail(modeHistory, 8)

	return ModeRecall{
		ModeHistory:         modeHistory,
		DominantMode:        dominantLabel(modeHistory),
		FromMemory:          fromMemoryTail,
		InferredFromHistory: inferred,
	}
}

func tail(values []string, n int) []string {
	if len(values) > n {
		return values[len(values)-n:]
	}
	return values
}

// candidateModes builds the booster-augmented candidate list, capped at
// 6 unique entries.
func candidateModes(toneType string, s Signals) []string {
	pair := toneModes(toneType)
	base := []string{pair[0], pair[1]}
	if s.HumorCues > 0 {
		base = append(base, "Witty/Humorous-lite")
	}
	if s.Uncertainty > 0 {
		base = append(base, "Curious/Inquisitive")
	}
	if s.TrustLanguage > 0 {
		base = append(base, "Loyal/Reliable")
	}
	if s.CreativeCues > 0 {
		base = append(base, "Adventurous/Creative")
	}
	if s.ReflectiveCues > 0 {
		base = append(base, "Insightful/Perceptive")
	}
	if s.TechnicalDensity > 1 {
		base = append(base, "Precision/Verifier")
	}
	if s.Urgency > 0 {
		base = append(base, "Bold/Decisive")
	}

	var result []string
	for _, mode := range base {
		dup := false
		for _, r := range result {
			if r == mode {
				dup = true
				break
			}
		}
		if !dup {
			result = append(result, mode)
		}
	}
	if len(result) > 6 {
		result = result[:6]
	}
	return result
}

// selectModes picks (primary, supporting) from the candidates, slotting
// the dominant recalled mode at position 1.
func selectModes(toneType string, s Signals, recall Recall, modeRecall ModeRecall) (string, string, []string) {
	candidates := candidateModes(toneType, s)
	if modeRecall.DominantMode != "" {
		present := false
		for _, c := range candidates {
			if c == modeRecall.DominantMode {
				present = true
				break
			}
		}
		if !present {
			candidates = append(candidates[:1], append([]string{modeRecall.DominantMode}, candidates[1:]...)...)
		}
	}
	if len(candidates) == 0 {
		pair := toneModeMap[ToneNeutral]
		candidates = []string{pair[0], pair[1]}
	}

	primary := candidates[0]
	supporting := toneModeMap[ToneNeutral][1]
	if len(candidates) > 1 {
		supporting = candidates[1]
	}
	if recall.DetectedShift && supporting == primary {
		supporting = toneModeMap[ToneNeutral][1]
	}
	return primary, supporting, candidates
}
