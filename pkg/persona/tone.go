// Package persona turns raw user text into a tone analysis and assembles
// the dynamic system prompt around it: tone type and intensity, mirror
// level, response shape, interaction mode mesh, fast-path eligibility and
// tone-derived profile memory candidates.
package persona

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/astra-local/astra/pkg/models"
)

// Turn is one message of the conversation history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tone types.
const (
	ToneNeutral    = "neutral"
	ToneDry        = "dry"
	ToneFrustrated = "frustrated"
	ToneTired      = "tired"
	ToneEnergetic  = "energetic"
	ToneUncertain  = "uncertain"
	ToneReflective = "reflective"
	ToneCreative   = "creative"
	ToneCrisis     = "crisis"
)

// Response shapes.
const (
	ShapeShortStructured = "short_structured"
	ShapeWarmActionable  = "warm_actionable"
	ShapeHighEnergySteps = "high_energy_steps"
	ShapeDeepReflective  = "deep_reflective"
	ShapeStabilizePlan   = "stabilize_then_plan"
	ShapeBalancedDirect  = "balanced_direct"
)

var (
	profanityTokens = []string{"бля", "блять", "еб", "нах", "заеб", "хер", "пизд", "fuck", "shit"}
	fatigueTokens   = []string{"устал", "устала", "выгорел", "выгорание", "не вывожу", "нет сил", "замотан", "измотан"}
	stressTokens    = []string{"бесит", "достал", "задолбал", "горит", "горю", "заебал", "не могу", "сломалось"}
	dryTokens       = []string{"дай", "формула", "формулу", "кратко", "коротко", "без воды", "шаги", "пункты", "определение", "definition", "just"}
	techTokens      = []string{"код", "python", "js", "javascript", "typescript", "sql", "covariance", "ковариац", "regex", "api", "формул"}
	urgencyTokens   = []string{"срочно", "быстро", "прямо сейчас", "urgent", "asap"}
	uncertainTokens = []string{"не знаю", "не понял", "что делать", "как быть", "сомневаюсь"}
	reflectTokens   = []string{"почему", "смысл", "осознаю", "рефлек", "вспоминая", "как вчера"}
	creativeTokens  = []string{"придумай", "идея", "что если", "brainstorm", "креатив"}
	humorTokens     = []string{"ахах", "лол", "шут", "ирони", "подколи"}
	gratitudeTokens = []string{"спасибо", "благодар", "круто", "класс", "ура", "nice", "great"}
	trustTokens     = []string{"помоги", "выручи", "рассчитываю", "я с тобой", "держи меня"}
	crisisTokens    = []string{"пиздец", "паника", "катастроф", "всё пропало", "аврал"}
	energyTokens    = []string{"погнали", "давай", "огонь", "вперёд", "разъеб"}
	workflowTokens  = []string{"workflow", "воркфло", "граф", "pipeline", "пайплайн", "оркестрац", "stateful"}
	dialogTokens    = []string{"поговор", "диалог", "обсуд", "chat", "conversation", "brainstorm"}
	autonomyTokens  = []string{"autonomy", "автоном", "self-task", "scheduler", "без моего участия"}
	devTaskTokens   = []string{"dev_task", "напиши модуль", "реализ", "feature", "код", "module", "тест"}
	improveTokens   = []string{"self_improve", "self improve", "self-improve", "самоулучш", "feedback loop", "адаптир", "улучши себя"}

	emotionalBlockers = []string{
		"не работает", "ничего не работает", "не вывожу", "нет сил",
		"устал", "устала", "выгорел", "выгорание", "сломалось",
	}
	memoryRecallTokens = []string{"напомни", "помни", "вспомни", "remember"}

	wordRe       = regexp.MustCompile(`[A-Za-zА-Яа-яЁё0-9_+-]+`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Signals are the raw token and punctuation counters the tone ladder is
// built from.
type Signals struct {
	WordCount        int `json:"word_count"`
	Profanity        int `json:"profanity"`
	Fatigue          int `json:"fatigue"`
	Stress           int `json:"stress"`
	DryTask          int `json:"dry_task"`
	TechnicalDensity int `json:"technical_density"`
	Urgency          int `json:"urgency"`
	Uncertainty      int `json:"uncertainty"`
	ReflectiveCues   int `json:"reflective_cues"`
	CreativeCues     int `json:"creative_cues"`
	HumorCues        int `json:"humor_cues"`
	Gratitude        int `json:"gratitude"`
	TrustLanguage    int `json:"trust_language"`
	CrisisCues       int `json:"crisis_cues"`
	WorkflowCues     int `json:"workflow_cues"`
	ConversationCues int `json:"conversation_cues"`
	AutonomyCues     int `json:"autonomy_cues"`
	DevTaskCues      int `json:"dev_task_cues"`
	SelfImproveCues  int `json:"self_improve_cues"`
	PositiveEnergy   int `json:"positive_energy"`
	EnergeticMarkers int `json:"energetic_markers"`
	BrevityRequest   int `json:"brevity_request"`
	DepthRequest     int `json:"depth_request"`
	MemoryCallback   int `json:"memory_callback"`
	Ambiguity        int `json:"ambiguity"`
	Question         int `json:"question"`
	Exclamation      int `json:"exclamation"`
	Uppercase        int `json:"uppercase"`
	Ellipsis         int `json:"ellipsis"`
}

// Recall summarizes the recent history tail relative to the current turn.
type Recall struct {
	HistoryTailTypes   []string `json:"history_tail_types"`
	DominantRecentTone string   `json:"dominant_recent_tone,omitempty"`
	DetectedShift      bool     `json:"detected_shift"`
	SameTypeCount      int      `json:"same_type_count"`
	RecentAvgIntensity float64  `json:"recent_avg_intensity"`
	Trend              string   `json:"trend"`
	FastPathReason     string   `json:"fast_path_reason"`
}

// Analysis is the full tone analysis of one user message.
type Analysis struct {
	Type           string   `json:"type"`
	Intensity      float64  `json:"intensity"`
	MirrorLevel    string   `json:"mirror_level"`
	Signals        Signals  `json:"signals"`
	Recall         Recall   `json:"recall"`
	PrimaryMode    string   `json:"primary_mode"`
	SupportingMode string   `json:"supporting_mode"`
	CandidateModes []string `json:"candidate_modes"`
	ModeHistory    []string `json:"mode_history"`
	ResponseShape  string   `json:"response_shape"`
	Path           string   `json:"path"`
	SimpleQuery    bool     `json:"simple_query"`
	FastPathReason string   `json:"fast_path_reason"`
	SelfReflection string   `json:"self_reflection"`
}

func normalizedText(value string) string {
	lowered := strings.ToLower(strings.TrimSpace(value))
	lowered = strings.ReplaceAll(lowered, "ё", "е")
	return whitespaceRe.ReplaceAllString(lowered, " ")
}

func countTokenHits(text string, tokens []string) int {
	lowered := normalizedText(text)
	if lowered == "" {
		return 0
	}
	n := 0
	for _, token := range tokens {
		if strings.Contains(lowered, token) {
			n++
		}
	}
	return n
}

func containsAny(lowered string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

func signalCounts(text string) Signals {
	words := wordRe.FindAllString(text, -1)
	lowered := normalizedText(text)

	uppercase := 0
	for _, w := range words {
		if len(w) > 2 && w == strings.ToUpper(w) && w != strings.ToLower(w) {
			uppercase++
		}
	}

	s := Signals{
		WordCount:        len(words),
		Profanity:        countTokenHits(text, profanityTokens),
		Fatigue:          countTokenHits(text, fatigueTokens),
		Stress:           countTokenHits(text, stressTokens),
		DryTask:          countTokenHits(text, dryTokens),
		TechnicalDensity: countTokenHits(text, techTokens),
		Urgency:          countTokenHits(text, urgencyTokens),
		Uncertainty:      countTokenHits(text, uncertainTokens),
		ReflectiveCues:   countTokenHits(text, reflectTokens),
		CreativeCues:     countTokenHits(text, creativeTokens),
		HumorCues:        countTokenHits(text, humorTokens),
		Gratitude:        countTokenHits(text, gratitudeTokens),
		TrustLanguage:    countTokenHits(text, trustTokens),
		CrisisCues:       countTokenHits(text, crisisTokens),
		WorkflowCues:     countTokenHits(text, workflowTokens),
		ConversationCues: countTokenHits(text, dialogTokens),
		AutonomyCues:     countTokenHits(text, autonomyTokens),
		DevTaskCues:      countTokenHits(text, devTaskTokens),
		SelfImproveCues:  countTokenHits(text, improveTokens),
		PositiveEnergy:   countTokenHits(text, energyTokens),
		Question:         strings.Count(text, "?"),
		Exclamation:      strings.Count(text, "!"),
		Uppercase:        uppercase,
		Ellipsis:         strings.Count(text, "...") + strings.Count(text, "…"),
	}
	s.EnergeticMarkers = s.PositiveEnergy + s.Exclamation + s.Uppercase
	if strings.Contains(lowered, "кратко") || strings.Contains(lowered, "коротко") || strings.Contains(lowered, "без воды") {
		s.BrevityRequest = 1
	}
	if strings.Contains(lowered, "подроб") || strings.Contains(lowered, "глуб") {
		s.DepthRequest = 1
	}
	if strings.Contains(lowered, "помнишь") || strings.Contains(lowered, "как вчера") {
		s.MemoryCallback = 1
	}
	if len(words) <= 3 && s.Question > 0 {
		s.Ambiguity = 1
	}
	return s
}

func clampIntensity(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// classifyTone runs the tone ladder: crisis, frustrated, tired, dry,
// energetic, uncertain, creative, reflective, tired-light, neutral.
func classifyTone(text string) (string, float64, Signals) {
	s := signalCounts(text)
	wordCount := s.WordCount
	if wordCount < 1 {
		wordCount = 1
	}

	if s.CrisisCues > 0 && (s.Stress > 0 || s.Profanity > 0) {
		return ToneCrisis, clampIntensity(0.74 + float64(s.CrisisCues)*0.1 + float64(s.Profanity)*0.08 + float64(s.Urgency)*0.05), s
	}
	if s.Profanity > 0 || s.Stress >= 2 {
		return ToneFrustrated, clampIntensity(0.62 + float64(s.Profanity)*0.12 + float64(s.Stress)*0.09 + float64(s.Exclamation)*0.03), s
	}
	if s.Fatigue > 0 && s.Stress > 0 {
		return ToneTired, clampIntensity(0.58 + float64(s.Fatigue)*0.08 + float64(s.Stress)*0.06 + float64(s.Ellipsis)*0.03), s
	}

	dryDensity := float64(s.DryTask+s.TechnicalDensity+s.BrevityRequest) / float64(wordCount)
	dryHit := (s.DryTask+s.TechnicalDensity) >= 2 || (s.BrevityRequest > 0 && s.WordCount <= 12)
	if dryHit && s.Exclamation == 0 && s.HumorCues == 0 {
		return ToneDry, clampIntensity(0.5 + dryDensity*2.2), s
	}

	if s.EnergeticMarkers >= 3 || s.PositiveEnergy >= 1 {
		return ToneEnergetic, clampIntensity(0.5 + float64(s.PositiveEnergy)*0.12 + float64(s.Exclamation)*0.05 + float64(s.Uppercase)*0.03), s
	}
	if s.Uncertainty > 0 && s.ReflectiveCues == 0 {
		return ToneUncertain, clampIntensity(0.46 + float64(s.Uncertainty)*0.1 + float64(s.Question)*0.03), s
	}
	if s.CreativeCues > 0 {
		return ToneCreative, clampIntensity(0.45 + float64(s.CreativeCues)*0.1 + float64(s.PositiveEnergy)*0.04), s
	}
	if s.ReflectiveCues > 0 {
		return ToneReflective, clampIntensity(0.44 + float64(s.ReflectiveCues)*0.08 + float64(s.Question)*0.03), s
	}
	if s.Fatigue > 0 {
		return ToneTired, clampIntensity(0.45 + float64(s.Fatigue)*0.08), s
	}
	return ToneNeutral, 0.34, s
}

func historyUserTexts(history []Turn, limit int) []string {
	var texts []string
	for _, turn := range history {
		if turn.Role != "user" {
			continue
		}
		if content := strings.TrimSpace(turn.Content); content != "" {
			texts = append(texts, content)
		}
	}
	if len(texts) > limit {
		texts = texts[len(texts)-limit:]
	}
	return texts
}

func dominantLabel(values []string) string {
	if len(values) == 0 {
		return ""
	}
	counts := make(map[string]int)
	for _, v := range values {
		counts[v]++
	}
	best := ""
	for label, count := range counts {
		if best == "" || count > counts[best] || (count == counts[best] && label < best) {
			best = label
		}
	}
	return best
}

func mirrorLevel(toneType string, intensity float64) string {
	switch {
	case toneType == ToneDry:
		return "low"
	case (toneType == ToneFrustrated || toneType == ToneCrisis || toneType == ToneEnergetic) && intensity >= 0.65:
		return "high"
	default:
		return "medium"
	}
}

func responseShape(toneType string, s Signals) string {
	switch toneType {
	case ToneDry:
		return ShapeShortStructured
	case ToneFrustrated, ToneTired:
		return ShapeWarmActionable
	case ToneEnergetic:
		return ShapeHighEnergySteps
	case ToneReflective:
		return ShapeDeepReflective
	case ToneCrisis:
		return ShapeStabilizePlan
	}
	if s.DepthRequest > 0 {
		return ShapeDeepReflective
	}
	return ShapeBalancedDirect
}

func advancedRoute(s Signals) bool {
	return s.WorkflowCues > 0 || s.ConversationCues > 0 || s.AutonomyCues > 0 ||
		s.DevTaskCues > 0 || s.SelfImproveCues > 0
}

// fastPathEligible checks the simple-query gate in its fixed order and
// returns the first rejection reason, or short_dry_simple on pass.
func fastPathEligible(text, toneType string, s Signals) (bool, string) {
	normalized := strings.TrimSpace(text)
	lowered := normalizedText(normalized)
	if normalized == "" {
		return false, "empty"
	}
	if toneType == ToneFrustrated || toneType == ToneCrisis || toneType == ToneTired {
		return false, "emotional_tone"
	}
	if s.Fatigue > 0 {
		return false, "fatigue"
	}
	if containsAny(lowered, emotionalBlockers) {
		return false, "emotional_keyword"
	}
	if advancedRoute(s) {
		return false, "advanced_route"
	}
	if len([]rune(normalized)) > 50 {
		return false, "length"
	}
	if s.WordCount > 10 {
		return false, "word_count"
	}
	if s.Profanity > 0 || s.Stress > 0 {
		return false, "stress_or_profanity"
	}
	if s.Urgency > 0 || s.CrisisCues > 0 {
		return false, "urgency_or_crisis"
	}
	if containsAny(lowered, memoryRecallTokens) {
		return false, "memory_recall"
	}
	if s.Question > 1 {
		return false, "multi_question"
	}
	if s.ReflectiveCues > 0 || s.CreativeCues > 0 {
		return false, "deep_dialog"
	}
	return true, "short_dry_simple"
}

func selfReflectionText(toneType string, intensity float64, recall Recall, primary, supporting string, s Signals) string {
	shift := "tone stable"
	if recall.DetectedShift {
		shift = "shift detected"
	}
	pace := "normal pace"
	if s.Urgency > 0 {
		pace = "urgent"
	}
	return fmt.Sprintf(
		"Self-reflection: tone=%s intensity=%.2f; %s; pace=%s; mode_mix=%s + %s; "+
			"compose answer with full improvisation via self-reflection and no canned opener.",
		toneType, intensity, shift, pace, primary, supporting,
	)
}

// Analyze classifies the tone of one user message against its history
// and memory profile.
func Analyze(userMsg string, history []Turn, memories []*models.UserMemory) *Analysis {
	text := strings.TrimSpace(userMsg)
	toneType, intensity, signals := classifyTone(text)
	simpleQuery, fastPathReason := fastPathEligible(text, toneType, signals)

	var historyTypes []string
	var historyIntensities []float64
	for _, histText := range historyUserTexts(history, 8) {
		histType, histIntensity, _ := classifyTone(histText)
		historyTypes = append(historyTypes, histType)
		historyIntensities = append(historyIntensities, histIntensity)
	}

	dominantRecent := dominantLabel(historyTypes)
	sameTypeCount := 0
	for _, t := range historyTypes {
		if t == toneType {
			sameTypeCount++
		}
	}
	recentAvg := 0.0
	if len(historyIntensities) > 0 {
		sum := 0.0
		for _, v := range historyIntensities {
			sum += v
		}
		recentAvg = sum / float64(len(historyIntensities))
	}
	detectedShift := dominantRecent != "" && dominantRecent != toneType && intensity >= 0.42

	trend := "steady"
	if len(historyIntensities) > 0 {
		switch {
		case intensity > recentAvg+0.14:
			trend = "rising"
		case intensity < recentAvg-0.14:
			trend = "cooling"
		}
	}

	recall := Recall{
		HistoryTailTypes:   historyTypes,
		DominantRecentTone: dominantRecent,
		DetectedShift:      detectedShift,
		SameTypeCount:      sameTypeCount,
		RecentAvgIntensity: recentAvg,
		Trend:              trend,
		FastPathReason:     fastPathReason,
	}

	modeRecall := RetrieveModes(history, memories)
	primary, supporting, candidates := selectModes(toneType, signals, recall, modeRecall)
	shape := responseShape(toneType, signals)

	path := "full"
	if simpleQuery {
		path = "fast"
	}

	a := &Analysis{
		Type:           toneType,
		Intensity:      intensity,
		MirrorLevel:    mirrorLevel(toneType, intensity),
		Signals:        signals,
		Recall:         recall,
		PrimaryMode:    primary,
		SupportingMode: supporting,
		CandidateModes: candidates,
		ModeHistory:    modeRecall.ModeHistory,
		ResponseShape:  shape,
		Path:           path,
		SimpleQuery:    simpleQuery,
		FastPathReason: fastPathReason,
	}
	a.SelfReflection = selfReflectionText(toneType, intensity, recall, primary, supporting, signals)
	return a
}
