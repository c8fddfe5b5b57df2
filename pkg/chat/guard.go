package chat

import (
	"fmt"
	"regexp"
	"strings"
)

// Soft-retry reasons, checked in this fixed order.
const (
	reasonUnwantedPrefix     = "unwanted_prefix"
	reasonRuLanguageMismatch = "ru_language_mismatch"
	reasonOffTopic           = "off_topic"
	reasonTruncated          = "truncated"
)

// Retry prompts appended as a corrective user turn.
const (
	softRetryPromptDefault = "Продолжи ответ точно по запросу владельца, полностью и без добавлений."
	softRetryPromptLangRu  = "Перепиши ответ полностью на русском языке, строго по запросу владельца, без добавлений и без английских вставок."
	softRetryPromptOffTop  = "Ответ не по теме. Ответь строго на вопрос владельца, по существу, без смены темы и без лишних отступлений."
)

var unwantedPrefixes = []string{
	"как ии", "как ai", "как языков", "извините",
	"я не могу", "я не должен", "против правил", "это нарушает",
	"согласно политике", "ограничения безопасности",
}

var (
	cyrillicRe       = regexp.MustCompile(`[А-Яа-яЁё]`)
	relevanceTokenRe = regexp.MustCompile(`[A-Za-zА-Яа-яЁё0-9]+`)
)

// Word-level sets. RE2 has no usable \b next to Cyrillic, so membership
// is checked on tokenized text instead of with boundary regexes.
var (
	firstPersonTokens = map[string]bool{
		"я": true, "мне": true, "меня": true, "мой": true,
		"моя": true, "моё": true, "мои": true, "мною": true,
	}
	narrativeTokens = map[string]bool{
		"был": true, "была": true, "было": true, "попал": true, "попала": true,
		"пришел": true, "пришла": true, "думал": true, "думала": true,
		"вспомнил": true, "вспомнила": true, "расскажу": true,
	}
	relevanceStopwords = map[string]bool{
		"как": true, "что": true, "это": true, "где": true, "когда": true,
		"почему": true, "зачем": true, "или": true, "и": true, "а": true,
		"но": true, "же": true, "ли": true, "по": true, "на": true, "в": true,
		"с": true, "к": true, "из": true, "о": true, "об": true, "для": true,
		"про": true, "у": true, "от": true, "до": true,
		"the": true, "and": true, "or": true, "for": true, "with": true,
		"from": true, "into": true, "about": true, "this": true, "that": true,
		"what": true, "how": true,
	}
	topicAnchorExclude = map[string]bool{
		"пытали": true, "пытать": true, "пытался": true, "пыталась": true,
		"сюжет": true, "история": true, "знаешь": true, "знаете": true,
		"объясни": true, "объяснить": true, "расскажи": true, "рассказать": true,
		"сделай": true, "сделать": true, "можно": true, "нужно": true,
		"помоги": true, "помочь": true,
		"why": true, "how": true, "what": true, "explain": true,
		"tell": true, "help": true,
	}
)

func relevanceTokens(text string) []string {
	return relevanceTokenRe.FindAllString(strings.ToLower(text), -1)
}

func hasTokenFrom(text string, set map[string]bool) bool {
	for _, token := range relevanceTokens(text) {
		if set[token] {
			return true
		}
	}
	return false
}

func hasUnwantedPrefix(text string) bool {
	lowered := strings.ToLower(strings.TrimSpace(text))
	for _, prefix := range unwantedPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			return true
		}
	}
	return false
}

func isRuLanguageMismatch(userText, responseText string) bool {
	if strings.TrimSpace(userText) == "" || strings.TrimSpace(responseText) == "" {
		return false
	}
	if !cyrillicRe.MatchString(userText) {
		return false
	}
	return !cyrillicRe.MatchString(responseText)
}

// queryFocusTokens picks the first `limit` distinct content tokens of
// the query, dropping short tokens and stopwords.
func queryFocusTokens(text string, limit int) []string {
	var focus []string
	seen := make(map[string]bool)
	for _, token := range relevanceTokens(text) {
		if len([]rune(token)) < 3 || relevanceStopwords[token] {
			continue
		}
		if seen[token] {
			continue
		}
		seen[token] = true
		focus = append(focus, token)
		if len(focus) >= limit {
			break
		}
	}
	return focus
}

// focusOverlapCount counts focus tokens present in the response, either
// verbatim or as a shared 5-rune stem with a long response token.
func focusOverlapCount(focus, responseTokens []string) int {
	if len(focus) == 0 || len(responseTokens) == 0 {
		return 0
	}
	responseSet := make(map[string]bool, len(responseTokens))
	var longTokens []string
	for _, token := range responseTokens {
		if responseSet[token] {
			continue
		}
		responseSet[token] = true
		if len([]rune(token)) >= 5 {
			longTokens = append(longTokens, token)
		}
	}
	overlap := 0
	for _, token := range focus {
		if responseSet[token] {
			overlap++
			continue
		}
		runes := []rune(token)
		if len(runes) < 5 {
			continue
		}
		stem := string(runes[:5])
		for _, long := range longTokens {
			if strings.HasPrefix(long, stem) {
				overlap++
				break
			}
		}
	}
	return overlap
}

func topicAnchorTokens(focus []string) []string {
	var anchors []string
	for _, token := range focus {
		if !topicAnchorExclude[token] {
			anchors = append(anchors, token)
		}
	}
	return anchors
}

// isLikelyOffTopic flags responses that ignore the topic of the query.
// Anchor tokens (focus minus generic ask-words) get the strictest
// treatment because they carry the actual subject.
func isLikelyOffTopic(userText, responseText string) bool {
	if strings.TrimSpace(userText) == "" || strings.TrimSpace(responseText) == "" {
		return false
	}
	focus := queryFocusTokens(userText, 8)
	if len(focus) < 2 {
		return false
	}
	responseTokens := relevanceTokens(responseText)
	overlap := focusOverlapCount(focus, responseTokens)
	queryWords := len(strings.Fields(userText))

	anchors := topicAnchorTokens(focus)
	if len(anchors) >= 2 {
		anchorOverlap := focusOverlapCount(anchors, responseTokens)
		if anchorOverlap == 0 {
			return true
		}
		if len(anchors) >= 3 && queryWords <= 20 && anchorOverlap <= 1 {
			return true
		}
		var critical []string
		for _, token := range anchors {
			if len([]rune(token)) >= 6 {
				critical = append(critical, token)
			}
		}
		if len(critical) > 0 && focusOverlapCount(critical, responseTokens) == 0 {
			return true
		}
		if len(critical) >= 2 {
			criticalOverlap := focusOverlapCount(critical, responseTokens)
			if criticalOverlap <= len(critical)-1 && queryWords <= 20 {
				return true
			}
		}
	}
	if overlap == 0 {
		return true
	}
	return len(focus) >= 4 && queryWords <= 16 && overlap <= 1
}

// IsLikelyOffTopic reports whether a text ignores the topic of the
// query. The web research skill reuses it to filter fetched sources.
func IsLikelyOffTopic(userText, responseText string) bool {
	return isLikelyOffTopic(userText, responseText)
}

// isUnpromptedFirstPersonNarrative detects the model telling a story
// about itself when the user never spoke in first person.
func isUnpromptedFirstPersonNarrative(userText, responseText string) bool {
	if strings.TrimSpace(responseText) == "" {
		return false
	}
	if hasTokenFrom(userText, firstPersonTokens) {
		return false
	}
	if !hasTokenFrom(responseText, firstPersonTokens) {
		return false
	}
	return hasTokenFrom(responseText, narrativeTokens)
}

func isLikelyTruncated(text string) bool {
	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return true
	}
	for _, suffix := range []string{"...", "…", ":", ";", ",", "(", "[", "{", "—", "-"} {
		if strings.HasSuffix(stripped, suffix) {
			return true
		}
	}
	return strings.Count(stripped, "```")%2 == 1
}

// softRetryReason classifies a draft response, returning "" when it
// passes every guard.
func softRetryReason(userText, text string) string {
	switch {
	case hasUnwantedPrefix(text):
		return reasonUnwantedPrefix
	case isRuLanguageMismatch(userText, text):
		return reasonRuLanguageMismatch
	case isUnpromptedFirstPersonNarrative(userText, text):
		return reasonOffTopic
	case isLikelyOffTopic(userText, text):
		return reasonOffTopic
	case isLikelyTruncated(text):
		return reasonTruncated
	}
	return ""
}

func softRetryPrompt(reason string) string {
	switch reason {
	case reasonRuLanguageMismatch:
		return softRetryPromptLangRu
	case reasonOffTopic:
		return softRetryPromptOffTop
	}
	return softRetryPromptDefault
}

// offTopicGuardText is the last-resort answer when every off-topic
// remediation failed.
func offTopicGuardText(userText string) string {
	query := strings.Join(strings.Fields(userText), " ")
	if query == "" {
		return "Ответ ушёл от темы. Повтори вопрос одним предложением, отвечу строго по сути."
	}
	return fmt.Sprintf(
		"Понял запрос: «%s». Предыдущий ответ вышел не по теме. Могу дать короткий или подробный ответ строго по этому вопросу.",
		query,
	)
}

// ResilienceText maps a brain failure code to the degraded answer shown
// to the user.
func ResilienceText(errorType string) string {
	switch errorType {
	case "budget_exceeded":
		return "Лимит обращений к модели исчерпан для этого запуска. Попробуй ещё раз чуть позже."
	case "missing_api_key":
		return "Облачная модель недоступна: не задан OPENAI_API_KEY."
	case "llm_call_failed", "model_not_found", "http_error", "connection_error", "invalid_json", "chat_empty_response":
		return "Локальная модель сейчас недоступна. Проверь Ollama и выбранную модель, затем повтори запрос."
	}
	return "Не удалось получить ответ модели. Повтори запрос."
}
