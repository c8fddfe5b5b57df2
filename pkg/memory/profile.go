package memory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/astra-local/astra/pkg/models"
)

var (
	shortBrevityValues = map[string]bool{
		"short": true, "brief": true, "compact": true,
		"кратко": true, "коротко": true, "сжато": true,
	}
	strictToneValues = map[string]bool{
		"strict": true, "formal": true, "business": true,
		"строго": true, "строгий": true, "формально": true, "формальный": true,
		"деловой": true, "официальный": true, "официально": true,
		"сухой": true, "сухо": true,
	}
	friendlyToneValues = map[string]bool{
		"friendly": true, "warm": true, "casual": true,
		"дружелюбно": true, "дружелюбный": true, "дружественно": true,
		"тепло": true, "мягко": true, "по-дружески": true,
	}
)

var valueSpaceRe = regexp.MustCompile(`\s+`)

// StyleHintFromPreference maps one stored (key, value) preference to a
// Russian prompt directive, or "" when the key carries no style meaning.
func StyleHintFromPreference(key, value string) string {
	keyNorm := strings.ToLower(strings.TrimSpace(key))
	valueClean := strings.TrimSpace(value)
	if valueClean == "" {
		return ""
	}
	valueNorm := valueSpaceRe.ReplaceAllString(
		strings.ReplaceAll(strings.ToLower(valueClean), "ё", "е"), " ")

	switch keyNorm {
	case "style.brevity":
		if shortBrevityValues[valueNorm] {
			return "Отвечай коротко и по делу."
		}
		return fmt.Sprintf("Уровень краткости: %s.", valueClean)
	case "style.tone":
		switch {
		case strictToneValues[valueNorm]:
			return "Стиль: строгий и точный, без лишней разговорности."
		case friendlyToneValues[valueNorm]:
			return "Стиль: дружелюбный и поддерживающий."
		case valueNorm == "supportive-direct":
			return "Тон ответа: поддерживающий и прямой."
		case valueNorm == "calm-supportive":
			return "Тон ответа: спокойный и поддерживающий."
		case valueNorm == "energetic-direct":
			return "Тон ответа: энергичный и прямой."
		}
		return fmt.Sprintf("Тон ответа: %s.", valueClean)
	case "style.mirror_level":
		switch valueNorm {
		case "low":
			return "Зеркалинг минимальный: акцент на точность."
		case "high":
			return "Зеркалинг высокий: адаптируй ритм и лексику."
		case "medium":
			return "Зеркалинг умеренный: деловой и человечный баланс."
		}
		return ""
	case "user.addressing.preference":
		return fmt.Sprintf("Формат обращения к пользователю: %s.", valueClean)
	case "response.format":
		return fmt.Sprintf("Формат ответа: %s.", valueClean)
	}
	return ""
}

func summaryOrContent(mem *models.UserMemory) string {
	if mem == nil {
		return ""
	}
	if mem.Meta != nil {
		if summary, ok := mem.Meta["summary"].(string); ok && strings.TrimSpace(summary) != "" {
			return strings.TrimSpace(summary)
		}
	}
	if strings.TrimSpace(mem.Content) != "" {
		return strings.TrimSpace(mem.Content)
	}
	return strings.TrimSpace(mem.Title)
}

// BuildProfileBlock renders the newest memories as a bounded bullet
// list for prompt and dump contexts. Empty when nothing is stored.
func BuildProfileBlock(memories []*models.UserMemory, maxItems, maxChars int) string {
	var lines []string
	total := 0
	for i, mem := range memories {
		if i >= maxItems {
			break
		}
		content := summaryOrContent(mem)
		if content == "" {
			continue
		}
		content = strings.Join(strings.Fields(content), " ")
		if runes := []rune(content); len(runes) > 220 {
			content = string(runes[:217]) + "..."
		}
		line := "- " + content
		if total+len([]rune(line))+1 > maxChars {
			break
		}
		lines = append(lines, line)
		total += len([]rune(line)) + 1
	}
	return strings.Join(lines, "\n")
}

// BuildDumpResponse is the answer to "what do you remember about me".
func BuildDumpResponse(memories []*models.UserMemory) string {
	block := BuildProfileBlock(memories, 20, 1500)
	if block == "" {
		return "Пока ничего не помню о тебе. Можешь рассказать, как тебя называть или как тебе удобнее отвечать."
	}
	return "Вот что я помню о тебе:\n" + block
}

// ProfileStyleHints collects up to limit unique style directives from
// the stored preference entries.
func ProfileStyleHints(memories []*models.UserMemory, limit int) []string {
	var hints []string
	seen := make(map[string]bool)
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
			hint := StyleHintFromPreference(key, value)
			if hint == "" || seen[hint] {
				continue
			}
			seen[hint] = true
			hints = append(hints, hint)
			if len(hints) >= limit {
				return hints
			}
		}
	}
	return hints
}
