package intent

import (
	"regexp"
	"strings"
)

// Cue matching works on word tokens instead of regex word boundaries:
// RE2 \b is ASCII-only and never fires next to Cyrillic letters.
var cueWordRe = regexp.MustCompile(`[A-Za-zА-Яа-яЁё0-9'_+-]+`)

func cueWords(text string) []string {
	return cueWordRe.FindAllString(strings.ToLower(text), -1)
}

// actionTokens are single-word command cues that disqualify the fast
// chat path and mark a query as non-informational.
var actionTokens = map[string]bool{
	"напомни": true, "открой": true, "запусти": true, "выполни": true,
	"кликни": true, "нажми": true, "перейди": true, "удали": true,
	"очисти": true, "отправь": true, "оплати": true, "переведи": true,
	"deploy": true, "terminal": true, "браузер": true, "browser": true,
	"file": true, "файл": true,
}

var memoryTokens = map[string]bool{
	"запомни": true, "предпочитаю": true,
}

// hasSeq reports whether words contains the pattern as consecutive
// tokens. "*" matches any single token; a trailing "+" on a pattern
// token makes it a prefix match.
func hasSeq(words []string, pattern ...string) bool {
	if len(pattern) == 0 || len(words) < len(pattern) {
		return false
	}
outer:
	for i := 0; i+len(pattern) <= len(words); i++ {
		for j, p := range pattern {
			word := words[i+j]
			switch {
			case p == "*":
			case strings.HasSuffix(p, "+"):
				if !strings.HasPrefix(word, strings.TrimSuffix(p, "+")) {
					continue outer
				}
			default:
				if word != p {
					continue outer
				}
			}
		}
		return true
	}
	return false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// HasActionCue reports whether the text asks for a concrete action
// (reminders, app/file/browser commands, payments).
func HasActionCue(text string) bool {
	words := cueWords(text)
	for i, w := range words {
		if actionTokens[w] {
			return true
		}
		if strings.HasPrefix(w, "папк") {
			return true
		}
		if w == "через" && i+1 < len(words) && isDigits(words[i+1]) {
			return true
		}
	}
	if hasSeq(words, "создай", "напомин+") {
		return true
	}
	return hasSeq(words, "командн+", "строк+")
}

// HasMemoryCue reports whether the text is an explicit memory command
// or a self-introduction.
func HasMemoryCue(text string) bool {
	words := cueWords(text)
	for _, w := range words {
		if memoryTokens[w] {
			return true
		}
	}
	switch {
	case hasSeq(words, "сохрани", "в", "память"),
		hasSeq(words, "добавь", "в", "память"),
		hasSeq(words, "меня", "зовут"),
		hasSeq(words, "меня", "*", "зовут"),
		hasSeq(words, "мое", "имя"),
		hasSeq(words, "моё", "имя"),
		hasSeq(words, "называй", "меня"),
		hasSeq(words, "remember", "this"),
		hasSeq(words, "my", "name", "is"),
		hasSeq(words, "save", "to", "memory"):
		return true
	}
	return false
}
