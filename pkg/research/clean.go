package research

import (
	"strings"
	"unicode"
)

// maxExtractChars caps the cleaned text kept per fetched page.
const maxExtractChars = 6000

func isCJKRune(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

func containsCJK(text string) bool {
	for _, r := range text {
		if isCJKRune(r) {
			return true
		}
	}
	return false
}

// cjkShare is the fraction of letter runes that are CJK.
func cjkShare(text string) float64 {
	letters, cjk := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if isCJKRune(r) {
			cjk++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(cjk) / float64(letters)
}

// isGarbageLine matches delimiter junk: four or more characters with no
// letter or digit among them.
func isGarbageLine(line string) bool {
	if len([]rune(line)) < 4 {
		return false
	}
	for _, r := range line {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// cleanExtractedText filters a fetched page down to usable prose. For a
// non-CJK query, lines dominated by CJK characters are scraper noise and
// get dropped entirely.
func cleanExtractedText(text, query string) string {
	queryCJK := containsCJK(query)
	var kept []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isGarbageLine(line) {
			continue
		}
		if !queryCJK && cjkShare(line) > 0.3 {
			continue
		}
		kept = append(kept, line)
	}
	cleaned := strings.Join(kept, "\n")
	runes := []rune(cleaned)
	if len(runes) > maxExtractChars {
		cleaned = string(runes[:maxExtractChars])
	}
	return strings.TrimSpace(cleaned)
}

// cleanAnswerMarkdown post-processes the composed answer: noise lines
// and CJK leakage go, exact duplicate content lines collapse to one.
func cleanAnswerMarkdown(markdown, query string) string {
	queryCJK := containsCJK(query)
	seen := make(map[string]bool)
	var kept []string
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(kept) > 0 && kept[len(kept)-1] != "" {
				kept = append(kept, "")
			}
			continue
		}
		if isGarbageLine(trimmed) {
			continue
		}
		if !queryCJK && cjkShare(trimmed) > 0.3 {
			continue
		}
		if seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		kept = append(kept, trimmed)
	}
	for len(kept) > 0 && kept[len(kept)-1] == "" {
		kept = kept[:len(kept)-1]
	}
	return strings.Join(kept, "\n")
}
