package research

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanExtractedTextRejectsCJKNoiseForNonCJKQuery(t *testing.T) {
	noisy := strings.Repeat("你好世界", 80)
	assert.Equal(t, "", cleanExtractedText(noisy, "кто такой кен канеки"))
}

func TestCleanExtractedTextKeepsCJKForCJKQuery(t *testing.T) {
	text := "東京喰種の主人公は金木研です。"
	assert.Equal(t, text, cleanExtractedText(text, "東京喰種 主人公"))
}

func TestCleanExtractedTextDropsGarbageLinesAndCaps(t *testing.T) {
	text := "Полезная строка.\n####!!!!!####\n=====\nЕщё одна строка."
	cleaned := cleanExtractedText(text, "кто такой кен канеки")
	assert.Equal(t, "Полезная строка.\nЕщё одна строка.", cleaned)

	long := strings.Repeat("а", maxExtractChars+500)
	assert.Len(t, []rune(cleanExtractedText(long, "запрос про текст")), maxExtractChars)
}

func TestCleanAnswerMarkdownRemovesNoiseLinesAndDuplicates(t *testing.T) {
	markdown := "Краткий итог: Ответ найден.\n" +
		"####!!!!!####\n" +
		"你好你好你好你好你好\n" +
		"1. Факт A.\n" +
		"1. Факт A.\n" +
		"2. Факт B.\n"

	cleaned := cleanAnswerMarkdown(markdown, "кто такой кен канеки")
	assert.NotContains(t, cleaned, "你好")
	assert.NotContains(t, cleaned, "####!!!!!####")
	assert.Equal(t, 1, strings.Count(cleaned, "1. Факт A."))
	assert.Contains(t, cleaned, "2. Факт B.")
}
