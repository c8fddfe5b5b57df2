package persona

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/astra-local/astra/pkg/config"
	"github.com/astra-local/astra/pkg/models"
)

//go:embed prompts/*.md
var promptFS embed.FS

func promptModule(name string) string {
	data, err := promptFS.ReadFile("prompts/" + name + ".md")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Builder assembles the dynamic system prompt around a tone analysis.
type Builder struct {
	cfg *config.PersonaConfig
}

// NewBuilder creates a prompt builder with the given caps.
func NewBuilder(cfg *config.PersonaConfig) *Builder {
	if cfg == nil {
		cfg = config.DefaultPersonaConfig()
	}
	return &Builder{cfg: cfg}
}

// compactText squeezes whitespace and truncates to limit runes with an
// ellipsis marker.
func compactText(value string, limit int) string {
	text := whitespaceRe.ReplaceAllString(strings.TrimSpace(value), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return strings.TrimRight(string(runes[:limit-1]), " ") + "…"
}

// compactMultiline keeps whole leading lines up to the limit, marking
// the cut with an ellipsis line.
func compactMultiline(value string, limit int) string {
	text := strings.TrimSpace(value)
	if len([]rune(text)) <= limit {
		return text
	}
	var lines []string
	consumed := 0
	for _, rawLine := range strings.Split(text, "\n") {
		line := strings.TrimRight(rawLine, " \t")
		chunk := len([]rune(line)) + 1
		if consumed+chunk > limit-2 {
			break
		}
		lines = append(lines, line)
		consumed += chunk
	}
	if len(lines) == 0 {
		runes := []rune(text)
		return strings.TrimRight(string(runes[:limit-1]), " ") + "…"
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n") + "\n…"
}

// profileContext is what the memory profile contributes to the prompt.
type profileContext struct {
	block      string
	styleHints []string
	userName   string
}

func buildProfileContext(memories []*models.UserMemory) profileContext {
	var ctx profileContext
	var lines []string
	for _, mem := range memories {
		if mem == nil {
			continue
		}
		content := compactText(mem.Content, 160)
		if content == "" {
			continue
		}
		if mem.Title != "" {
			lines = append(lines, fmt.Sprintf("- %s: %s", mem.Title, content))
		} else {
			lines = append(lines, "- "+content)
		}
		if len(lines) >= 8 {
			break
		}
	}
	ctx.block = strings.Join(lines, "\n")

	for _, fact := range memoryFacts(memories) {
		if strings.EqualFold(strings.TrimSpace(fact.Key), "user.name") && ctx.userName == "" {
			ctx.userName = strings.TrimSpace(fact.Value)
		}
	}
	for _, pref := range memoryPreferences(memories) {
		key := strings.ToLower(strings.TrimSpace(pref.Key))
		switch {
		case key == "user.name":
			if ctx.userName == "" {
				ctx.userName = strings.TrimSpace(pref.Value)
			}
		case strings.HasPrefix(key, "style."):
			ctx.styleHints = append(ctx.styleHints, fmt.Sprintf("%s=%s.", key, pref.Value))
		}
	}
	if ctx.userName == "" {
		for _, mem := range memories {
			if mem == nil {
				continue
			}
			if match := userNameRe.FindStringSubmatch(mem.Content); match != nil {
				ctx.userName = strings.TrimSpace(match[1])
				break
			}
		}
	}
	return ctx
}

var userNameRe = regexp.MustCompile(`(?i)имя пользователя:\s*([A-Za-zА-Яа-яЁё-]{2,})`)

func runtimeAnalysisJSON(a *Analysis) string {
	compact := map[string]any{
		"type":            a.Type,
		"intensity":       a.Intensity,
		"mirror_level":    a.MirrorLevel,
		"path":            a.Path,
		"response_shape":  a.ResponseShape,
		"primary_mode":    a.PrimaryMode,
		"supporting_mode": a.SupportingMode,
		"recall": map[string]any{
			"trend":            a.Recall.Trend,
			"detected_shift":   a.Recall.DetectedShift,
			"fast_path_reason": a.Recall.FastPathReason,
		},
		"self_reflection": compactText(a.SelfReflection, 420),
	}
	raw, err := json.MarshalIndent(compact, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// runtimeDirectives are the Russian behavioral instructions derived from
// the analysis.
func runtimeDirectives(a *Analysis) []string {
	directives := []string{
		"Режим: живой инженерный ассистент без канцелярита и без автозаготовок.",
		"Запрещены стартовые шаблоны и бот-мета формулировки.",
		fmt.Sprintf("Mode mesh сейчас: primary=%s, supporting=%s.", a.PrimaryMode, a.SupportingMode),
		fmt.Sprintf("Форма ответа: %s.", a.ResponseShape),
		"Применяй full improvisation via self-reflection перед отправкой.",
	}

	switch a.Type {
	case ToneDry:
		directives = append(directives,
			"Сначала суть/формула, потом короткие шаги.",
			"Минимум эмоциональных вставок.",
		)
	case ToneFrustrated, ToneCrisis:
		directives = append(directives,
			"Коротко валидируй состояние и сразу веди к действию.",
			"Не копируй токсичность дословно; удерживай контрольный полезный тон.",
		)
	case ToneTired:
		directives = append(directives,
			"Спокойный темп и мягкая плотная подача.",
			"Не перегружай длинными списками.",
		)
	case ToneEnergetic:
		directives = append(directives,
			"Держи быстрый ритм и конкретику.",
			"Используй энергичный, но дисциплинированный тон.",
		)
	case ToneReflective:
		directives = append(directives, "Добавь смысловую глубину и аккуратные выводы без морализаторства.")
	case ToneCreative:
		directives = append(directives, "Разрешены нестандартные идеи при сохранении прикладной пользы.")
	}

	switch a.MirrorLevel {
	case "low":
		directives = append(directives, "Зеркалинг low: акцент на ясность и точность.")
	case "high":
		directives = append(directives, "Зеркалинг high: ритм и энергия синхронизированы с пользователем.")
	default:
		directives = append(directives, "Зеркалинг medium: баланс формальности и человечности.")
	}

	if a.Recall.DetectedShift {
		directives = append(directives, "Обязательно добавь мягкий transition между состояниями диалога.")
	}
	if a.Intensity >= 0.85 {
		directives = append(directives, "Сократи разгон: максимум одна вводная фраза до полезной части.")
	}
	directives = append(directives,
		"Локальный приватный режим: максимальная практическая полезность без пустых отказных клише, но без обхода защит и без вредоносных инструкций.")
	return directives
}

// applyVariation appends the [Variation Runtime] block.
func applyVariation(prompt string, a *Analysis) string {
	lines := []string{
		"Принцип генерации: full improvisation via self-reflection.",
		fmt.Sprintf("Tone=%s; mirror_level=%s; response_shape=%s.", a.Type, a.MirrorLevel, a.ResponseShape),
		fmt.Sprintf("Mode mix в ответе: %s + %s.", a.PrimaryMode, a.SupportingMode),
		"Варьируй opening/cadence/lexicon и не повторяй соседний ритм ответа.",
		"Если не уникально звучит, переформулируй до прохождения improvisation-check.",
		"Не копируй буквально примеры и не используй canned transitions.",
	}
	if a.Recall.DetectedShift {
		lines = append(lines, "Добавь естественный bridge между прошлым и текущим состоянием пользователя.")
	}
	switch a.Type {
	case ToneDry:
		lines = append(lines, "Вариативность сохраняется, но компактность обязательна.")
	case ToneFrustrated, ToneTired, ToneCrisis:
		lines = append(lines, "Сначала человечная опора, затем сразу actionable помощь.")
	}
	return prompt + "\n\n[Variation Runtime]\n- " + strings.Join(lines, "\n- ")
}

// Build assembles the system prompt for one chat turn. A nil analysis is
// computed from the message and history.
func (b *Builder) Build(userMessage string, history []Turn, memories []*models.UserMemory, styleHint string, analysis *Analysis) (string, *Analysis) {
	if analysis == nil {
		analysis = Analyze(userMessage, history, memories)
	}
	profile := buildProfileContext(memories)

	coreIdentity := compactMultiline(promptModule("core_identity"), b.cfg.CoreIdentityCap)

	profileLines := "Профиль пользователя: пусто."
	if profile.block != "" {
		profileLines = "Профиль пользователя:\n" + profile.block
	}

	if analysis.Path == "fast" {
		runtimeLines := []string{
			"Fast path: ON (simple dry/short query).",
			"Skip mods/reflection/variation for lower latency.",
			"Rule retained: full improvisation via self-reflection.",
		}
		if profile.userName != "" {
			runtimeLines = append(runtimeLines, fmt.Sprintf("Имя пользователя: %s.", profile.userName))
		}
		if len(profile.styleHints) > 0 {
			hints := profile.styleHints
			if len(hints) > 3 {
				hints = hints[:3]
			}
			runtimeLines = append(runtimeLines, "Стиль из long-term профиля: "+strings.Join(hints, " "))
		}
		prompt := strings.Join([]string{
			"[Core Identity]\n" + coreIdentity,
			"[Fast Path Runtime]\n- " + strings.Join(runtimeLines, "\n- "),
			"[Profile Recall]\n" + profileLines,
			"[Fast Path Directives]\n" +
				"- Direct answer only: no templates, no canned opener.\n" +
				"- Maintain full improvisation via self-reflection even in compact mode.\n" +
				"- If user tone becomes frustrated/crisis, switch to full path with warm mirror immediately.",
		}, "\n\n")
		return prompt, analysis
	}

	tonePipeline := compactMultiline(promptModule("tone_pipeline"), b.cfg.TonePipelineCap)
	variationRules := compactMultiline(promptModule("variation_rules"), b.cfg.VariationRulesCap)

	modeLines := []string{
		fmt.Sprintf("Dominant mode from recall: %s.", orNone(dominantLabel(analysis.ModeHistory))),
		fmt.Sprintf("Recent mode history: %s.", orEmptyList(analysis.ModeHistory)),
	}

	runtimeLines := []string{
		"Self-reflection trace: " + analysis.SelfReflection,
	}
	if profile.userName != "" {
		runtimeLines = append(runtimeLines, fmt.Sprintf("Имя пользователя: %s.", profile.userName))
	}
	if styleHint != "" {
		runtimeLines = append(runtimeLines, "Явная стилевая подсказка: "+compactText(styleHint, 260))
	}
	if len(profile.styleHints) > 0 {
		hints := profile.styleHints
		if len(hints) > 4 {
			hints = hints[:4]
		}
		runtimeLines = append(runtimeLines, "Стиль из long-term профиля: "+strings.Join(hints, " "))
	}

	blocks := []string{
		"[Core Identity]\n" + coreIdentity,
		"[Tone Pipeline]\n" + tonePipeline,
		"[Variation Rules]\n" + variationRules,
		"[Runtime Analysis]\n" + runtimeAnalysisJSON(analysis),
		"[Runtime Directives]\n- " + strings.Join(runtimeDirectives(analysis), "\n- "),
		"[Mode Recall]\n- " + strings.Join(modeLines, "\n- "),
		"[Profile Recall]\n- " + strings.Join(runtimeLines, "\n- ") + "\n" + profileLines,
	}
	prompt := strings.Join(enforceTotalCap(blocks, b.cfg.TotalCap), "\n\n")
	return applyVariation(prompt, analysis), analysis
}

// blockFloor is the smallest size a block may be squeezed to; below that
// a header plus an ellipsis line says nothing useful.
const blockFloor = 80

// enforceTotalCap shrinks the largest block until the joined prompt fits
// the total cap. Headers stay intact and small blocks, the directive
// ones included, survive untouched.
func enforceTotalCap(blocks []string, limit int) []string {
	total := func() int {
		n := 0
		for _, block := range blocks {
			n += len([]rune(block)) + 2
		}
		return n - 2
	}

	exhausted := make(map[int]bool)
	for total() > limit {
		largest := -1
		for i, block := range blocks {
			if exhausted[i] || len([]rune(block)) <= blockFloor {
				continue
			}
			if largest == -1 || len([]rune(block)) > len([]rune(blocks[largest])) {
				largest = i
			}
		}
		if largest == -1 {
			break
		}

		size := len([]rune(blocks[largest]))
		target := size - (total() - limit)
		if target < blockFloor {
			target = blockFloor
		}
		header, body, _ := strings.Cut(blocks[largest], "\n")
		bodyLimit := target - len([]rune(header)) - 1
		if bodyLimit < 2 {
			bodyLimit = 2
		}
		shrunk := header + "\n" + compactMultiline(body, bodyLimit)
		if len([]rune(shrunk)) >= size {
			exhausted[largest] = true
			continue
		}
		blocks[largest] = shrunk
	}
	return blocks
}

func orNone(value string) string {
	if value == "" {
		return "none"
	}
	return value
}

func orEmptyList(values []string) string {
	if len(values) == 0 {
		return "empty"
	}
	return strings.Join(values, ", ")
}
