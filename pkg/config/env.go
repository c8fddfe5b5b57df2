package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func envString(name string, target *string) {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		*target = raw
	}
}

func envBool(name string, target *bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		*target = true
	case "0", "false", "no", "off":
		*target = false
	}
}

func envInt(name string, target *int) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*target = v
	}
}

func envInt64(name string, target *int64) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*target = v
	}
}

func envFloat(name string, target *float64) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		*target = v
	}
}

// envOptionalInt sets *target to a parsed value, leaving nil untouched
// when the variable is unset or malformed.
func envOptionalInt(name string, target **int) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*target = &v
	}
}

// envSeconds reads an integer number of seconds.
func envSeconds(name string, target *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*target = time.Duration(v) * time.Second
	}
}

// envMillis reads an integer number of milliseconds.
func envMillis(name string, target *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*target = time.Duration(v) * time.Millisecond
	}
}

// envDuration reads a Go duration string ("90s", "1h30m").
func envDuration(name string, target *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	if v, err := time.ParseDuration(raw); err == nil {
		*target = v
	}
}

func envStringList(name string, target *[]string) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*target = out
	}
}

// applyEnv overlays ASTRA_* environment variables onto the configuration.
// Env wins over YAML and defaults; malformed values are ignored.
func applyEnv(cfg *Config) {
	envString("ASTRA_HTTP_ADDR", &cfg.HTTPAddr)
	envString("ASTRA_AUTH_MODE", &cfg.AuthMode)
	envString("ASTRA_DB_PATH", &cfg.DBPath)
	envBool("ASTRA_QA_MODE", &cfg.QAMode)

	b := cfg.Brain
	envString("ASTRA_LLM_LOCAL_BASE_URL", &b.LocalBaseURL)
	envString("ASTRA_LLM_LOCAL_CHAT_MODEL", &b.ChatModel)
	envString("ASTRA_LLM_LOCAL_CHAT_MODEL_FAST", &b.FastModel)
	envString("ASTRA_LLM_LOCAL_CHAT_MODEL_COMPLEX", &b.ComplexModel)
	envString("ASTRA_LLM_LOCAL_CODE_MODEL", &b.CodeModel)
	envSeconds("ASTRA_LLM_LOCAL_TIMEOUT_S", &b.Timeout)
	envSeconds("ASTRA_LLM_CHAT_TIER_TIMEOUT_S", &b.ChatTierTimeout)
	envInt("ASTRA_LLM_OLLAMA_NUM_CTX", &b.NumCtx)
	envInt("ASTRA_LLM_OLLAMA_NUM_PREDICT", &b.NumPredict)
	envInt("ASTRA_LLM_FAST_QUERY_MAX_CHARS", &b.FastQueryMaxChars)
	envInt("ASTRA_LLM_FAST_QUERY_MAX_WORDS", &b.FastQueryMaxWords)
	envInt("ASTRA_LLM_COMPLEX_QUERY_MIN_CHARS", &b.ComplexQueryMinChars)
	envInt("ASTRA_LLM_COMPLEX_QUERY_MIN_WORDS", &b.ComplexQueryMinWords)
	envInt("ASTRA_LLM_MAX_CONCURRENCY", &b.MaxConcurrency)
	envInt("ASTRA_LLM_CHAT_PRIORITY_EXTRA_SLOTS", &b.ChatPriorityExtraSlots)
	envOptionalInt("ASTRA_LLM_BUDGET_PER_RUN", &b.BudgetPerRun)
	envOptionalInt("ASTRA_LLM_BUDGET_PER_STEP", &b.BudgetPerStep)

	ch := cfg.Chat
	envFloat("ASTRA_LLM_CHAT_TEMPERATURE", &ch.Temperature)
	envFloat("ASTRA_LLM_CHAT_TOP_P", &ch.TopP)
	envFloat("ASTRA_LLM_CHAT_REPEAT_PENALTY", &ch.RepeatPenalty)
	envInt("ASTRA_LLM_OLLAMA_NUM_PREDICT", &ch.NumPredict)
	envBool("ASTRA_OWNER_DIRECT_MODE", &ch.OwnerDirectMode)
	envBool("ASTRA_CHAT_FAST_PATH_ENABLED", &ch.FastPathEnabled)
	envInt("ASTRA_CHAT_FAST_PATH_MAX_CHARS", &ch.FastPathMaxChars)
	envBool("ASTRA_CHAT_AUTO_WEB_RESEARCH_ENABLED", &ch.AutoWebResearchEnabled)
	envInt("ASTRA_CHAT_AUTO_WEB_RESEARCH_MAX_ROUNDS", &ch.AutoWebResearchMaxRounds)
	envInt("ASTRA_CHAT_AUTO_WEB_RESEARCH_MAX_SOURCES", &ch.AutoWebResearchMaxSources)
	envInt("ASTRA_CHAT_AUTO_WEB_RESEARCH_MAX_PAGES", &ch.AutoWebResearchMaxPages)
	envString("ASTRA_CHAT_AUTO_WEB_RESEARCH_DEPTH", &ch.AutoWebResearchDepth)

	p := cfg.Privacy
	envBool("ASTRA_PRIVACY_STRICT_LOCAL", &p.StrictLocal)
	envInt("ASTRA_PRIVACY_MAX_ITEM_CHARS", &p.MaxItemChars)
	envBool("ASTRA_CLOUD_FILE_CONTENT_ALLOWED", &p.CloudFileContentAllowed)

	ex := cfg.Executor
	envInt("ASTRA_EXECUTOR_MAX_MICRO_STEPS", &ex.MaxMicroSteps)
	envSeconds("ASTRA_EXECUTOR_MAX_WALL_CLOCK_S", &ex.MaxWallClock)
	envMillis("ASTRA_EXECUTOR_WAIT_AFTER_ACT_MS", &ex.WaitAfterAct)
	envMillis("ASTRA_EXECUTOR_WAIT_POLL_MS", &ex.WaitPoll)
	envMillis("ASTRA_EXECUTOR_WAIT_TIMEOUT_MS", &ex.WaitTimeout)
	envInt("ASTRA_EXECUTOR_MAX_ACTION_RETRIES", &ex.MaxActionRetries)
	envInt("ASTRA_EXECUTOR_NO_PROGRESS_LIMIT", &ex.NoProgressLimit)
	envBool("ASTRA_EXECUTOR_DRY_RUN", &ex.DryRun)
	envInt("ASTRA_EXECUTOR_CAPTURE_MAX_WIDTH", &ex.CaptureMaxWidth)
	envInt("ASTRA_EXECUTOR_CAPTURE_QUALITY", &ex.CaptureQuality)

	m := cfg.Memory
	envInt("ASTRA_MEMORY_MAX_CHARS", &m.MaxContentChars)
	envInt("ASTRA_MEMORY_SAVE_WORKERS", &m.SaveWorkers)
	envInt("ASTRA_MEMORY_PROFILE_LIMIT", &m.ProfileLimit)
	envString("ASTRA_LETTA_DB_PATH", &m.EpisodicDBPath)
	envInt("ASTRA_LETTA_MAX_EPISODES", &m.EpisodicMaxRows)

	r := cfg.Research
	envInt("ASTRA_RESEARCH_MAX_ROUNDS", &r.MaxRounds)
	envInt("ASTRA_RESEARCH_MAX_SOURCES", &r.MaxSourcesPerRound)
	envInt("ASTRA_RESEARCH_FETCH_CONCURRENCY", &r.FetchConcurrency)
	envSeconds("ASTRA_RESEARCH_FETCH_TIMEOUT_S", &r.FetchTimeout)
	envInt64("ASTRA_RESEARCH_MAX_FETCH_BYTES", &r.MaxFetchBytes)
	envStringList("ASTRA_RESEARCH_BLOCKED_DOMAINS", &r.BlockedDomains)

	ps := cfg.Persona
	envInt("ASTRA_PERSONA_CORE_IDENTITY_CAP", &ps.CoreIdentityCap)
	envInt("ASTRA_PERSONA_TONE_PIPELINE_CAP", &ps.TonePipelineCap)
	envInt("ASTRA_PERSONA_VARIATION_RULES_CAP", &ps.VariationRulesCap)
	envInt("ASTRA_PERSONA_PROMPT_TOTAL_CAP", &ps.TotalCap)

	br := cfg.Bridge
	envString("ASTRA_BRIDGE_BASE_URL", &br.BaseURL)
	envSeconds("ASTRA_BRIDGE_TIMEOUT_S", &br.Timeout)
	if port := strings.TrimSpace(os.Getenv("ASTRA_BRIDGE_PORT")); port != "" && os.Getenv("ASTRA_BRIDGE_BASE_URL") == "" {
		br.BaseURL = "http://127.0.0.1:" + port
	}

	rt := cfg.Retention
	envInt("ASTRA_RETENTION_EVENTS_PER_RUN", &rt.EventsPerRun)
	envDuration("ASTRA_RETENTION_APPROVAL_TTL", &rt.ApprovalTTL)
	envDuration("ASTRA_RETENTION_CLEANUP_INTERVAL", &rt.CleanupInterval)

	envString("ASTRA_VAULT_PATH", &cfg.Vault.Path)
}
