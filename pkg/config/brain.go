package config

import "time"

// BrainConfig controls the local LLM router: endpoints, model tiers,
// admission limits and budgets.
type BrainConfig struct {
	// LocalBaseURL is the Ollama-compatible endpoint. Must resolve to a
	// loopback host; anything else is rejected at validation.
	LocalBaseURL string `yaml:"local_base_url"`

	// Model tiers. ChatModel is the base tier; Fast and Complex are
	// selected by query heuristics, CodeModel by task kind.
	ChatModel    string `yaml:"chat_model"`
	FastModel    string `yaml:"fast_model"`
	ComplexModel string `yaml:"complex_model"`
	CodeModel    string `yaml:"code_model"`

	// Timeout is the per-request HTTP timeout for the local provider.
	Timeout time.Duration `yaml:"timeout"`

	// ChatTierTimeout caps requests against non-base chat tiers so a
	// slow big model degrades to the base tier instead of hanging.
	ChatTierTimeout time.Duration `yaml:"chat_tier_timeout"`

	// Ollama generation options.
	NumCtx     int `yaml:"num_ctx"`
	NumPredict int `yaml:"num_predict"`

	// Tier selection heuristics.
	FastQueryMaxChars    int `yaml:"fast_query_max_chars"`
	FastQueryMaxWords    int `yaml:"fast_query_max_words"`
	ComplexQueryMinChars int `yaml:"complex_query_min_chars"`
	ComplexQueryMinWords int `yaml:"complex_query_min_words"`

	// Admission control. Chat-purpose requests may use
	// MaxConcurrency+ChatPriorityExtraSlots slots; everything else is
	// held to MaxConcurrency and only admitted while the chat queue is
	// empty.
	MaxConcurrency         int `yaml:"max_concurrency"`
	ChatPriorityExtraSlots int `yaml:"chat_priority_extra_slots"`

	// Request budgets. Nil means unlimited.
	BudgetPerRun  *int `yaml:"budget_per_run,omitempty"`
	BudgetPerStep *int `yaml:"budget_per_step,omitempty"`
}

// DefaultBrainConfig returns the built-in brain defaults.
func DefaultBrainConfig() *BrainConfig {
	return &BrainConfig{
		LocalBaseURL:           "http://127.0.0.1:11434",
		ChatModel:              "llama2-uncensored:7b",
		FastModel:              "llama2-uncensored:7b",
		ComplexModel:           "wizardlm-uncensored:13b",
		CodeModel:              "deepseek-coder-v2:16b-lite-instruct-q8_0",
		Timeout:                30 * time.Second,
		ChatTierTimeout:        20 * time.Second,
		NumCtx:                 4096,
		NumPredict:             256,
		FastQueryMaxChars:      120,
		FastQueryMaxWords:      18,
		ComplexQueryMinChars:   260,
		ComplexQueryMinWords:   45,
		MaxConcurrency:         1,
		ChatPriorityExtraSlots: 1,
	}
}

// clamp enforces the floor each tuning knob needs to stay usable.
func (c *BrainConfig) clamp() {
	if c.NumCtx < 1024 {
		c.NumCtx = 1024
	}
	if c.NumPredict < 64 {
		c.NumPredict = 64
	}
	if c.FastQueryMaxChars < 20 {
		c.FastQueryMaxChars = 20
	}
	if c.FastQueryMaxWords < 3 {
		c.FastQueryMaxWords = 3
	}
	if c.ComplexQueryMinChars < 40 {
		c.ComplexQueryMinChars = 40
	}
	if c.ComplexQueryMinWords < 8 {
		c.ComplexQueryMinWords = 8
	}
	if c.MaxConcurrency < 1 {
		c.MaxConcurrency = 1
	}
	if c.ChatPriorityExtraSlots < 0 {
		c.ChatPriorityExtraSlots = 0
	}
	if c.ChatTierTimeout < 5*time.Second {
		c.ChatTierTimeout = 5 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}
