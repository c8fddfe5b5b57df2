package config

// ChatConfig controls the conversational pipeline: sampling defaults,
// the fast answer path and the auto web research escalation.
type ChatConfig struct {
	Temperature   float64 `yaml:"temperature"`
	TopP          float64 `yaml:"top_p"`
	RepeatPenalty float64 `yaml:"repeat_penalty"`
	NumPredict    int     `yaml:"num_predict"`

	// OwnerDirectMode keeps answers first-person and drops assistant
	// self-narration.
	OwnerDirectMode bool `yaml:"owner_direct_mode"`

	// Fast path: short, non-action queries skip semantic intent
	// classification entirely.
	FastPathEnabled  bool `yaml:"fast_path_enabled"`
	FastPathMaxChars int  `yaml:"fast_path_max_chars"`

	// Auto web research: uncertain informational answers trigger a
	// bounded research pass before responding.
	AutoWebResearchEnabled    bool   `yaml:"auto_web_research_enabled"`
	AutoWebResearchMaxRounds  int    `yaml:"auto_web_research_max_rounds"`
	AutoWebResearchMaxSources int    `yaml:"auto_web_research_max_sources"`
	AutoWebResearchMaxPages   int    `yaml:"auto_web_research_max_pages"`
	AutoWebResearchDepth      string `yaml:"auto_web_research_depth"`
}

// DefaultChatConfig returns the built-in chat defaults.
func DefaultChatConfig() *ChatConfig {
	return &ChatConfig{
		Temperature:               0.35,
		TopP:                      0.9,
		RepeatPenalty:             1.15,
		NumPredict:                256,
		OwnerDirectMode:           true,
		FastPathEnabled:           true,
		FastPathMaxChars:          220,
		AutoWebResearchEnabled:    true,
		AutoWebResearchMaxRounds:  2,
		AutoWebResearchMaxSources: 6,
		AutoWebResearchMaxPages:   4,
		AutoWebResearchDepth:      "brief",
	}
}

func (c *ChatConfig) clamp() {
	if c.Temperature < 0.1 {
		c.Temperature = 0.1
	}
	if c.Temperature > 1.0 {
		c.Temperature = 1.0
	}
	if c.TopP < 0 {
		c.TopP = 0
	}
	if c.TopP > 1 {
		c.TopP = 1
	}
	if c.RepeatPenalty < 1.0 {
		c.RepeatPenalty = 1.0
	}
	if c.NumPredict < 64 {
		c.NumPredict = 64
	}
	if c.NumPredict > 2048 {
		c.NumPredict = 2048
	}
	if c.FastPathMaxChars < 60 {
		c.FastPathMaxChars = 60
	}
	if c.FastPathMaxChars > 600 {
		c.FastPathMaxChars = 600
	}
	if c.AutoWebResearchMaxRounds < 1 {
		c.AutoWebResearchMaxRounds = 1
	}
	if c.AutoWebResearchMaxRounds > 4 {
		c.AutoWebResearchMaxRounds = 4
	}
	if c.AutoWebResearchMaxSources < 1 {
		c.AutoWebResearchMaxSources = 1
	}
	if c.AutoWebResearchMaxSources > 16 {
		c.AutoWebResearchMaxSources = 16
	}
	if c.AutoWebResearchMaxPages < 1 {
		c.AutoWebResearchMaxPages = 1
	}
	if c.AutoWebResearchMaxPages > 12 {
		c.AutoWebResearchMaxPages = 12
	}
	switch c.AutoWebResearchDepth {
	case "brief", "normal", "deep":
	default:
		c.AutoWebResearchDepth = "brief"
	}
}
