package config

// PrivacyConfig controls the context gate in front of every LLM dispatch.
type PrivacyConfig struct {
	// StrictLocal pins routing to the local provider no matter what the
	// per-item rules decide. Fail-closed default.
	StrictLocal bool `yaml:"strict_local"`

	// MaxItemChars truncates each context item before dispatch.
	MaxItemChars int `yaml:"max_item_chars"`

	// CloudFileContentAllowed permits financial file content to leave
	// the machine when a cloud destination is ever enabled.
	CloudFileContentAllowed bool `yaml:"cloud_file_content_allowed"`
}

// DefaultPrivacyConfig returns the built-in privacy defaults.
func DefaultPrivacyConfig() *PrivacyConfig {
	return &PrivacyConfig{
		StrictLocal:  true,
		MaxItemChars: 2000,
	}
}

func (c *PrivacyConfig) clamp() {
	if c.MaxItemChars < 200 {
		c.MaxItemChars = 200
	}
}
