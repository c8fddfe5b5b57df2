package config

// PersonaConfig bounds the dynamic system prompt assembly. Each block is
// truncated to its own cap before composition; the final prompt is
// truncated to TotalCap, largest block first.
type PersonaConfig struct {
	CoreIdentityCap   int `yaml:"core_identity_cap"`
	TonePipelineCap   int `yaml:"tone_pipeline_cap"`
	VariationRulesCap int `yaml:"variation_rules_cap"`
	TotalCap          int `yaml:"total_cap"`
}

// DefaultPersonaConfig returns the built-in persona prompt caps.
func DefaultPersonaConfig() *PersonaConfig {
	return &PersonaConfig{
		CoreIdentityCap:   1100,
		TonePipelineCap:   900,
		VariationRulesCap: 900,
		TotalCap:          12000,
	}
}

func (c *PersonaConfig) clamp() {
	clampBlock := func(v *int) {
		if *v < 300 {
			*v = 300
		}
		if *v > 12000 {
			*v = 12000
		}
	}
	clampBlock(&c.CoreIdentityCap)
	clampBlock(&c.TonePipelineCap)
	clampBlock(&c.VariationRulesCap)
	if c.TotalCap < 2000 {
		c.TotalCap = 2000
	}
	if c.TotalCap > 20000 {
		c.TotalCap = 20000
	}
}
