package config

import "time"

// EngineConfig bounds the run engine's scheduling loops.
type EngineConfig struct {
	// StepRetryBudget is how many extra attempts a step gets after a
	// transient failure.
	StepRetryBudget int `yaml:"step_retry_budget"`

	// StatusPoll is how often a paused or blocked worker re-reads the
	// run status.
	StatusPoll time.Duration `yaml:"status_poll"`

	// ApprovalPoll is how often a step blocked on an approval re-reads
	// its record.
	ApprovalPoll time.Duration `yaml:"approval_poll"`
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		StepRetryBudget: 2,
		StatusPoll:      300 * time.Millisecond,
		ApprovalPoll:    500 * time.Millisecond,
	}
}

func (c *EngineConfig) clamp() {
	if c.StepRetryBudget < 0 {
		c.StepRetryBudget = 0
	}
	if c.StatusPoll <= 0 {
		c.StatusPoll = 300 * time.Millisecond
	}
	if c.ApprovalPoll <= 0 {
		c.ApprovalPoll = 500 * time.Millisecond
	}
}
