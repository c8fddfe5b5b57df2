package config

import "time"

// RetentionConfig controls background trimming of run data.
type RetentionConfig struct {
	// EventsPerRun is how many newest events each run keeps.
	EventsPerRun int `yaml:"events_per_run"`

	// ApprovalTTL expires pending approvals older than this.
	ApprovalTTL time.Duration `yaml:"approval_ttl"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventsPerRun:    5000,
		ApprovalTTL:     24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
	}
}
