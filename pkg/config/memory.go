package config

// MemoryConfig controls user memory limits, the async save pool and the
// episodic recall window.
type MemoryConfig struct {
	// MaxContentChars rejects user memories longer than this with
	// content_too_long.
	MaxContentChars int `yaml:"max_content_chars"`

	// Async save pool.
	SaveWorkers  int `yaml:"save_workers"`
	SaveQueueCap int `yaml:"save_queue_cap"`

	// Episodic store: path override, retained row cap and how many
	// recent rows a recall scan considers.
	EpisodicDBPath    string `yaml:"episodic_db_path"`
	EpisodicMaxRows   int    `yaml:"episodic_max_rows"`
	EpisodicScanLimit int    `yaml:"episodic_scan_limit"`

	// ProfileLimit is how many memories are loaded for prompt context.
	ProfileLimit int `yaml:"profile_limit"`
}

// DefaultMemoryConfig returns the built-in memory defaults.
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		MaxContentChars:   4000,
		SaveWorkers:       2,
		SaveQueueCap:      64,
		EpisodicMaxRows:   300,
		EpisodicScanLimit: 200,
		ProfileLimit:      50,
	}
}

func (c *MemoryConfig) clamp() {
	if c.MaxContentChars < 1 {
		c.MaxContentChars = 1
	}
	if c.SaveWorkers < 1 {
		c.SaveWorkers = 1
	}
	if c.SaveQueueCap < c.SaveWorkers {
		c.SaveQueueCap = c.SaveWorkers
	}
	if c.EpisodicMaxRows < 10 {
		c.EpisodicMaxRows = 10
	}
	if c.EpisodicScanLimit < 1 {
		c.EpisodicScanLimit = 1
	}
	if c.ProfileLimit < 1 {
		c.ProfileLimit = 1
	}
}
