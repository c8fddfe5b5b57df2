package config

import "time"

// ResearchConfig bounds the web research loop.
type ResearchConfig struct {
	// MaxRounds is the search/fetch/judge iteration cap per invocation.
	MaxRounds int `yaml:"max_rounds"`

	// MaxSourcesPerRound caps candidates taken from one search round.
	MaxSourcesPerRound int `yaml:"max_sources_per_round"`

	// FetchConcurrency is the parallel fetch limit within a round.
	FetchConcurrency int `yaml:"fetch_concurrency"`

	// PerHostInterval rate-limits consecutive fetches to one host.
	PerHostInterval time.Duration `yaml:"per_host_interval"`

	// FetchTimeout and MaxFetchBytes bound a single page download.
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	MaxFetchBytes int64         `yaml:"max_fetch_bytes"`

	// BlockedDomains are never fetched or cited.
	BlockedDomains []string `yaml:"blocked_domains"`
}

// DefaultResearchConfig returns the built-in research defaults.
func DefaultResearchConfig() *ResearchConfig {
	return &ResearchConfig{
		MaxRounds:          3,
		MaxSourcesPerRound: 6,
		FetchConcurrency:   3,
		PerHostInterval:    500 * time.Millisecond,
		FetchTimeout:       15 * time.Second,
		MaxFetchBytes:      2 << 20,
		BlockedDomains:     []string{"baidu.com"},
	}
}

func (c *ResearchConfig) clamp() {
	if c.MaxRounds < 1 {
		c.MaxRounds = 1
	}
	if c.MaxSourcesPerRound < 1 {
		c.MaxSourcesPerRound = 1
	}
	if c.FetchConcurrency < 1 {
		c.FetchConcurrency = 1
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 15 * time.Second
	}
	if c.MaxFetchBytes < 4096 {
		c.MaxFetchBytes = 4096
	}
}
