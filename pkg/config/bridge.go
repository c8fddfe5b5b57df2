package config

import "time"

// BridgeConfig locates the desktop automation bridge the executor talks
// to for screen capture and input injection.
type BridgeConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`

	// Health probing: base interval with exponential backoff up to the
	// max while the bridge is down.
	HealthInterval    time.Duration `yaml:"health_interval"`
	HealthMaxInterval time.Duration `yaml:"health_max_interval"`
}

// DefaultBridgeConfig returns the built-in bridge defaults.
func DefaultBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		BaseURL:           "http://127.0.0.1:43124",
		Timeout:           10 * time.Second,
		HealthInterval:    1 * time.Second,
		HealthMaxInterval: 30 * time.Second,
	}
}
