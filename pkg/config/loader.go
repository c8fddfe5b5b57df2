package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration.
//
// Precedence, lowest to highest:
//  1. Built-in defaults
//  2. Optional YAML overlay (ASTRA_CONFIG_FILE, default <data_dir>/astra.yaml)
//  3. ASTRA_* environment variables
//
// Invalid knob values are clamped back into their usable range rather than
// failing startup; only an unreadable or unparseable YAML file is fatal.
func Load() (*Config, error) {
	cfg := defaults()

	dataDir := os.Getenv("ASTRA_DATA_DIR")
	if dataDir == "" {
		dataDir = ".astra"
	}
	cfg.dataDir = dataDir

	if err := overlayYAML(cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	clampAll(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	return cfg, nil
}

// defaults returns the built-in configuration tree.
func defaults() *Config {
	return &Config{
		HTTPAddr:  "127.0.0.1:8765",
		AuthMode:  "local",
		Brain:     DefaultBrainConfig(),
		Chat:      DefaultChatConfig(),
		Privacy:   DefaultPrivacyConfig(),
		Engine:    DefaultEngineConfig(),
		Executor:  DefaultExecutorConfig(),
		Memory:    DefaultMemoryConfig(),
		Research:  DefaultResearchConfig(),
		Persona:   DefaultPersonaConfig(),
		Bridge:    DefaultBridgeConfig(),
		Retention: DefaultRetentionConfig(),
		Vault:     DefaultVaultConfig(),
	}
}

// overlayYAML merges the optional YAML file over the defaults. A missing
// file at the default location is fine; an explicitly configured file that
// cannot be read is an error.
func overlayYAML(cfg *Config) error {
	path := os.Getenv("ASTRA_CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = filepath.Join(cfg.dataDir, "astra.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !explicit {
			return nil
		}
		return NewLoadError(path, err)
	}

	overlay := &Config{}
	if err := yaml.Unmarshal(ExpandEnv(data), overlay); err != nil {
		return NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	if err := mergo.Merge(cfg, overlay, mergo.WithOverride); err != nil {
		return NewLoadError(path, err)
	}

	slog.Info("loaded configuration overlay", "path", path)
	return nil
}

func clampAll(cfg *Config) {
	cfg.Brain.clamp()
	cfg.Chat.clamp()
	cfg.Privacy.clamp()
	cfg.Engine.clamp()
	cfg.Memory.clamp()
	cfg.Research.clamp()
	cfg.Persona.clamp()
}

func validate(cfg *Config) error {
	switch cfg.AuthMode {
	case "local", "strict":
	default:
		return NewValidationError("config", "auth_mode",
			fmt.Errorf("%w: %q (want local or strict)", ErrInvalidValue, cfg.AuthMode))
	}
	if cfg.HTTPAddr == "" {
		return NewValidationError("config", "http_addr", ErrInvalidValue)
	}
	return nil
}
