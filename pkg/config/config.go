package config

import "path/filepath"

// Config is the umbrella configuration object returned by Initialize()
// and threaded through the application. Precedence: built-in defaults,
// then astra.yaml, then ASTRA_* environment variables.
type Config struct {
	dataDir string

	// HTTPAddr is the listen address of the API server.
	HTTPAddr string `yaml:"http_addr"`

	// AuthMode is "local" (loopback requests bypass auth) or "strict"
	// (every request needs the session token).
	AuthMode string `yaml:"auth_mode"`

	// DBPath overrides the SQLite database location. Empty means
	// <data_dir>/astra.sqlite3.
	DBPath string `yaml:"db_path"`

	// QAMode short-circuits every LLM call to a deterministic stub.
	QAMode bool `yaml:"qa_mode"`

	Brain     *BrainConfig     `yaml:"brain"`
	Chat      *ChatConfig      `yaml:"chat"`
	Privacy   *PrivacyConfig   `yaml:"privacy"`
	Engine    *EngineConfig    `yaml:"engine"`
	Executor  *ExecutorConfig  `yaml:"executor"`
	Memory    *MemoryConfig    `yaml:"memory"`
	Research  *ResearchConfig  `yaml:"research"`
	Persona   *PersonaConfig   `yaml:"persona"`
	Bridge    *BridgeConfig    `yaml:"bridge"`
	Retention *RetentionConfig `yaml:"retention"`
	Vault     *VaultConfig     `yaml:"vault"`
}

// DataDir returns the state directory (database, token file, vault,
// artifacts).
func (c *Config) DataDir() string {
	return c.dataDir
}

// DatabasePath returns the effective SQLite path.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.dataDir, "astra.sqlite3")
}

// TokenPath returns the location of the persisted session token.
func (c *Config) TokenPath() string {
	return filepath.Join(c.dataDir, "auth.token")
}

// ArtifactsDir returns the directory run artifacts are written to.
func (c *Config) ArtifactsDir() string {
	return filepath.Join(c.dataDir, "artifacts")
}
