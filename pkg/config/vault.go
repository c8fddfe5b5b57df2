package config

// VaultConfig locates the sealed secrets file.
type VaultConfig struct {
	// Path overrides the vault location. Empty means <data_dir>/vault.bin.
	Path string `yaml:"path"`
}

// DefaultVaultConfig returns the built-in vault defaults.
func DefaultVaultConfig() *VaultConfig {
	return &VaultConfig{}
}
