package infra

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SecretConfig is the optional secrets file kept outside the main config.
type SecretConfig struct {
	Kraken struct {
		Primary   CredentialConfig `yaml:"primary"`
		Secondary CredentialConfig `yaml:"secondary"`
	} `yaml:"kraken"`
}

// LoadSecretConfig loads API keys from a separate yaml file.
// It returns error if file is missing (Fail Fast).
func LoadSecretConfig(path string) (*SecretConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret config: %w", err)
	}

	var cfg SecretConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse secret config: %w", err)
	}

	return &cfg, nil
}

// apply copies non-empty secrets over cfg. Labels stay as configured.
func (s *SecretConfig) apply(cfg *Config) {
	mergeCredential(&cfg.Kraken.Primary, s.Kraken.Primary)
	mergeCredential(&cfg.Kraken.Secondary, s.Kraken.Secondary)
}

func mergeCredential(dst *CredentialConfig, src CredentialConfig) {
	if src.APIKey != "" {
		dst.APIKey = src.APIKey
	}
	if src.APISecret != "" {
		dst.APISecret = src.APISecret
	}
	if src.NonceFloor != 0 {
		dst.NonceFloor = src.NonceFloor
	}
}
