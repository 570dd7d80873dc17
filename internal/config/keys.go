package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// GetAPIKey returns the Anthropic API key.
// It checks in order: ANTHROPIC_API_KEY, then anthropic.api_key from config.
func GetAPIKey(cfg *Config) (string, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, nil
	}

	if cfg != nil && cfg.Anthropic.APIKey != "" {
		// Unresolved ${VAR} references count as unset.
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, nil
		}
	}

	return "", ErrNoAPIKey
}

// ValidateAPIKey checks the key format without calling the API.
func ValidateAPIKey(key string) error {
	if key == "" {
		return ErrNoAPIKey
	}
	if !strings.HasPrefix(key, "sk-ant-") {
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	}
	if len(key) < 20 {
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// MaskAPIKey returns a masked version of the API key for display.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}

// CredentialSource represents how the HTTP-streamed provider authenticates.
type CredentialSource string

const (
	CredentialEnv     CredentialSource = "environment"
	CredentialConfig  CredentialSource = "config_file"
	CredentialBedrock CredentialSource = "aws_bedrock"
	CredentialNone    CredentialSource = "none"
)

// GetCredentialSource returns where provider credentials come from.
// Bedrock wins when enabled; the AWS SDK resolves its own credential chain.
func GetCredentialSource(cfg *Config) CredentialSource {
	if cfg != nil && cfg.Anthropic.UseBedrock {
		return CredentialBedrock
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return CredentialEnv
	}
	if _, err := GetAPIKey(cfg); err == nil {
		return CredentialConfig
	}
	return CredentialNone
}
