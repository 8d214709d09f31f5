package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when neither the API key nor Bedrock is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured (set ANTHROPIC_API_KEY or anthropic.use_bedrock)")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "bedrock"
	KeySourceNone    KeySource = "none"
)

// Credentials reports whether the Claude runner can be built and where its credentials come from.
func (a AnthropicConfig) Credentials() (KeySource, error) {
	if a.UseBedrock {
		return KeySourceBedrock, nil
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" || os.Getenv("RELAY_ANTHROPIC_API_KEY") != "" {
		return KeySourceEnv, nil
	}
	if a.APIKey != "" && !strings.HasPrefix(a.APIKey, "${") {
		return KeySourceConfig, nil
	}
	return KeySourceNone, ErrNoAPIKey
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
