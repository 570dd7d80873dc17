package models

// Provider names the backend that executes an agent's work.
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderCodex    Provider = "codex"
	ProviderGemini   Provider = "gemini"
	ProviderOpenCode Provider = "opencode"
	// ProviderAnthropicAPI streams over HTTP instead of spawning a CLI.
	ProviderAnthropicAPI Provider = "anthropic_api"
)

// Valid returns true if the provider is a known value.
func (p Provider) Valid() bool {
	switch p {
	case ProviderClaude, ProviderCodex, ProviderGemini, ProviderOpenCode, ProviderAnthropicAPI:
		return true
	default:
		return false
	}
}

// Streamed reports whether the provider has no local CLI and is called over HTTP.
func (p Provider) Streamed() bool {
	return p == ProviderAnthropicAPI
}
