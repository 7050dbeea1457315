package config

import "time"

// ProviderConfig holds the connection settings for one LLM provider.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// ModelCost is the unit cost of a model in USD per million tokens.
type ModelCost struct {
	Prompt     float64 `yaml:"prompt"`
	Completion float64 `yaml:"completion"`
}

// LLMConfig contains gateway-wide LLM settings.
type LLMConfig struct {
	// DefaultProvider is used when a model string carries no provider
	// prefix. Must name a configured provider.
	DefaultProvider string `yaml:"default_provider"`

	// DefaultModel is used by agents with no model configured.
	DefaultModel string `yaml:"default_model"`

	// FallbackModel, when set, is retried once after the primary provider
	// fails. A fallback on the same provider as the primary is skipped —
	// no self-fallback.
	FallbackModel string `yaml:"fallback_model"`

	// PerCallTimeoutSeconds bounds every chat/generate/embed call.
	PerCallTimeoutSeconds int `yaml:"per_call_timeout_seconds"`

	// CostTable maps provider → model-name prefix → unit cost. Lookup is
	// by longest prefix so versioned model names resolve to a base price.
	// Providers absent from the table are free.
	CostTable map[string]map[string]ModelCost `yaml:"cost_table,omitempty"`

	// Providers configures the known backends by name (ollama, openai,
	// anthropic).
	Providers map[string]ProviderConfig `yaml:"providers"`
}

// DefaultLLMConfig returns the built-in LLM defaults: a local Ollama server
// and no hosted credentials.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		DefaultProvider:       "ollama",
		DefaultModel:          "medgemma:4b",
		FallbackModel:         "",
		PerCallTimeoutSeconds: 120,
		Providers: map[string]ProviderConfig{
			"ollama": {BaseURL: "http://localhost:11434"},
		},
	}
}

// PerCallTimeout returns the per-call deadline as a duration.
func (c *LLMConfig) PerCallTimeout() time.Duration {
	return time.Duration(c.PerCallTimeoutSeconds) * time.Second
}
