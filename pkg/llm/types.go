// Package llm is the single façade for all LLM traffic. A Gateway resolves
// "provider:model" strings to one of several HTTP backends (a local Ollama
// server or hosted APIs), normalises their responses, accounts tokens, and
// falls back to a configured secondary model when the primary provider
// fails.
package llm

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the sampling parameters for one call. Nil pointers mean
// "provider default".
type Params struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   int
}

// Response is the normalised result of a chat or generate call.
type Response struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	Provider         string        `json:"provider"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Latency          time.Duration `json:"latency"`

	// ModelDuration is the model-reported evaluation time (zero when the
	// provider does not report one). Tokens-per-second metrics divide by
	// this rather than wall time to avoid network-jitter pollution.
	ModelDuration time.Duration `json:"model_duration"`
}

// EmbedResponse is the normalised result of an embedding call.
type EmbedResponse struct {
	Embedding  []float32     `json:"embedding"`
	Dimensions int           `json:"dimensions"`
	Model      string        `json:"model"`
	Provider   string        `json:"provider"`
	Latency    time.Duration `json:"latency"`
}
