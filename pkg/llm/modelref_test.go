package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseModelRef(t *testing.T) {
	known := []string{"anthropic", "ollama", "openai"}

	tests := []struct {
		name         string
		input        string
		wantProvider string
		wantModel    string
	}{
		{"bare model", "medgemma:4b-it", "ollama", "medgemma:4b-it"},
		{"explicit provider", "openai:gpt-4o", "openai", "gpt-4o"},
		{"provider case insensitive", "OpenAI:gpt-4o", "openai", "gpt-4o"},
		{"model with colon tag", "llama3:8b", "ollama", "llama3:8b"},
		{"explicit provider with tagged model", "ollama:llama3:8b", "ollama", "llama3:8b"},
		{"unknown head is part of model", "custom:model", "ollama", "custom:model"},
		{"whitespace trimmed", "  gpt-4o  ", "ollama", "gpt-4o"},
		{"trailing colon kept as model", "gemma:", "ollama", "gemma:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := ParseModelRef(tt.input, "ollama", known)
			assert.Equal(t, tt.wantProvider, ref.Provider)
			assert.Equal(t, tt.wantModel, ref.Name)
		})
	}
}

func TestModelRefString(t *testing.T) {
	assert.Equal(t, "openai:gpt-4o", ModelRef{Provider: "openai", Name: "gpt-4o"}.String())
	assert.Equal(t, "gpt-4o", ModelRef{Name: "gpt-4o"}.String())
}
