package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600))
	return dir
}

func TestInitializeAppliesDefaults(t *testing.T) {
	dir := writeConfig(t, `
queue:
  path: /tmp/test-queue.db
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test-queue.db", cfg.Queue.Path)
	// Unset values come from defaults.
	assert.Equal(t, 300, cfg.Queue.StaleLeaseSeconds)
	assert.Equal(t, 4, cfg.Orchestrator.MaxWorkers)
	assert.Equal(t, 500, cfg.Orchestrator.PollingIntervalMS)
	assert.Equal(t, "ollama", cfg.LLM.DefaultProvider)
	assert.Equal(t, 2.5, cfg.Agents.Scoring.DefaultThreshold)
}

func TestInitializeUserOverrides(t *testing.T) {
	dir := writeConfig(t, `
queue:
  path: /tmp/q.db
  stale_lease_seconds: 120
orchestrator:
  max_workers: 8
  polling_interval_ms: 250
agents:
  scoring_agent:
    model: "ollama:medgemma:27b"
    temperature: 0.2
    default_threshold: 3.5
llm:
  default_model: "llama3.1:8b"
  fallback_model: "openai:gpt-4o-mini"
  providers:
    openai:
      base_url: https://api.openai.com
      api_key: test-key
search:
  dsn: postgres://db:5432/papers
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.Queue.StaleLeaseSeconds)
	assert.Equal(t, 72, cfg.Queue.CleanupAgeHours) // default preserved
	assert.Equal(t, 8, cfg.Orchestrator.MaxWorkers)
	assert.Equal(t, "ollama:medgemma:27b", cfg.Agents.Scoring.Model)
	require.NotNil(t, cfg.Agents.Scoring.Temperature)
	assert.InDelta(t, 0.2, *cfg.Agents.Scoring.Temperature, 1e-9)
	assert.Equal(t, 3.5, cfg.Agents.Scoring.DefaultThreshold)
	// Query agent untouched by the file keeps its defaults.
	require.NotNil(t, cfg.Agents.Query.Temperature)
	assert.InDelta(t, 0.1, *cfg.Agents.Query.Temperature, 1e-9)

	assert.Equal(t, "llama3.1:8b", cfg.LLM.DefaultModel)
	assert.Equal(t, "openai:gpt-4o-mini", cfg.LLM.FallbackModel)
	// Default ollama provider survives alongside the added one.
	assert.Contains(t, cfg.LLM.Providers, "ollama")
	assert.Contains(t, cfg.LLM.Providers, "openai")
	assert.Equal(t, "postgres://db:5432/papers", cfg.Search.DSN)
}

func TestInitializeExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_QUEUE_PATH", "/tmp/env-queue.db")
	t.Setenv("TEST_API_KEY", "sk-test")
	dir := writeConfig(t, `
queue:
  path: "{{.TEST_QUEUE_PATH}}"
llm:
  providers:
    openai:
      base_url: https://api.openai.com
      api_key: "{{.TEST_API_KEY}}"
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/env-queue.db", cfg.Queue.Path)
	assert.Equal(t, "sk-test", cfg.LLM.Providers["openai"].APIKey)
}

func TestInitializeMissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "queue: [not: a: mapping")
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeValidationFailure(t *testing.T) {
	dir := writeConfig(t, `
orchestrator:
  max_workers: -1
`)
	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "orchestrator", vErr.Section)
	assert.Equal(t, "max_workers", vErr.Field)
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidatorRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		section string
		field   string
	}{
		{
			name:    "empty queue path",
			mutate:  func(c *Config) { c.Queue.Path = "" },
			section: "queue",
			field:   "path",
		},
		{
			name:    "zero stale lease",
			mutate:  func(c *Config) { c.Queue.StaleLeaseSeconds = 0 },
			section: "queue",
			field:   "stale_lease_seconds",
		},
		{
			name:    "scoring threshold out of range",
			mutate:  func(c *Config) { c.Agents.Scoring.DefaultThreshold = 9 },
			section: "agents.scoring_agent",
			field:   "default_threshold",
		},
		{
			name:    "citation relevance out of range",
			mutate:  func(c *Config) { c.Agents.Citation.MinRelevance = 1.5 },
			section: "agents.citation_agent",
			field:   "min_relevance",
		},
		{
			name:    "unknown default provider",
			mutate:  func(c *Config) { c.LLM.DefaultProvider = "nonexistent" },
			section: "llm",
			field:   "default_provider",
		},
		{
			name:    "empty search dsn",
			mutate:  func(c *Config) { c.Search.DSN = "" },
			section: "search",
			field:   "dsn",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := NewValidator(cfg).ValidateAll()
			require.Error(t, err)

			var vErr *ValidationError
			require.True(t, errors.As(err, &vErr))
			assert.Equal(t, tc.section, vErr.Section)
			assert.Equal(t, tc.field, vErr.Field)
		})
	}
}
