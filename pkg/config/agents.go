package config

// AgentSettings holds the LLM parameters common to every agent. Model may
// carry a provider prefix ("ollama:medgemma:4b"); empty fields fall back to
// the llm section's defaults at call time.
type AgentSettings struct {
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	TopP        *float64 `yaml:"top_p,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
}

// QueryAgentConfig configures natural-language-to-tsquery conversion.
type QueryAgentConfig struct {
	AgentSettings `yaml:",inline"`
}

// ScoringAgentConfig configures document relevance scoring.
type ScoringAgentConfig struct {
	AgentSettings `yaml:",inline"`

	// DefaultThreshold is the relevance score in [1,5] a document must
	// reach to qualify when the caller does not supply one.
	DefaultThreshold float64 `yaml:"default_threshold"`
}

// CitationAgentConfig configures citation extraction.
type CitationAgentConfig struct {
	AgentSettings `yaml:",inline"`

	// MinRelevance in [0,1]; extracted passages below it are discarded.
	MinRelevance float64 `yaml:"min_relevance"`
}

// ReportingAgentConfig configures report synthesis.
type ReportingAgentConfig struct {
	AgentSettings `yaml:",inline"`

	// MinCitations is the minimum number of citations required before a
	// report is synthesised at all.
	MinCitations int `yaml:"min_citations"`
}

// CounterfactualAgentConfig configures counterfactual question generation.
type CounterfactualAgentConfig struct {
	AgentSettings `yaml:",inline"`
}

// VerdictAgentConfig configures the supports/contradicts/undecided verdict.
type VerdictAgentConfig struct {
	AgentSettings `yaml:",inline"`

	// MinRationaleLength is the minimum rationale length in characters.
	MinRationaleLength int `yaml:"min_rationale_length"`
}

// AgentsConfig groups the per-agent sections.
type AgentsConfig struct {
	Query          *QueryAgentConfig          `yaml:"query_agent"`
	Scoring        *ScoringAgentConfig        `yaml:"scoring_agent"`
	Citation       *CitationAgentConfig       `yaml:"citation_agent"`
	Reporting      *ReportingAgentConfig      `yaml:"reporting_agent"`
	Counterfactual *CounterfactualAgentConfig `yaml:"counterfactual_agent"`
	Verdict        *VerdictAgentConfig        `yaml:"verdict_agent"`
}

func floatPtr(v float64) *float64 { return &v }

// DefaultAgentsConfig returns the built-in agent defaults. Models are left
// empty so unconfigured agents use the llm section's default model.
func DefaultAgentsConfig() *AgentsConfig {
	return &AgentsConfig{
		Query: &QueryAgentConfig{
			AgentSettings: AgentSettings{Temperature: floatPtr(0.1), TopP: floatPtr(0.9), MaxTokens: 1024},
		},
		Scoring: &ScoringAgentConfig{
			AgentSettings:    AgentSettings{Temperature: floatPtr(0.0), MaxTokens: 512},
			DefaultThreshold: 2.5,
		},
		Citation: &CitationAgentConfig{
			AgentSettings: AgentSettings{Temperature: floatPtr(0.1), MaxTokens: 1024},
			MinRelevance:  0.7,
		},
		Reporting: &ReportingAgentConfig{
			AgentSettings: AgentSettings{Temperature: floatPtr(0.3), MaxTokens: 4096},
			MinCitations:  1,
		},
		Counterfactual: &CounterfactualAgentConfig{
			AgentSettings: AgentSettings{Temperature: floatPtr(0.3), MaxTokens: 2048},
		},
		Verdict: &VerdictAgentConfig{
			AgentSettings:      AgentSettings{Temperature: floatPtr(0.1), MaxTokens: 1024},
			MinRationaleLength: 50,
		},
	}
}
