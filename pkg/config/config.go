// Package config loads, merges, and validates the application
// configuration. A single bmlibrarian.yaml holds the queue, orchestrator,
// agents, llm, and search sections; defaults fill anything the file leaves
// unset, and {{.VAR}} templates expand environment variables before
// parsing.
package config

// Config is the fully resolved application configuration.
type Config struct {
	configDir string

	Queue        *QueueConfig
	Orchestrator *OrchestratorConfig
	Agents       *AgentsConfig
	LLM          *LLMConfig
	Search       *SearchConfig
}

// ConfigDir returns the directory configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Default returns a configuration with every section at its built-in
// defaults, valid without any configuration file. Used by tests and by
// Initialize when the config file is absent.
func Default() *Config {
	return &Config{
		Queue:        DefaultQueueConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Agents:       DefaultAgentsConfig(),
		LLM:          DefaultLLMConfig(),
		Search:       DefaultSearchConfig(),
	}
}
