package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the single configuration file loaded from the config
// directory.
const ConfigFileName = "bmlibrarian.yaml"

// YAMLConfig represents the complete bmlibrarian.yaml file structure.
// Every section is optional; defaults fill the gaps.
type YAMLConfig struct {
	Queue        *QueueConfig        `yaml:"queue"`
	Orchestrator *OrchestratorConfig `yaml:"orchestrator"`
	Agents       *AgentsConfig       `yaml:"agents"`
	LLM          *LLMConfig          `yaml:"llm"`
	Search       *SearchConfig       `yaml:"search"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load bmlibrarian.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user values over built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"queue_path", cfg.Queue.Path,
		"max_workers", cfg.Orchestrator.MaxWorkers,
		"default_provider", cfg.LLM.DefaultProvider,
		"default_model", cfg.LLM.DefaultModel)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	fileConfig, err := loader.loadMainYAML()
	if err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}

	cfg := Default()
	cfg.configDir = configDir

	// Merge user-provided sections into defaults (non-zero values override).
	if fileConfig.Queue != nil {
		if err := mergo.Merge(cfg.Queue, fileConfig.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}
	if fileConfig.Orchestrator != nil {
		if err := mergo.Merge(cfg.Orchestrator, fileConfig.Orchestrator, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge orchestrator config: %w", err)
		}
	}
	if fileConfig.Agents != nil {
		if err := mergeAgents(cfg.Agents, fileConfig.Agents); err != nil {
			return nil, fmt.Errorf("failed to merge agents config: %w", err)
		}
	}
	if fileConfig.LLM != nil {
		if err := mergo.Merge(cfg.LLM, fileConfig.LLM, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge llm config: %w", err)
		}
	}
	if fileConfig.Search != nil {
		if err := mergo.Merge(cfg.Search, fileConfig.Search, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge search config: %w", err)
		}
	}

	return cfg, nil
}

// mergeAgents merges each user agent section over its defaults. Sections
// the user omits keep their defaults whole.
func mergeAgents(dst, src *AgentsConfig) error {
	if src.Query != nil {
		if err := mergo.Merge(dst.Query, src.Query, mergo.WithOverride); err != nil {
			return err
		}
	}
	if src.Scoring != nil {
		if err := mergo.Merge(dst.Scoring, src.Scoring, mergo.WithOverride); err != nil {
			return err
		}
	}
	if src.Citation != nil {
		if err := mergo.Merge(dst.Citation, src.Citation, mergo.WithOverride); err != nil {
			return err
		}
	}
	if src.Reporting != nil {
		if err := mergo.Merge(dst.Reporting, src.Reporting, mergo.WithOverride); err != nil {
			return err
		}
	}
	if src.Counterfactual != nil {
		if err := mergo.Merge(dst.Counterfactual, src.Counterfactual, mergo.WithOverride); err != nil {
			return err
		}
	}
	if src.Verdict != nil {
		if err := mergo.Merge(dst.Verdict, src.Verdict, mergo.WithOverride); err != nil {
			return err
		}
	}
	return nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing the YAML parser to handle the content (or fail with a clearer
	// error message).
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadMainYAML() (*YAMLConfig, error) {
	var config YAMLConfig
	if err := l.loadYAML(ConfigFileName, &config); err != nil {
		return nil, err
	}
	return &config, nil
}
