package config

import "fmt"

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}
	if err := v.validateOrchestrator(); err != nil {
		return fmt.Errorf("orchestrator validation failed: %w", err)
	}
	if err := v.validateAgents(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}
	if err := v.validateLLM(); err != nil {
		return fmt.Errorf("llm validation failed: %w", err)
	}
	if err := v.validateSearch(); err != nil {
		return fmt.Errorf("search validation failed: %w", err)
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q == nil {
		return NewValidationError("queue", "", ErrMissingRequiredField)
	}
	if q.Path == "" {
		return NewValidationError("queue", "path", ErrMissingRequiredField)
	}
	if q.StaleLeaseSeconds <= 0 {
		return NewValidationError("queue", "stale_lease_seconds", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.CleanupAgeHours <= 0 {
		return NewValidationError("queue", "cleanup_age_hours", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if q.MaintenanceIntervalMinutes <= 0 {
		return NewValidationError("queue", "maintenance_interval_minutes", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateOrchestrator() error {
	o := v.cfg.Orchestrator
	if o == nil {
		return NewValidationError("orchestrator", "", ErrMissingRequiredField)
	}
	if o.MaxWorkers < 1 {
		return NewValidationError("orchestrator", "max_workers", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if o.PollingIntervalMS <= 0 {
		return NewValidationError("orchestrator", "polling_interval_ms", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if o.HeartbeatSeconds <= 0 {
		return NewValidationError("orchestrator", "heartbeat_seconds", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if o.ShutdownGraceSeconds < 0 {
		return NewValidationError("orchestrator", "shutdown_grace_seconds", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateAgents() error {
	a := v.cfg.Agents
	if a == nil || a.Query == nil || a.Scoring == nil || a.Citation == nil ||
		a.Reporting == nil || a.Counterfactual == nil || a.Verdict == nil {
		return NewValidationError("agents", "", fmt.Errorf("%w: all agent sections must resolve", ErrMissingRequiredField))
	}

	settings := map[string]AgentSettings{
		"query_agent":          a.Query.AgentSettings,
		"scoring_agent":        a.Scoring.AgentSettings,
		"citation_agent":       a.Citation.AgentSettings,
		"reporting_agent":      a.Reporting.AgentSettings,
		"counterfactual_agent": a.Counterfactual.AgentSettings,
		"verdict_agent":        a.Verdict.AgentSettings,
	}
	for name, s := range settings {
		if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
			return NewValidationError("agents."+name, "temperature", fmt.Errorf("%w: must be in [0,2]", ErrInvalidValue))
		}
		if s.TopP != nil && (*s.TopP <= 0 || *s.TopP > 1) {
			return NewValidationError("agents."+name, "top_p", fmt.Errorf("%w: must be in (0,1]", ErrInvalidValue))
		}
		if s.MaxTokens < 0 {
			return NewValidationError("agents."+name, "max_tokens", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
		}
	}

	if t := a.Scoring.DefaultThreshold; t < 1 || t > 5 {
		return NewValidationError("agents.scoring_agent", "default_threshold", fmt.Errorf("%w: must be in [1,5]", ErrInvalidValue))
	}
	if r := a.Citation.MinRelevance; r < 0 || r > 1 {
		return NewValidationError("agents.citation_agent", "min_relevance", fmt.Errorf("%w: must be in [0,1]", ErrInvalidValue))
	}
	if a.Reporting.MinCitations < 0 {
		return NewValidationError("agents.reporting_agent", "min_citations", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	if a.Verdict.MinRationaleLength < 0 {
		return NewValidationError("agents.verdict_agent", "min_rationale_length", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateLLM() error {
	l := v.cfg.LLM
	if l == nil {
		return NewValidationError("llm", "", ErrMissingRequiredField)
	}
	if l.DefaultProvider == "" {
		return NewValidationError("llm", "default_provider", ErrMissingRequiredField)
	}
	if l.DefaultModel == "" {
		return NewValidationError("llm", "default_model", ErrMissingRequiredField)
	}
	if l.PerCallTimeoutSeconds <= 0 {
		return NewValidationError("llm", "per_call_timeout_seconds", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if len(l.Providers) == 0 {
		return NewValidationError("llm", "providers", fmt.Errorf("%w: at least one provider required", ErrMissingRequiredField))
	}
	if _, ok := l.Providers[l.DefaultProvider]; !ok {
		return NewValidationError("llm", "default_provider", fmt.Errorf("%w: provider '%s' is not configured", ErrInvalidValue, l.DefaultProvider))
	}
	for name, p := range l.Providers {
		if p.BaseURL == "" {
			return NewValidationError("llm.providers."+name, "base_url", ErrMissingRequiredField)
		}
	}
	return nil
}

func (v *ConfigValidator) validateSearch() error {
	s := v.cfg.Search
	if s == nil {
		return NewValidationError("search", "", ErrMissingRequiredField)
	}
	if s.DSN == "" {
		return NewValidationError("search", "dsn", ErrMissingRequiredField)
	}
	if s.MaxConns < 1 {
		return NewValidationError("search", "max_conns", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	return nil
}
