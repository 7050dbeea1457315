package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/agent/prompt"
	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/llm"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
	"github.com/bmlibrarian/bmlibrarian/pkg/orchestrator"
)

// TypeVerdict is the queue registration name of the verdict agent.
const TypeVerdict = "verdict"

// VerdictAgent judges whether assembled counter-evidence supports or
// contradicts a statement.
type VerdictAgent struct {
	base
	cfg *config.VerdictAgentConfig
}

// NewVerdictAgent creates a verdict agent.
func NewVerdictAgent(gateway Gateway, bus *events.Bus, cfg *config.VerdictAgentConfig) *VerdictAgent {
	return &VerdictAgent{
		base: newBase(TypeVerdict, gateway, bus, cfg.AgentSettings),
		cfg:  cfg,
	}
}

type verdictResponse struct {
	Verdict    string `json:"verdict"`
	Confidence string `json:"confidence"`
	Rationale  string `json:"rationale"`
}

func (r verdictResponse) validate(minRationale int) error {
	if !models.VerdictOutcome(strings.ToLower(r.Verdict)).IsValid() {
		return &ValidationError{Field: "verdict", Reason: fmt.Sprintf("unknown outcome %q", r.Verdict)}
	}
	if !models.ConfidenceLevel(strings.ToLower(r.Confidence)).IsValid() {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("unknown level %q", r.Confidence)}
	}
	if len(strings.TrimSpace(r.Rationale)) < minRationale {
		return &ValidationError{Field: "rationale",
			Reason: fmt.Sprintf("shorter than %d characters", minRationale)}
	}
	return nil
}

// Analyze weighs the counter-evidence report against a statement. Enum
// fields are validated strictly; a too-short rationale gets one corrective
// re-ask before the call fails.
func (a *VerdictAgent) Analyze(ctx context.Context, statement, counterReport string) (*models.Verdict, error) {
	if strings.TrimSpace(statement) == "" {
		return nil, &ValidationError{Field: "statement", Reason: "must not be empty"}
	}

	minRationale := a.cfg.MinRationaleLength
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompt.VerdictSystem},
		{Role: llm.RoleUser, Content: prompt.VerdictUser(statement, counterReport)},
	}
	resp, err := a.callLLM(ctx, messages)
	if err != nil {
		return nil, err
	}

	var parsed verdictResponse
	parseErr := a.parseStructured(resp.Content, &parsed, nil)
	if parseErr == nil {
		parseErr = parsed.validate(minRationale)
	}
	if parseErr != nil {
		resp, err = a.reask(ctx, messages, resp, prompt.VerdictRationaleRetry(minRationale))
		if err != nil {
			return nil, err
		}
		if err := a.parseStructured(resp.Content, &parsed, nil); err != nil {
			return nil, err
		}
		if err := parsed.validate(minRationale); err != nil {
			return nil, err
		}
	}

	return &models.Verdict{
		Outcome:    models.VerdictOutcome(strings.ToLower(parsed.Verdict)),
		Confidence: models.ConfidenceLevel(strings.ToLower(parsed.Confidence)),
		Rationale:  strings.TrimSpace(parsed.Rationale),
		Statement:  statement,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

type analyzeVerdictRequest struct {
	Statement     string `json:"statement"`
	CounterReport string `json:"counter_report"`
}

// Methods returns the agent's queue binding table.
func (a *VerdictAgent) Methods() map[string]orchestrator.MethodFunc {
	return map[string]orchestrator.MethodFunc{
		"analyze": func(ctx context.Context, data map[string]any) (map[string]any, error) {
			var req analyzeVerdictRequest
			if err := decodePayload(data, &req); err != nil {
				return nil, err
			}
			verdict, err := a.Analyze(ctx, req.Statement, req.CounterReport)
			if err != nil {
				return nil, err
			}
			return encodeResult(map[string]any{"verdict": verdict})
		},
	}
}
