package agent

import (
	"context"
	"fmt"

	"github.com/bmlibrarian/bmlibrarian/pkg/agent/prompt"
	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/llm"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
	"github.com/bmlibrarian/bmlibrarian/pkg/orchestrator"
)

// TypeScoring is the queue registration name of the scoring agent.
const TypeScoring = "scoring"

// abstractPromptLimit bounds how much document text enters a prompt.
const abstractPromptLimit = 8000

// ScoringAgent judges document relevance to a question on a 1..5 integer
// scale.
type ScoringAgent struct {
	base
	cfg *config.ScoringAgentConfig
}

// NewScoringAgent creates a scoring agent.
func NewScoringAgent(gateway Gateway, bus *events.Bus, cfg *config.ScoringAgentConfig) *ScoringAgent {
	return &ScoringAgent{
		base: newBase(TypeScoring, gateway, bus, cfg.AgentSettings),
		cfg:  cfg,
	}
}

// DefaultThreshold returns the configured qualification threshold.
func (a *ScoringAgent) DefaultThreshold() float64 { return a.cfg.DefaultThreshold }

type scoringResponse struct {
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

func (r scoringResponse) inRange() bool {
	return r.Score >= 1 && r.Score <= 5 && r.Score == float64(int(r.Score))
}

// EvaluateDocument scores one document against the question. An out-of-range
// or non-integer score triggers one corrective re-ask; if the model still
// misbehaves the score is clamped into [1,5] rather than failing the task.
func (a *ScoringAgent) EvaluateDocument(ctx context.Context, question string, doc *models.Document) (*models.ScoringResult, error) {
	if doc == nil {
		return nil, &ValidationError{Field: "document", Reason: "must not be nil"}
	}

	bounded := *doc
	bounded.Abstract = truncate(bounded.Abstract, abstractPromptLimit)
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompt.ScoringSystem},
		{Role: llm.RoleUser, Content: prompt.ScoringUser(question, &bounded)},
	}

	resp, err := a.callLLM(ctx, messages)
	if err != nil {
		return nil, err
	}

	var parsed scoringResponse
	parseErr := a.parseStructured(resp.Content, &parsed, nil)
	if parseErr != nil || !parsed.inRange() {
		resp, err = a.reask(ctx, messages, resp, prompt.ScoringRetry)
		if err != nil {
			return nil, err
		}
		if parseErr = a.parseStructured(resp.Content, &parsed, nil); parseErr != nil {
			return nil, parseErr
		}
	}

	if !parsed.inRange() {
		clamped := clampScore(parsed.Score)
		a.log.Warn("Clamping out-of-range document score",
			"document_id", doc.ID, "raw_score", parsed.Score, "score", clamped)
		parsed.Score = clamped
	}

	return &models.ScoringResult{
		DocumentID: doc.ID,
		Score:      parsed.Score,
		Reasoning:  parsed.Reasoning,
	}, nil
}

func clampScore(score float64) float64 {
	switch {
	case score < 1:
		return 1
	case score > 5:
		return 5
	}
	return float64(int(score))
}

type evaluateDocumentRequest struct {
	Question string          `json:"question"`
	Document models.Document `json:"document"`
}

// Methods returns the agent's queue binding table.
func (a *ScoringAgent) Methods() map[string]orchestrator.MethodFunc {
	return map[string]orchestrator.MethodFunc{
		"evaluate_document": func(ctx context.Context, data map[string]any) (map[string]any, error) {
			var req evaluateDocumentRequest
			if err := decodePayload(data, &req); err != nil {
				return nil, err
			}
			result, err := a.EvaluateDocument(ctx, req.Question, &req.Document)
			if err != nil {
				return nil, fmt.Errorf("evaluating document %d: %w", req.Document.ID, err)
			}
			return encodeResult(result)
		},
	}
}
