package agent

import (
	"context"
	"strings"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/agent/prompt"
	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/llm"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
	"github.com/bmlibrarian/bmlibrarian/pkg/orchestrator"
	"github.com/bmlibrarian/bmlibrarian/pkg/search"
)

// TypeCounterfactual is the queue registration name of the counterfactual
// agent.
const TypeCounterfactual = "counterfactual"

// CounterfactualAgent designs research questions that would surface
// evidence against a text's main claims.
type CounterfactualAgent struct {
	base
}

// NewCounterfactualAgent creates a counterfactual agent.
func NewCounterfactualAgent(gateway Gateway, bus *events.Bus, cfg *config.CounterfactualAgentConfig) *CounterfactualAgent {
	return &CounterfactualAgent{
		base: newBase(TypeCounterfactual, gateway, bus, cfg.AgentSettings),
	}
}

type counterfactualResponse struct {
	MainClaims []string `json:"main_claims"`
	Questions  []struct {
		Question string   `json:"question"`
		Claim    string   `json:"claim"`
		Priority string   `json:"priority"`
		Keywords []string `json:"keywords"`
	} `json:"questions"`
}

// AnalyzeDocument derives counterfactual research questions from content.
// Returns nil (not an error) when the model finds no checkable claims.
// Question keywords are cleaned for the search backend's tsquery dialect;
// unknown priorities degrade to MEDIUM.
func (a *CounterfactualAgent) AnalyzeDocument(ctx context.Context, content, title string) (*models.CounterfactualAnalysis, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &ValidationError{Field: "content", Reason: "must not be empty"}
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompt.CounterfactualSystem},
		{Role: llm.RoleUser, Content: prompt.CounterfactualUser(truncate(content, abstractPromptLimit), title)},
	}
	resp, err := a.callLLM(ctx, messages)
	if err != nil {
		return nil, err
	}

	var parsed counterfactualResponse
	if err := a.parseStructured(resp.Content, &parsed, nil); err != nil {
		return nil, err
	}
	if len(parsed.Questions) == 0 {
		a.log.Info("No counterfactual questions found", "title", title)
		return nil, nil
	}

	analysis := &models.CounterfactualAnalysis{
		Title:      title,
		MainClaims: parsed.MainClaims,
		CreatedAt:  time.Now().UTC(),
	}
	for _, q := range parsed.Questions {
		if strings.TrimSpace(q.Question) == "" {
			continue
		}
		priority := models.QuestionPriority(strings.ToUpper(q.Priority))
		if !priority.IsValid() {
			priority = models.QuestionPriorityMedium
		}
		analysis.Questions = append(analysis.Questions, models.CounterfactualQuestion{
			Question: q.Question,
			Claim:    q.Claim,
			Priority: priority,
			Keywords: cleanKeywords(q.Keywords),
		})
	}
	if len(analysis.Questions) == 0 {
		return nil, nil
	}
	return analysis, nil
}

// cleanKeywords runs each keyword through the tsquery sanitiser's term
// rules, dropping any that sanitise to nothing.
func cleanKeywords(keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		if search.QueryFromKeywords([]string{kw}) != "" {
			out = append(out, strings.TrimSpace(kw))
		}
	}
	return out
}

type statementsResponse struct {
	Statements []models.Statement `json:"statements"`
}

// ExtractStatements dissects a paper's abstract into checkable claims, each
// paired with its counter-statement.
func (a *CounterfactualAgent) ExtractStatements(ctx context.Context, title, abstract string) ([]models.Statement, error) {
	if strings.TrimSpace(abstract) == "" {
		return nil, &ValidationError{Field: "abstract", Reason: "must not be empty"}
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompt.StatementsSystem},
		{Role: llm.RoleUser, Content: prompt.StatementsUser(title, truncate(abstract, abstractPromptLimit))},
	}
	resp, err := a.callLLM(ctx, messages)
	if err != nil {
		return nil, err
	}

	var parsed statementsResponse
	if err := a.parseStructured(resp.Content, &parsed, nil); err != nil {
		return nil, err
	}

	var statements []models.Statement
	for _, s := range parsed.Statements {
		if strings.TrimSpace(s.Text) == "" || strings.TrimSpace(s.CounterStatement) == "" {
			continue
		}
		statements = append(statements, s)
	}
	return statements, nil
}

type analyzeDocumentRequest struct {
	Content string `json:"content"`
	Title   string `json:"title"`
}

type extractStatementsRequest struct {
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
}

// Methods returns the agent's queue binding table.
func (a *CounterfactualAgent) Methods() map[string]orchestrator.MethodFunc {
	return map[string]orchestrator.MethodFunc{
		"analyze_document": func(ctx context.Context, data map[string]any) (map[string]any, error) {
			var req analyzeDocumentRequest
			if err := decodePayload(data, &req); err != nil {
				return nil, err
			}
			analysis, err := a.AnalyzeDocument(ctx, req.Content, req.Title)
			if err != nil {
				return nil, err
			}
			if analysis == nil {
				return map[string]any{"analysis": nil}, nil
			}
			return encodeResult(map[string]any{"analysis": analysis})
		},
		"extract_statements": func(ctx context.Context, data map[string]any) (map[string]any, error) {
			var req extractStatementsRequest
			if err := decodePayload(data, &req); err != nil {
				return nil, err
			}
			statements, err := a.ExtractStatements(ctx, req.Title, req.Abstract)
			if err != nil {
				return nil, err
			}
			return encodeResult(map[string]any{"statements": statements})
		},
	}
}
