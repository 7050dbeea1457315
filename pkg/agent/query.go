package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmlibrarian/bmlibrarian/pkg/agent/prompt"
	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/llm"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
	"github.com/bmlibrarian/bmlibrarian/pkg/orchestrator"
	"github.com/bmlibrarian/bmlibrarian/pkg/search"
)

// TypeQuery is the queue registration name of the query agent.
const TypeQuery = "query"

// QueryAgent converts research questions to full-text queries and runs them
// against the search backend.
type QueryAgent struct {
	base
	backend search.Backend
}

// NewQueryAgent creates a query agent on the given gateway and backend.
func NewQueryAgent(gateway Gateway, backend search.Backend, bus *events.Bus, cfg *config.QueryAgentConfig) *QueryAgent {
	return &QueryAgent{
		base:    newBase(TypeQuery, gateway, bus, cfg.AgentSettings),
		backend: backend,
	}
}

type queryResponse struct {
	Query string `json:"query"`
}

// ConvertQuestion turns a natural-language research question into a
// sanitised tsquery expression. The model's output always passes through
// the sanitiser, so the result is safe to hand to the search backend.
func (a *QueryAgent) ConvertQuestion(ctx context.Context, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", &ValidationError{Field: "question", Reason: "must not be empty"}
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompt.QueryConversionSystem},
		{Role: llm.RoleUser, Content: prompt.QueryConversionUser(question)},
	}
	resp, err := a.callLLM(ctx, messages)
	if err != nil {
		return "", err
	}

	query, err := a.parseQuery(resp)
	if err != nil || query == "" {
		// One corrective turn for an empty or unparseable query.
		resp, reErr := a.reask(ctx, messages, resp,
			"The query was empty or malformed. Respond with JSON only: {\"query\": \"<tsquery expression>\"}")
		if reErr != nil {
			return "", reErr
		}
		if query, err = a.parseQuery(resp); err != nil {
			return "", err
		}
	}
	if query == "" {
		return "", fmt.Errorf("query agent: model produced no usable query for question %q", question)
	}

	a.log.Debug("Converted question to query", "query", query)
	return query, nil
}

func (a *QueryAgent) parseQuery(resp *llm.Response) (string, error) {
	var parsed queryResponse
	if err := a.parseStructured(resp.Content, &parsed, nil); err != nil {
		return "", err
	}
	return search.SanitizeQuery(parsed.Query), nil
}

// FindAbstracts runs a tsquery against the backend.
func (a *QueryAgent) FindAbstracts(ctx context.Context, query string, offset, limit int) ([]models.Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if limit <= 0 {
		return nil, &ValidationError{Field: "limit", Reason: "must be positive"}
	}
	docs, err := a.backend.FindAbstracts(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	return docs, nil
}

// BroadenQuery produces a wider variant of a query that found too few
// documents. The broadening strategy escalates with the attempt number:
// synonyms first, then dropping the least central term, then generalising
// entities to categories.
func (a *QueryAgent) BroadenQuery(ctx context.Context, query string, attempt int) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", &ValidationError{Field: "query", Reason: "must not be empty"}
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompt.QueryConversionSystem},
		{Role: llm.RoleUser, Content: prompt.BroadenQueryUser(query, attempt)},
	}
	resp, err := a.callLLM(ctx, messages)
	if err != nil {
		return "", err
	}
	broadened, err := a.parseQuery(resp)
	if err != nil {
		return "", err
	}
	if broadened == "" {
		return "", fmt.Errorf("query agent: broadening attempt %d produced no usable query", attempt)
	}

	a.log.Debug("Broadened query", "attempt", attempt, "query", broadened)
	return broadened, nil
}

type convertQuestionRequest struct {
	Question string `json:"question"`
}

type findAbstractsRequest struct {
	Query  string `json:"query"`
	Offset int    `json:"offset"`
	Limit  int    `json:"limit"`
}

type broadenQueryRequest struct {
	Query   string `json:"query"`
	Attempt int    `json:"attempt"`
}

// Methods returns the agent's queue binding table.
func (a *QueryAgent) Methods() map[string]orchestrator.MethodFunc {
	return map[string]orchestrator.MethodFunc{
		"convert_question": func(ctx context.Context, data map[string]any) (map[string]any, error) {
			var req convertQuestionRequest
			if err := decodePayload(data, &req); err != nil {
				return nil, err
			}
			query, err := a.ConvertQuestion(ctx, req.Question)
			if err != nil {
				return nil, err
			}
			return map[string]any{"query": query}, nil
		},
		"find_abstracts": func(ctx context.Context, data map[string]any) (map[string]any, error) {
			var req findAbstractsRequest
			if err := decodePayload(data, &req); err != nil {
				return nil, err
			}
			docs, err := a.FindAbstracts(ctx, req.Query, req.Offset, req.Limit)
			if err != nil {
				return nil, err
			}
			return encodeResult(map[string]any{"documents": docs})
		},
		"broaden_query": func(ctx context.Context, data map[string]any) (map[string]any, error) {
			var req broadenQueryRequest
			if err := decodePayload(data, &req); err != nil {
				return nil, err
			}
			query, err := a.BroadenQuery(ctx, req.Query, req.Attempt)
			if err != nil {
				return nil, err
			}
			return map[string]any{"query": query}, nil
		},
	}
}
