package agent

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/agent/prompt"
	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/llm"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
	"github.com/bmlibrarian/bmlibrarian/pkg/orchestrator"
)

// TypeCitation is the queue registration name of the citation agent.
const TypeCitation = "citation"

// CitationAgent extracts verbatim supporting passages from documents. The
// returned citation's DocumentID always comes from the retrieved document,
// never from model output, and the passage must be a substring of the
// document's text.
type CitationAgent struct {
	base
	cfg *config.CitationAgentConfig

	passageMismatches atomic.Int64
}

// NewCitationAgent creates a citation agent.
func NewCitationAgent(gateway Gateway, bus *events.Bus, cfg *config.CitationAgentConfig) *CitationAgent {
	return &CitationAgent{
		base: newBase(TypeCitation, gateway, bus, cfg.AgentSettings),
		cfg:  cfg,
	}
}

// MinRelevance returns the configured relevance floor.
func (a *CitationAgent) MinRelevance() float64 { return a.cfg.MinRelevance }

// PassageMismatches counts citations dropped because the quoted passage was
// not found in the document.
func (a *CitationAgent) PassageMismatches() int64 { return a.passageMismatches.Load() }

type citationResponse struct {
	Relevant  bool    `json:"relevant"`
	Passage   string  `json:"passage"`
	Summary   string  `json:"summary"`
	Relevance float64 `json:"relevance"`
}

// ExtractCitation returns a citation from doc supporting the question, or
// nil when the document has nothing to offer: the model declares it
// irrelevant, the relevance is below minRelevance, or the quoted passage is
// not actually in the document. A nil return is not an error.
func (a *CitationAgent) ExtractCitation(ctx context.Context, question string, doc *models.Document, minRelevance float64) (*models.Citation, error) {
	if doc == nil {
		return nil, &ValidationError{Field: "document", Reason: "must not be nil"}
	}
	if minRelevance <= 0 {
		minRelevance = a.cfg.MinRelevance
	}
	if doc.Text() == "" {
		return nil, nil
	}

	bounded := *doc
	bounded.Abstract = truncate(bounded.Abstract, abstractPromptLimit)
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompt.CitationSystem},
		{Role: llm.RoleUser, Content: prompt.CitationUser(question, &bounded)},
	}
	resp, err := a.callLLM(ctx, messages)
	if err != nil {
		return nil, err
	}

	var parsed citationResponse
	if err := a.parseStructured(resp.Content, &parsed, nil); err != nil {
		return nil, err
	}

	if !parsed.Relevant || parsed.Relevance < minRelevance {
		return nil, nil
	}
	passage := strings.TrimSpace(parsed.Passage)
	if passage == "" {
		return nil, nil
	}
	if !strings.Contains(doc.Text(), passage) {
		a.passageMismatches.Add(1)
		a.log.Warn("Discarding citation with fabricated passage",
			"document_id", doc.ID, "passage_prefix", truncate(passage, 80))
		return nil, nil
	}

	return &models.Citation{
		Passage:         passage,
		Summary:         parsed.Summary,
		RelevanceScore:  parsed.Relevance,
		DocumentID:      doc.ID,
		DocumentTitle:   doc.Title,
		Authors:         doc.Authors,
		PublicationDate: doc.PublicationDate,
		PMID:            doc.PMID,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

type extractCitationRequest struct {
	Question     string          `json:"question"`
	Document     models.Document `json:"document"`
	MinRelevance float64         `json:"min_relevance"`
}

// Methods returns the agent's queue binding table.
func (a *CitationAgent) Methods() map[string]orchestrator.MethodFunc {
	return map[string]orchestrator.MethodFunc{
		"extract_citation": func(ctx context.Context, data map[string]any) (map[string]any, error) {
			var req extractCitationRequest
			if err := decodePayload(data, &req); err != nil {
				return nil, err
			}
			citation, err := a.ExtractCitation(ctx, req.Question, &req.Document, req.MinRelevance)
			if err != nil {
				return nil, fmt.Errorf("extracting citation from document %d: %w", req.Document.ID, err)
			}
			if citation == nil {
				// A document with no usable passage completes, it does not fail.
				return map[string]any{"citation": nil}, nil
			}
			return encodeResult(map[string]any{"citation": citation})
		},
	}
}
