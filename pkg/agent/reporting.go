package agent

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bmlibrarian/bmlibrarian/pkg/agent/prompt"
	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/llm"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
	"github.com/bmlibrarian/bmlibrarian/pkg/orchestrator"
)

// TypeReporting is the queue registration name of the reporting agent.
const TypeReporting = "reporting"

// markerPattern matches inline citation markers: [1], [2,3], [4, 5]. The
// optional leading space lets a dropped marker take its separator with it.
var markerPattern = regexp.MustCompile(` ?\[(\d+(?:\s*,\s*\d+)*)\]`)

// ReportingAgent synthesises a cited evidence report from extracted
// citations.
type ReportingAgent struct {
	base
	cfg *config.ReportingAgentConfig
}

// NewReportingAgent creates a reporting agent.
func NewReportingAgent(gateway Gateway, bus *events.Bus, cfg *config.ReportingAgentConfig) *ReportingAgent {
	return &ReportingAgent{
		base: newBase(TypeReporting, gateway, bus, cfg.AgentSettings),
		cfg:  cfg,
	}
}

// MinCitations returns the configured synthesis floor.
func (a *ReportingAgent) MinCitations() int { return a.cfg.MinCitations }

type reportingResponse struct {
	Answer          string `json:"answer"`
	MethodologyNote string `json:"methodology_note"`
}

// SynthesizeReport writes the evidence report for a question from its
// citations. Returns nil (not an error) when there are fewer than
// minCitations to work with. References are deduplicated by document id in
// first-seen order and the prose's [N] markers are rewritten to the final
// numbering; markers that resolve to no reference are removed.
func (a *ReportingAgent) SynthesizeReport(ctx context.Context, question string, citations []models.Citation, minCitations int) (*models.Report, error) {
	if strings.TrimSpace(question) == "" {
		return nil, &ValidationError{Field: "question", Reason: "must not be empty"}
	}
	if minCitations <= 0 {
		minCitations = a.cfg.MinCitations
	}
	if len(citations) < minCitations {
		a.log.Info("Not enough citations for a report",
			"citations", len(citations), "min_citations", minCitations)
		return nil, nil
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: prompt.ReportingSystem},
		{Role: llm.RoleUser, Content: prompt.ReportingUser(question, citations)},
	}
	resp, err := a.callLLM(ctx, messages)
	if err != nil {
		return nil, err
	}

	var parsed reportingResponse
	if err := a.parseStructured(resp.Content, &parsed, func() error {
		if strings.TrimSpace(parsed.Answer) == "" {
			return &ValidationError{Field: "answer", Reason: "must not be empty"}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	references, renumbering := BuildReferences(citations)
	answer := RenumberMarkers(parsed.Answer, renumbering)

	return &models.Report{
		ID:                uuid.NewString(),
		UserQuestion:      question,
		SynthesizedAnswer: answer,
		References:        references,
		EvidenceStrength:  GradeEvidence(citations),
		MethodologyNote:   parsed.MethodologyNote,
		CitationCount:     len(citations),
		UniqueDocuments:   len(references),
		CreatedAt:         time.Now().UTC(),
	}, nil
}

// BuildReferences deduplicates citations by document id in first-seen order
// and assigns 1-based reference numbers. The returned map translates the
// provisional per-citation numbering (position in the citations slice,
// 1-based) to final reference numbers.
func BuildReferences(citations []models.Citation) ([]models.Reference, map[int]int) {
	var references []models.Reference
	byDocument := make(map[int64]int) // document id → final number
	renumbering := make(map[int]int, len(citations))

	for i, c := range citations {
		number, seen := byDocument[c.DocumentID]
		if !seen {
			number = len(references) + 1
			byDocument[c.DocumentID] = number
			references = append(references, models.Reference{
				Number:          number,
				Authors:         c.Authors,
				Title:           c.DocumentTitle,
				PublicationDate: c.PublicationDate,
				PMID:            c.PMID,
				DocumentID:      c.DocumentID,
			})
		}
		renumbering[i+1] = number
	}
	return references, renumbering
}

// RenumberMarkers rewrites the [N] markers in text through the renumbering
// map, collapsing duplicates inside one marker. A number with no mapping has
// no reference to point at, so it is dropped; a marker left empty is removed
// from the prose entirely.
func RenumberMarkers(text string, renumbering map[int]int) string {
	return markerPattern.ReplaceAllStringFunc(text, func(marker string) string {
		lead := ""
		if strings.HasPrefix(marker, " ") {
			lead = " "
		}
		inner := strings.Trim(strings.TrimSpace(marker), "[]")
		var out []string
		seen := make(map[string]bool)
		for _, part := range strings.Split(inner, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			mapped, ok := renumbering[n]
			if !ok {
				continue
			}
			rendered := strconv.Itoa(mapped)
			if !seen[rendered] {
				seen[rendered] = true
				out = append(out, rendered)
			}
		}
		if len(out) == 0 {
			return ""
		}
		return lead + "[" + strings.Join(out, ",") + "]"
	})
}

// GradeEvidence derives the categorical evidence strength from citation
// count, unique-document count, and mean relevance.
func GradeEvidence(citations []models.Citation) models.EvidenceStrength {
	if len(citations) == 0 {
		return models.EvidenceInsufficient
	}

	unique := make(map[int64]bool)
	var relevanceSum float64
	for _, c := range citations {
		unique[c.DocumentID] = true
		relevanceSum += c.RelevanceScore
	}
	meanRelevance := relevanceSum / float64(len(citations))

	switch {
	case len(citations) >= 10 && len(unique) >= 5 && meanRelevance >= 0.7:
		return models.EvidenceStrong
	case len(citations) >= 5 && len(unique) >= 3 && meanRelevance >= 0.5:
		return models.EvidenceModerate
	case len(citations) >= 2:
		return models.EvidenceLimited
	}
	return models.EvidenceInsufficient
}

type synthesizeReportRequest struct {
	Question     string            `json:"question"`
	Citations    []models.Citation `json:"citations"`
	MinCitations int               `json:"min_citations"`
}

// Methods returns the agent's queue binding table.
func (a *ReportingAgent) Methods() map[string]orchestrator.MethodFunc {
	return map[string]orchestrator.MethodFunc{
		"synthesize_report": func(ctx context.Context, data map[string]any) (map[string]any, error) {
			var req synthesizeReportRequest
			if err := decodePayload(data, &req); err != nil {
				return nil, err
			}
			report, err := a.SynthesizeReport(ctx, req.Question, req.Citations, req.MinCitations)
			if err != nil {
				return nil, err
			}
			if report == nil {
				return map[string]any{"report": nil}, nil
			}
			return encodeResult(map[string]any{"report": report})
		},
	}
}
