// Package pipeline drives the research and paper-checking flows end to end:
// question → search → scoring → citation fan-out through the task queue →
// report synthesis, and statement extraction → adversarial retrieval →
// verdicts. The controller owns cross-agent rules the individual agents
// cannot enforce alone, citation integrity above all.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/agent"
	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/jsonrepair"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
	"github.com/bmlibrarian/bmlibrarian/pkg/orchestrator"
	"github.com/bmlibrarian/bmlibrarian/pkg/queue"
	"github.com/bmlibrarian/bmlibrarian/pkg/search"
)

// DefaultWaitTimeout bounds how long a flow waits for a queued fan-out
// batch.
const DefaultWaitTimeout = 10 * time.Minute

// Agents bundles the specialised agents the controller drives.
type Agents struct {
	Query          *agent.QueryAgent
	Scoring        *agent.ScoringAgent
	Citation       *agent.CitationAgent
	Reporting      *agent.ReportingAgent
	Counterfactual *agent.CounterfactualAgent
	Verdict        *agent.VerdictAgent
}

// Controller runs the multi-agent flows over the orchestrator's queue.
type Controller struct {
	orch    *orchestrator.Orchestrator
	agents  Agents
	gateway agent.Gateway
	backend search.Backend
	bus     *events.Bus
	log     *slog.Logger

	fabricatedCitations atomic.Int64
}

// New creates a pipeline controller. bus may be nil.
func New(orch *orchestrator.Orchestrator, agents Agents, gateway agent.Gateway, backend search.Backend, bus *events.Bus) *Controller {
	return &Controller{
		orch:    orch,
		agents:  agents,
		gateway: gateway,
		backend: backend,
		bus:     bus,
		log:     slog.With("component", "pipeline"),
	}
}

// FabricatedCitations counts citations dropped because their document id was
// not among the retrieved documents.
func (c *Controller) FabricatedCitations() int64 {
	return c.fabricatedCitations.Load()
}

// ResearchOptions tunes RunResearch. Zero values take the agents' configured
// defaults.
type ResearchOptions struct {
	// ScoreThreshold is the minimum relevance score a document needs to
	// enter citation extraction. Nil takes the scoring agent's configured
	// threshold; an explicit zero admits every scored document.
	ScoreThreshold *float64
	// MinRelevance is the citation relevance floor in [0,1].
	MinRelevance float64
	// MinCitations is the report synthesis floor.
	MinCitations int
	// Iterative tunes the search phase.
	Iterative agent.IterativeOptions
	// WaitTimeout bounds the citation fan-out wait.
	WaitTimeout time.Duration
}

// ResearchResult is the outcome of one research run. Documents holds every
// unique document the search fetched and scored, not just those that cleared
// the threshold.
type ResearchResult struct {
	Report       *models.Report                  `json:"report,omitempty"`
	Documents    []models.Document               `json:"documents"`
	Scored       map[int64]*models.ScoringResult `json:"scored"`
	Citations    []models.Citation               `json:"citations"`
	QueriesTried []string                        `json:"queries_tried"`
	TaskFailures int                             `json:"task_failures"`
}

// RunResearch executes the full research flow for a question: query
// conversion, iterative search with scoring, citation extraction fanned out
// through the task queue, and report synthesis. A nil Report in the result
// means the evidence did not clear the reporting floor; that is an answer,
// not an error.
func (c *Controller) RunResearch(ctx context.Context, question string, opts ResearchOptions) (*ResearchResult, error) {
	runID := fmt.Sprintf("research-%d", time.Now().UnixNano())
	if opts.ScoreThreshold == nil {
		threshold := c.agents.Scoring.DefaultThreshold()
		opts.ScoreThreshold = &threshold
	}
	if opts.Iterative.ScoreThreshold == nil {
		opts.Iterative.ScoreThreshold = opts.ScoreThreshold
	}

	c.stageStart(runID, "query", nil)
	query, err := c.agents.Query.ConvertQuestion(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("research %s: %w", runID, err)
	}
	c.stageEnd(runID, "query", map[string]any{"query": query})

	c.stageStart(runID, "search", map[string]any{"query": query})
	searched, err := c.agents.Query.FindAbstractsIterative(ctx, question, query, c.agents.Scoring, opts.Iterative)
	if err != nil {
		return nil, fmt.Errorf("research %s: %w", runID, err)
	}
	c.stageEnd(runID, "search", map[string]any{
		"documents":  len(searched.Documents),
		"qualifying": len(searched.Qualifying),
		"scored":     len(searched.Scored),
		"queries":    len(searched.QueriesTried),
	})

	result := &ResearchResult{
		Documents:    searched.Documents,
		Scored:       searched.Scored,
		QueriesTried: searched.QueriesTried,
	}

	c.stageStart(runID, "citations", map[string]any{"candidates": len(searched.Qualifying)})
	citations, failures, err := c.extractCitations(ctx, question, searched.Documents, searched.Scored, opts)
	if err != nil {
		return nil, fmt.Errorf("research %s: %w", runID, err)
	}
	result.Citations = citations
	result.TaskFailures = failures
	c.stageEnd(runID, "citations", map[string]any{
		"citations": len(citations),
		"failures":  failures,
	})

	c.stageStart(runID, "report", map[string]any{"citations": len(citations)})
	report, err := c.agents.Reporting.SynthesizeReport(ctx, question, citations, opts.MinCitations)
	if err != nil {
		return nil, fmt.Errorf("research %s: %w", runID, err)
	}
	result.Report = report
	c.stageEnd(runID, "report", map[string]any{"synthesized": report != nil})

	return result, nil
}

// ProcessScoredDocumentsForCitations is the deterministic citation fan-out:
// every document meeting the threshold becomes one queue task for the
// citation agent, the batch is awaited, and surviving citations pass the
// integrity filter. Failed tasks are counted, not fatal. A nil threshold
// takes the scoring agent's configured default; an explicit zero admits
// every scored document.
func (c *Controller) ProcessScoredDocumentsForCitations(ctx context.Context, question string, docs []models.Document, scored map[int64]*models.ScoringResult, threshold *float64, minRelevance float64) ([]models.Citation, int, error) {
	return c.extractCitations(ctx, question, docs, scored,
		ResearchOptions{ScoreThreshold: threshold, MinRelevance: minRelevance})
}

func (c *Controller) extractCitations(ctx context.Context, question string, docs []models.Document, scored map[int64]*models.ScoringResult, opts ResearchOptions) ([]models.Citation, int, error) {
	threshold := c.agents.Scoring.DefaultThreshold()
	if opts.ScoreThreshold != nil {
		threshold = *opts.ScoreThreshold
	}

	knownIDs := make(map[int64]bool, len(docs))
	var reqs []queue.EnqueueRequest
	for _, doc := range docs {
		score, ok := scored[doc.ID]
		if !ok || !score.Meets(threshold) {
			continue
		}
		knownIDs[doc.ID] = true
		reqs = append(reqs, queue.EnqueueRequest{
			TargetAgent: agent.TypeCitation,
			Method:      "extract_citation",
			Data: map[string]any{
				"question":      question,
				"document":      doc,
				"min_relevance": opts.MinRelevance,
			},
		})
	}
	if len(reqs) == 0 {
		return nil, 0, nil
	}

	ids, err := c.orch.SubmitBatch(ctx, reqs)
	if err != nil {
		return nil, 0, fmt.Errorf("submitting citation batch: %w", err)
	}

	timeout := opts.WaitTimeout
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}
	tasks, err := c.orch.Wait(ctx, ids, timeout)
	if err != nil {
		return nil, 0, fmt.Errorf("waiting for citation batch: %w", err)
	}

	var citations []models.Citation
	failures := 0
	for _, id := range ids {
		task, ok := tasks[id]
		if !ok || task.Status != queue.StatusCompleted {
			failures++
			continue
		}
		citation, err := decodeCitation(task.Result)
		if err != nil {
			c.log.Warn("Discarding undecodable citation result", "task_id", id, "error", err)
			failures++
			continue
		}
		if citation != nil {
			citations = append(citations, *citation)
		}
	}

	kept, dropped := FilterCitations(citations, knownIDs)
	if dropped > 0 {
		c.fabricatedCitations.Add(int64(dropped))
		c.log.Warn("Dropped citations with fabricated document ids", "dropped", dropped)
	}
	return kept, failures, nil
}

// decodeCitation unpacks a citation task result. A nil citation field means
// the document had nothing usable.
func decodeCitation(result map[string]any) (*models.Citation, error) {
	raw, ok := result["citation"]
	if !ok || raw == nil {
		return nil, nil
	}
	encoded, err := jsonMarshal(raw)
	if err != nil {
		return nil, err
	}
	var citation models.Citation
	if err := jsonrepair.SafeUnmarshal(encoded, &citation); err != nil {
		return nil, err
	}
	if strings.TrimSpace(citation.Passage) == "" {
		return nil, nil
	}
	return &citation, nil
}

func (c *Controller) stageStart(runID, stage string, data map[string]any) {
	c.publishStage(events.TypeStageStart, runID, stage, data)
}

func (c *Controller) stageEnd(runID, stage string, data map[string]any) {
	c.publishStage(events.TypeStageEnd, runID, stage, data)
}

func (c *Controller) publishStage(evtType events.EventType, runID, stage string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["run_id"] = runID
	data["stage"] = stage
	c.bus.Publish(events.Event{
		Type:    evtType,
		Message: fmt.Sprintf("Stage %s: %s", stage, evtType),
		Data:    data,
	})
}
