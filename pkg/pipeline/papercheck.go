package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bmlibrarian/bmlibrarian/pkg/agent"
	"github.com/bmlibrarian/bmlibrarian/pkg/agent/prompt"
	"github.com/bmlibrarian/bmlibrarian/pkg/llm"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
	"github.com/bmlibrarian/bmlibrarian/pkg/search"
)

// Retrieval strategy names recorded in a document's provenance.
const (
	StrategyKeyword  = "keyword"
	StrategySemantic = "semantic"
	StrategyHyde     = "hyde"
)

// PaperCheckOptions tunes CheckPaper. Zero values take defaults.
type PaperCheckOptions struct {
	// PerStrategyLimit bounds how many documents each retrieval strategy
	// contributes per statement.
	PerStrategyLimit int
	// ScoreThreshold is the relevance floor for counter-evidence documents.
	// Nil takes the scoring agent's configured threshold; an explicit zero
	// admits every scored document.
	ScoreThreshold *float64
	// MinRelevance is the citation relevance floor.
	MinRelevance float64
	// EmbedModel names the embedding model for the semantic and HyDE
	// strategies.
	EmbedModel string
	// WaitTimeout bounds each statement's citation fan-out.
	WaitTimeout time.Duration
}

func (o *PaperCheckOptions) applyDefaults(scoring *agent.ScoringAgent) {
	if o.PerStrategyLimit <= 0 {
		o.PerStrategyLimit = 10
	}
	if o.ScoreThreshold == nil {
		threshold := scoring.DefaultThreshold()
		o.ScoreThreshold = &threshold
	}
	if o.EmbedModel == "" {
		o.EmbedModel = "nomic-embed-text"
	}
}

// RetrievedDocument is a counter-evidence candidate with the retrieval
// strategies that found it.
type RetrievedDocument struct {
	models.Document
	FoundBy []string `json:"found_by"`
}

// StatementCheck is the outcome for one extracted statement.
type StatementCheck struct {
	Statement     models.Statement    `json:"statement"`
	Retrieved     []RetrievedDocument `json:"retrieved"`
	Citations     []models.Citation   `json:"citations"`
	CounterReport *models.Report      `json:"counter_report,omitempty"`
	Verdict       models.Verdict      `json:"verdict"`
}

// PaperCheckResult is the outcome of checking one paper.
type PaperCheckResult struct {
	Title      string             `json:"title"`
	Statements []models.Statement `json:"statements"`
	Checks     []StatementCheck   `json:"checks"`
	Verdicts   []models.Verdict   `json:"verdicts"`
	Overall    OverallAssessment  `json:"overall"`
}

// CheckPaper runs the adversarial flow against a paper's abstract: extract
// its claims, hunt for evidence against each via keyword, semantic, and
// HyDE retrieval, assemble counter-evidence reports, and pass verdicts.
// Strategy failures degrade the search rather than aborting the check.
func (c *Controller) CheckPaper(ctx context.Context, title, abstract string, opts PaperCheckOptions) (*PaperCheckResult, error) {
	runID := fmt.Sprintf("papercheck-%d", time.Now().UnixNano())
	opts.applyDefaults(c.agents.Scoring)

	c.stageStart(runID, "statements", nil)
	statements, err := c.agents.Counterfactual.ExtractStatements(ctx, title, abstract)
	if err != nil {
		return nil, fmt.Errorf("paper check %s: %w", runID, err)
	}
	c.stageEnd(runID, "statements", map[string]any{"statements": len(statements)})

	result := &PaperCheckResult{Title: title, Statements: statements}
	for i, statement := range statements {
		stage := fmt.Sprintf("statement_%d", i+1)
		c.stageStart(runID, stage, map[string]any{"statement": statement.Text})

		check, err := c.checkStatement(ctx, statement, opts)
		if err != nil {
			return nil, fmt.Errorf("paper check %s: statement %d: %w", runID, i+1, err)
		}
		result.Checks = append(result.Checks, *check)
		result.Verdicts = append(result.Verdicts, check.Verdict)

		c.stageEnd(runID, stage, map[string]any{
			"retrieved": len(check.Retrieved),
			"citations": len(check.Citations),
			"verdict":   string(check.Verdict.Outcome),
		})
	}

	result.Overall = AggregateVerdicts(result.Verdicts)
	c.stageEnd(runID, "overall", map[string]any{"label": result.Overall.Label})
	return result, nil
}

// checkStatement assembles counter-evidence for one statement and judges it.
func (c *Controller) checkStatement(ctx context.Context, statement models.Statement, opts PaperCheckOptions) (*StatementCheck, error) {
	check := &StatementCheck{Statement: statement}

	check.Retrieved = c.retrieveCounterEvidence(ctx, statement.CounterStatement, opts)

	docs := make([]models.Document, len(check.Retrieved))
	for i, r := range check.Retrieved {
		docs[i] = r.Document
	}

	// Score against the counter-statement: we want documents relevant to
	// the opposite claim.
	scored := make(map[int64]*models.ScoringResult, len(docs))
	for i := range docs {
		result, err := c.agents.Scoring.EvaluateDocument(ctx, statement.CounterStatement, &docs[i])
		if err != nil {
			c.log.Warn("Scoring counter-evidence failed, skipping document",
				"document_id", docs[i].ID, "error", err)
			continue
		}
		scored[docs[i].ID] = result
	}

	citations, _, err := c.extractCitations(ctx, statement.CounterStatement, docs, scored,
		ResearchOptions{
			ScoreThreshold: opts.ScoreThreshold,
			MinRelevance:   opts.MinRelevance,
			WaitTimeout:    opts.WaitTimeout,
		})
	if err != nil {
		return nil, err
	}
	check.Citations = citations

	counterReport := "No counter-evidence was found in the literature."
	if len(citations) > 0 {
		report, err := c.agents.Reporting.SynthesizeReport(ctx, statement.CounterStatement, citations, 1)
		if err != nil {
			return nil, err
		}
		if report != nil {
			check.CounterReport = report
			counterReport = report.SynthesizedAnswer
		}
	}

	verdict, err := c.agents.Verdict.Analyze(ctx, statement.Text, counterReport)
	if err != nil {
		return nil, err
	}
	if check.CounterReport != nil {
		verdict.CounterReportID = check.CounterReport.ID
	}
	check.Verdict = *verdict
	return check, nil
}

// retrieveCounterEvidence runs the three retrieval strategies for a
// counter-statement and merges their hits, recording per-document
// provenance. Every strategy is best-effort.
func (c *Controller) retrieveCounterEvidence(ctx context.Context, counterStatement string, opts PaperCheckOptions) []RetrievedDocument {
	merged := make(map[int64]*RetrievedDocument)
	var order []int64

	record := func(strategy string, docs []models.Document) {
		for _, doc := range docs {
			existing, ok := merged[doc.ID]
			if !ok {
				merged[doc.ID] = &RetrievedDocument{Document: doc, FoundBy: []string{strategy}}
				order = append(order, doc.ID)
				continue
			}
			if !contains(existing.FoundBy, strategy) {
				existing.FoundBy = append(existing.FoundBy, strategy)
			}
		}
	}

	// Keyword strategy: counter-statement → tsquery → full-text search.
	if query, err := c.agents.Query.ConvertQuestion(ctx, counterStatement); err != nil {
		c.log.Warn("Keyword strategy failed", "error", err)
	} else if docs, err := c.backend.FindAbstracts(ctx, query, opts.PerStrategyLimit, 0); err != nil {
		c.log.Warn("Keyword strategy search failed", "error", err)
	} else {
		record(StrategyKeyword, docs)
	}

	vectorBackend, hasVectors := c.backend.(search.VectorBackend)
	if !hasVectors {
		c.log.Debug("Search backend has no vector capability, keyword-only retrieval")
		return collect(merged, order)
	}

	// Semantic strategy: embed the counter-statement directly.
	if embedded, err := c.gateway.Embed(ctx, counterStatement, opts.EmbedModel); err != nil {
		c.log.Warn("Semantic strategy embedding failed", "error", err)
	} else if docs, err := vectorBackend.SearchByEmbedding(ctx, embedded.Embedding, opts.PerStrategyLimit); err != nil {
		c.log.Warn("Semantic strategy search failed", "error", err)
	} else {
		record(StrategySemantic, docs)
	}

	// HyDE strategy: write the abstract a supporting study would have, and
	// search near its embedding.
	if docs, err := c.hydeSearch(ctx, counterStatement, vectorBackend, opts); err != nil {
		c.log.Warn("HyDE strategy failed", "error", err)
	} else {
		record(StrategyHyde, docs)
	}

	return collect(merged, order)
}

func (c *Controller) hydeSearch(ctx context.Context, counterStatement string, backend search.VectorBackend, opts PaperCheckOptions) ([]models.Document, error) {
	resp, err := c.gateway.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: prompt.HydeSystem},
		{Role: llm.RoleUser, Content: prompt.HydeUser(counterStatement)},
	}, "", llm.Params{})
	if err != nil {
		return nil, err
	}
	hypothetical := strings.TrimSpace(resp.Content)
	if hypothetical == "" {
		return nil, fmt.Errorf("empty hypothetical abstract")
	}

	embedded, err := c.gateway.Embed(ctx, hypothetical, opts.EmbedModel)
	if err != nil {
		return nil, err
	}
	return backend.SearchByEmbedding(ctx, embedded.Embedding, opts.PerStrategyLimit)
}

func collect(merged map[int64]*RetrievedDocument, order []int64) []RetrievedDocument {
	out := make([]RetrievedDocument, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	return out
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
