package agent

import (
	"context"
	"errors"

	"github.com/bmlibrarian/bmlibrarian/pkg/events"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
)

// Iterative search defaults.
const (
	DefaultMinRelevant = 5
	DefaultMaxRetry    = 3
	DefaultBatchSize   = 10
)

// IterativeOptions tunes FindAbstractsIterative. Zero values take defaults.
type IterativeOptions struct {
	// MinRelevant is the target number of qualifying documents.
	MinRelevant int
	// ScoreThreshold is the minimum relevance score to qualify. Nil takes
	// the scoring agent's configured threshold; an explicit zero admits
	// every scored document.
	ScoreThreshold *float64
	// MaxRetry bounds both phase-1 fetch rounds and phase-2 broadenings.
	MaxRetry int
	// BatchSize is the per-fetch page size; broadened queries fetch double.
	BatchSize int
}

func (o *IterativeOptions) applyDefaults(scorer *ScoringAgent) {
	if o.MinRelevant <= 0 {
		o.MinRelevant = DefaultMinRelevant
	}
	if o.ScoreThreshold == nil {
		threshold := scorer.DefaultThreshold()
		o.ScoreThreshold = &threshold
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = DefaultMaxRetry
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
}

// IterativeResult is the outcome of an iterative search. A search that ran
// out of budget still returns everything it found and scored.
type IterativeResult struct {
	// Documents are every unique document the search fetched and scored,
	// in discovery order, whether or not they met the threshold.
	Documents []models.Document
	// Qualifying are the documents that met the score threshold, in
	// discovery order.
	Qualifying []models.Document
	// Scored holds every scoring result, qualifying or not, by document id.
	Scored map[int64]*models.ScoringResult
	// QueriesTried lists the original query and every broadened variant.
	QueriesTried []string
	// ScoringFailures counts documents whose scoring call failed; they are
	// skipped, never fatal.
	ScoringFailures int
	// TargetMet reports whether MinRelevant was reached before the fetch
	// and broadening budgets ran out.
	TargetMet bool
}

// FindAbstractsIterative searches until it has enough relevant documents or
// runs out of budget. Phase 1 pages through the original query, scoring as
// it goes; phase 2 broadens the query when the target is still short. A
// document is scored at most once per invocation regardless of how many
// queries return it. Running out of budget is not an error: the result
// carries every document fetched and scored along the way.
func (a *QueryAgent) FindAbstractsIterative(ctx context.Context, question, query string, scorer *ScoringAgent, opts IterativeOptions) (*IterativeResult, error) {
	if scorer == nil {
		return nil, &ValidationError{Field: "scorer", Reason: "must not be nil"}
	}
	if query == "" {
		return nil, &ValidationError{Field: "query", Reason: "must not be empty"}
	}
	opts.applyDefaults(scorer)

	result := &IterativeResult{
		Scored:       make(map[int64]*models.ScoringResult),
		QueriesTried: []string{query},
	}

	// Phase 1: page through the original query.
	for batch := 0; batch < opts.MaxRetry && len(result.Qualifying) < opts.MinRelevant; batch++ {
		docs, err := a.FindAbstracts(ctx, query, batch*opts.BatchSize, opts.BatchSize)
		if err != nil {
			return nil, err
		}
		if err := a.scoreBatch(ctx, question, docs, scorer, opts, result); err != nil {
			return nil, err
		}
		a.publishBatchProgress(1, batch+1, result)
		if len(docs) < opts.BatchSize {
			break // backend exhausted for this query
		}
	}

	// Phase 2: broaden while still short.
	currentQuery := query
	for attempt := 1; attempt <= opts.MaxRetry && len(result.Qualifying) < opts.MinRelevant; attempt++ {
		broadened, err := a.BroadenQuery(ctx, currentQuery, attempt)
		if err != nil {
			return nil, err
		}
		currentQuery = broadened
		result.QueriesTried = append(result.QueriesTried, broadened)

		docs, err := a.FindAbstracts(ctx, broadened, 0, 2*opts.BatchSize)
		if err != nil {
			return nil, err
		}
		if err := a.scoreBatch(ctx, question, docs, scorer, opts, result); err != nil {
			return nil, err
		}
		a.publishBatchProgress(2, attempt, result)
	}

	result.TargetMet = len(result.Qualifying) >= opts.MinRelevant
	if !result.TargetMet {
		a.publishProgress(events.TypeStageEnd,
			"Search budget exhausted before reaching target", map[string]any{
				"found":         len(result.Qualifying),
				"target":        opts.MinRelevant,
				"queries_tried": len(result.QueriesTried),
			})
	}
	return result, nil
}

// scoreBatch scores the unseen documents of one fetch. Per-document scoring
// failures are counted and skipped; context cancellation aborts.
func (a *QueryAgent) scoreBatch(ctx context.Context, question string, docs []models.Document, scorer *ScoringAgent, opts IterativeOptions, result *IterativeResult) error {
	for i := range docs {
		doc := docs[i]
		if _, seen := result.Scored[doc.ID]; seen {
			continue
		}

		scored, err := scorer.EvaluateDocument(ctx, question, &doc)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			result.ScoringFailures++
			a.log.Warn("Scoring document failed, skipping", "document_id", doc.ID, "error", err)
			continue
		}

		result.Scored[doc.ID] = scored
		result.Documents = append(result.Documents, doc)
		if scored.Meets(*opts.ScoreThreshold) {
			result.Qualifying = append(result.Qualifying, doc)
		}
	}
	return nil
}

func (a *QueryAgent) publishBatchProgress(phase, batch int, result *IterativeResult) {
	a.publishProgress(events.TypeStageEnd, "Search batch scored", map[string]any{
		"phase":  phase,
		"batch":  batch,
		"found":  len(result.Qualifying),
		"scored": len(result.Scored),
	})
}
