package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmlibrarian/bmlibrarian/pkg/agent"
	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
	"github.com/bmlibrarian/bmlibrarian/pkg/orchestrator"
	"github.com/bmlibrarian/bmlibrarian/pkg/queue"
	"github.com/bmlibrarian/bmlibrarian/pkg/search"
)

// fakeBackend serves canned documents per query string with offset paging.
type fakeBackend struct {
	mu      sync.Mutex
	docs    map[string][]models.Document
	queries []string
}

func (b *fakeBackend) FindAbstracts(_ context.Context, tsquery string, limit, offset int) ([]models.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries = append(b.queries, tsquery)

	docs := b.docs[tsquery]
	if offset >= len(docs) {
		return nil, nil
	}
	end := offset + limit
	if end > len(docs) {
		end = len(docs)
	}
	return append([]models.Document{}, docs[offset:end]...), nil
}

func (b *fakeBackend) FetchDocumentsByIDs(_ context.Context, ids []int64) ([]models.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []models.Document
	for _, docs := range b.docs {
		for _, d := range docs {
			if wanted[d.ID] {
				out = append(out, d)
			}
		}
	}
	return out, nil
}

// fakeVectorBackend adds embedding search: each call pops the next canned
// result set, so tests can give every retrieval strategy its own hits.
type fakeVectorBackend struct {
	fakeBackend
	vecResults [][]models.Document
	vecCalls   int
}

func (b *fakeVectorBackend) SearchByEmbedding(_ context.Context, _ []float32, _ int) ([]models.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vecCalls >= len(b.vecResults) {
		return nil, nil
	}
	docs := b.vecResults[b.vecCalls]
	b.vecCalls++
	return append([]models.Document{}, docs...), nil
}

func testAgents(gw agent.Gateway, backend search.Backend) Agents {
	return Agents{
		Query:          agent.NewQueryAgent(gw, backend, nil, &config.QueryAgentConfig{}),
		Scoring:        agent.NewScoringAgent(gw, nil, &config.ScoringAgentConfig{DefaultThreshold: 2.5}),
		Citation:       agent.NewCitationAgent(gw, nil, &config.CitationAgentConfig{MinRelevance: 0.7}),
		Reporting:      agent.NewReportingAgent(gw, nil, &config.ReportingAgentConfig{MinCitations: 1}),
		Counterfactual: agent.NewCounterfactualAgent(gw, nil, &config.CounterfactualAgentConfig{}),
		Verdict:        agent.NewVerdictAgent(gw, nil, &config.VerdictAgentConfig{MinRationaleLength: 20}),
	}
}

// newTestController wires a real queue and orchestrator around scripted
// agents. When workers is nil the standard agents are registered.
func newTestController(t *testing.T, gw agent.Gateway, backend search.Backend, workers []orchestrator.Agent) *Controller {
	t.Helper()
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	orch := orchestrator.New(q, &config.OrchestratorConfig{
		MaxWorkers:           2,
		PollingIntervalMS:    10,
		HeartbeatSeconds:     1,
		ShutdownGraceSeconds: 1,
	}, nil)

	agents := testAgents(gw, backend)
	if workers == nil {
		workers = []orchestrator.Agent{agents.Citation}
	}
	for _, w := range workers {
		orch.RegisterAgent(w)
	}
	orch.Start()
	t.Cleanup(orch.Stop)

	return New(orch, agents, gw, backend, nil)
}

func threshold(v float64) *float64 { return &v }

func fastOpts() ResearchOptions {
	return ResearchOptions{
		Iterative:   agent.IterativeOptions{MinRelevant: 2, MaxRetry: 1, BatchSize: 10},
		WaitTimeout: 30 * time.Second,
	}
}

func TestRunResearchEndToEnd(t *testing.T) {
	docs := []models.Document{
		{ID: 1, Title: "Alpha statin trial", Abstract: "Statin therapy reduced all-cause mortality by 15 percent."},
		{ID: 2, Title: "Beta statin cohort", Abstract: "No mortality difference was observed in the beta cohort."},
		{ID: 3, Title: "Gamma unrelated study", Abstract: "Gamma radiation shielding in orbital habitats."},
	}
	backend := &fakeBackend{docs: map[string][]models.Document{
		"statins & mortality": docs,
	}}

	gw := agent.NewScriptedGateway()
	gw.Respond("literature search specialist", `{"query": "statins & mortality"}`)
	// Scoring consumes the once-rules; the later citation calls for the
	// same documents fall through to the persistent rules.
	gw.RespondOnce("Alpha statin trial", `{"score": 5, "reasoning": "directly on point"}`)
	gw.RespondOnce("Beta statin cohort", `{"score": 4, "reasoning": "same endpoint"}`)
	gw.RespondOnce("Gamma unrelated study", `{"score": 1, "reasoning": "different field"}`)
	// The synthesis rule precedes the citation rules: the reporting prompt
	// lists document titles and must not hit a citation rule.
	gw.Respond("evidence synthesis",
		`{"answer": "The evidence is mixed [1][2].", "methodology_note": "One trial, one cohort."}`)
	gw.Respond("Alpha statin trial",
		`{"relevant": true, "passage": "Statin therapy reduced all-cause mortality by 15 percent.", "summary": "Mortality reduction", "relevance": 0.9}`)
	gw.Respond("Beta statin cohort",
		`{"relevant": true, "passage": "No mortality difference was observed in the beta cohort.", "summary": "Null result", "relevance": 0.8}`)

	c := newTestController(t, gw, backend, nil)

	result, err := c.RunResearch(context.Background(), "Do statins reduce mortality in adults?", fastOpts())
	require.NoError(t, err)

	// The whole first page is fetched and scored; the off-topic document is
	// returned with its score but never enters citation extraction.
	assert.Len(t, result.Documents, 3)
	assert.Len(t, result.Scored, 3)
	assert.Equal(t, []string{"statins & mortality"}, result.QueriesTried)

	require.Len(t, result.Citations, 2)
	assert.Zero(t, result.TaskFailures)
	assert.Zero(t, c.FabricatedCitations())

	require.NotNil(t, result.Report)
	assert.Equal(t, 2, result.Report.CitationCount)
	assert.Equal(t, 2, result.Report.UniqueDocuments)
	assert.Contains(t, result.Report.SynthesizedAnswer, "[1]")
	assert.Equal(t, "Do statins reduce mortality in adults?", result.Report.UserQuestion)
}

func TestRunResearchNoQualifyingEvidenceYieldsNilReport(t *testing.T) {
	docs := []models.Document{
		{ID: 1, Title: "Offtopic paper", Abstract: "Nothing about the question."},
	}
	backend := &fakeBackend{docs: map[string][]models.Document{
		"oranges": docs,
	}}

	gw := agent.NewScriptedGateway()
	gw.Respond("literature search specialist", `{"query": "oranges"}`)
	gw.Respond("Offtopic paper", `{"score": 1, "reasoning": "irrelevant"}`)

	c := newTestController(t, gw, backend, nil)

	result, err := c.RunResearch(context.Background(), "Do oranges prevent scurvy?", fastOpts())
	require.NoError(t, err)

	assert.Nil(t, result.Report, "too little evidence is an answer, not an error")
	assert.Empty(t, result.Citations)
	// The search still reports what it found, score and all.
	assert.Len(t, result.Documents, 1)
	assert.Len(t, result.Scored, 1)
}

func TestCitationFanOutCountsTaskFailures(t *testing.T) {
	doc := models.Document{ID: 7, Title: "Doomed document", Abstract: "Some abstract text."}
	backend := &fakeBackend{}

	gw := agent.NewScriptedGateway()
	gw.FailWith("Doomed document", errors.New("model offline"))

	c := newTestController(t, gw, backend, nil)

	scored := map[int64]*models.ScoringResult{7: {DocumentID: 7, Score: 5}}
	citations, failures, err := c.ProcessScoredDocumentsForCitations(context.Background(),
		"question?", []models.Document{doc}, scored, nil, 0)
	require.NoError(t, err)

	assert.Empty(t, citations)
	assert.Equal(t, 1, failures, "the failed task is counted, not fatal")
}

func TestCitationFanOutSkipsBelowThreshold(t *testing.T) {
	backend := &fakeBackend{}
	gw := agent.NewScriptedGateway()
	c := newTestController(t, gw, backend, nil)

	docs := []models.Document{{ID: 1, Title: "Low scorer", Abstract: "text"}}
	scored := map[int64]*models.ScoringResult{1: {DocumentID: 1, Score: 2}}

	citations, failures, err := c.ProcessScoredDocumentsForCitations(context.Background(),
		"question?", docs, scored, threshold(2.5), 0)
	require.NoError(t, err)

	assert.Empty(t, citations)
	assert.Zero(t, failures)
	assert.Empty(t, gw.Calls(), "no qualifying document means no LLM traffic")
}

func TestCitationFanOutZeroThresholdAdmitsEveryScoredDocument(t *testing.T) {
	backend := &fakeBackend{}
	gw := agent.NewScriptedGateway()
	gw.Respond("Low scorer",
		`{"relevant": true, "passage": "text", "summary": "still cited", "relevance": 0.8}`)
	c := newTestController(t, gw, backend, nil)

	docs := []models.Document{{ID: 1, Title: "Low scorer", Abstract: "text"}}
	scored := map[int64]*models.ScoringResult{1: {DocumentID: 1, Score: 1}}

	// An explicit zero threshold is a request, not an unset value: the
	// lowest-scoring document still goes through citation extraction.
	citations, failures, err := c.ProcessScoredDocumentsForCitations(context.Background(),
		"question?", docs, scored, threshold(0), 0)
	require.NoError(t, err)

	require.Len(t, citations, 1)
	assert.Zero(t, failures)
	assert.Equal(t, int64(1), citations[0].DocumentID)
}

// rogueCitationAgent impersonates the citation agent and returns a citation
// for a document that was never retrieved.
type rogueCitationAgent struct{}

func (a *rogueCitationAgent) Type() string { return agent.TypeCitation }

func (a *rogueCitationAgent) Methods() map[string]orchestrator.MethodFunc {
	return map[string]orchestrator.MethodFunc{
		"extract_citation": func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"citation": map[string]any{
				"document_id": 999,
				"passage":     "a passage from a document nobody retrieved",
				"relevance":   0.95,
			}}, nil
		},
	}
}

func TestCitationIntegrityDropsForeignDocumentIDs(t *testing.T) {
	doc := models.Document{ID: 7, Title: "Honest document", Abstract: "abstract"}
	backend := &fakeBackend{}
	gw := agent.NewScriptedGateway()

	c := newTestController(t, gw, backend, []orchestrator.Agent{&rogueCitationAgent{}})

	scored := map[int64]*models.ScoringResult{7: {DocumentID: 7, Score: 5}}
	citations, failures, err := c.ProcessScoredDocumentsForCitations(context.Background(),
		"question?", []models.Document{doc}, scored, nil, 0)
	require.NoError(t, err)

	assert.Empty(t, citations, "citation for an unretrieved document must not survive")
	assert.Zero(t, failures)
	assert.Equal(t, int64(1), c.FabricatedCitations())
}
