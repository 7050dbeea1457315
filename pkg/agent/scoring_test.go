package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
)

func newTestScoringAgent(gw Gateway) *ScoringAgent {
	return NewScoringAgent(gw, nil, config.DefaultAgentsConfig().Scoring)
}

func TestEvaluateDocument(t *testing.T) {
	gw := NewScriptedGateway().
		Respond("Aspirin trial", `{"score": 4, "reasoning": "Directly reports stroke outcomes under aspirin."}`)
	agent := newTestScoringAgent(gw)

	doc := &models.Document{ID: 42, Title: "Aspirin trial", Abstract: "Aspirin reduced strokes."}
	result, err := agent.EvaluateDocument(context.Background(), "Does aspirin prevent strokes?", doc)
	require.NoError(t, err)

	assert.Equal(t, int64(42), result.DocumentID)
	assert.Equal(t, 4.0, result.Score)
	assert.NotEmpty(t, result.Reasoning)
	assert.True(t, result.Meets(2.5))
}

func TestEvaluateDocumentReasksOnOutOfRangeScore(t *testing.T) {
	gw := NewScriptedGateway().
		RespondOnce("Aspirin trial", `{"score": 7, "reasoning": "very relevant"}`).
		Respond("Aspirin trial", `{"score": 5, "reasoning": "directly on point"}`)
	agent := newTestScoringAgent(gw)

	doc := &models.Document{ID: 1, Title: "Aspirin trial", Abstract: "…"}
	result, err := agent.EvaluateDocument(context.Background(), "aspirin?", doc)
	require.NoError(t, err)

	assert.Equal(t, 5.0, result.Score)
	assert.Len(t, gw.Calls(), 2)
	assert.Equal(t, 1, agent.MetricsSnapshot().Retries)
}

func TestEvaluateDocumentClampsPersistentlyBadScore(t *testing.T) {
	gw := NewScriptedGateway().
		Respond("Aspirin trial", `{"score": 11, "reasoning": "off the scale"}`)
	agent := newTestScoringAgent(gw)

	doc := &models.Document{ID: 1, Title: "Aspirin trial", Abstract: "…"}
	result, err := agent.EvaluateDocument(context.Background(), "aspirin?", doc)
	require.NoError(t, err)

	assert.Equal(t, 5.0, result.Score, "score above range clamps to 5")
	assert.Len(t, gw.Calls(), 2, "one re-ask before clamping")
}

func TestEvaluateDocumentRepairsSloppyJSON(t *testing.T) {
	// Trailing comma and fenced output both survive the repair path.
	gw := NewScriptedGateway().
		Respond("Aspirin trial", "```json\n{\"score\": 3, \"reasoning\": \"related evidence\",}\n```")
	agent := newTestScoringAgent(gw)

	result, err := agent.EvaluateDocument(context.Background(), "aspirin?",
		&models.Document{ID: 1, Title: "Aspirin trial"})
	require.NoError(t, err)
	assert.Equal(t, 3.0, result.Score)
}

func TestEvaluateDocumentNilDocument(t *testing.T) {
	agent := newTestScoringAgent(NewScriptedGateway())

	_, err := agent.EvaluateDocument(context.Background(), "aspirin?", nil)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestEvaluateDocumentGatewayError(t *testing.T) {
	boom := errors.New("provider down")
	gw := NewScriptedGateway().FailWith("Aspirin trial", boom)
	agent := newTestScoringAgent(gw)

	_, err := agent.EvaluateDocument(context.Background(), "aspirin?",
		&models.Document{ID: 1, Title: "Aspirin trial"})
	assert.ErrorIs(t, err, boom)
}

func TestScoringAgentMethods(t *testing.T) {
	gw := NewScriptedGateway().
		Respond("Aspirin trial", `{"score": 2, "reasoning": "tangential"}`)
	agent := newTestScoringAgent(gw)

	out, err := agent.Methods()["evaluate_document"](context.Background(), map[string]any{
		"question": "aspirin?",
		"document": map[string]any{"id": 7, "title": "Aspirin trial"},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(7), out["document_id"])
	assert.Equal(t, float64(2), out["score"])
}
