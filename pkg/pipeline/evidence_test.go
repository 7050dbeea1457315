package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bmlibrarian/bmlibrarian/pkg/models"
)

func verdict(outcome models.VerdictOutcome, confidence models.ConfidenceLevel) models.Verdict {
	return models.Verdict{Outcome: outcome, Confidence: confidence}
}

func TestAggregateVerdicts(t *testing.T) {
	tests := []struct {
		name       string
		verdicts   []models.Verdict
		label      string
		confidence models.ConfidenceLevel
	}{
		{
			name:     "no verdicts",
			verdicts: nil,
			label:    AssessmentUnverified,
		},
		{
			name: "all supported",
			verdicts: []models.Verdict{
				verdict(models.VerdictSupports, models.ConfidenceHigh),
				verdict(models.VerdictSupports, models.ConfidenceHigh),
			},
			label:      AssessmentConsistent,
			confidence: models.ConfidenceHigh,
		},
		{
			name: "contradictions outweigh",
			verdicts: []models.Verdict{
				verdict(models.VerdictContradicts, models.ConfidenceHigh),
				verdict(models.VerdictContradicts, models.ConfidenceMedium),
				verdict(models.VerdictSupports, models.ConfidenceHigh),
			},
			label:      AssessmentChallenged,
			confidence: models.ConfidenceMedium,
		},
		{
			name: "equal split",
			verdicts: []models.Verdict{
				verdict(models.VerdictSupports, models.ConfidenceHigh),
				verdict(models.VerdictContradicts, models.ConfidenceHigh),
			},
			label:      AssessmentMixed,
			confidence: models.ConfidenceHigh,
		},
		{
			name: "all undecided",
			verdicts: []models.Verdict{
				verdict(models.VerdictUndecided, models.ConfidenceLow),
				verdict(models.VerdictUndecided, models.ConfidenceHigh),
			},
			label:      AssessmentUnverified,
			confidence: models.ConfidenceLow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			overall := AggregateVerdicts(tt.verdicts)
			assert.Equal(t, tt.label, overall.Label)
			assert.Equal(t, tt.confidence, overall.Confidence)
			assert.NotEmpty(t, overall.Summary)
		})
	}
}

func TestAggregateVerdictsConfidenceIsWeakestLink(t *testing.T) {
	overall := AggregateVerdicts([]models.Verdict{
		verdict(models.VerdictSupports, models.ConfidenceHigh),
		verdict(models.VerdictSupports, models.ConfidenceLow),
		verdict(models.VerdictSupports, models.ConfidenceMedium),
	})
	assert.Equal(t, models.ConfidenceLow, overall.Confidence)
}

func TestAggregateVerdictsMixedSummaryNamesBothCounts(t *testing.T) {
	overall := AggregateVerdicts([]models.Verdict{
		verdict(models.VerdictSupports, models.ConfidenceHigh),
		verdict(models.VerdictContradicts, models.ConfidenceHigh),
		verdict(models.VerdictUndecided, models.ConfidenceHigh),
	})
	assert.Equal(t, AssessmentMixed, overall.Label)
	assert.Contains(t, overall.Summary, "1 statement(s) supported")
	assert.Contains(t, overall.Summary, "1 contradicted")
	assert.Contains(t, overall.Summary, "1 undecided")
}
