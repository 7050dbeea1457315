package pipeline

import (
	"fmt"

	"github.com/bmlibrarian/bmlibrarian/pkg/models"
)

// Overall assessment labels for a checked paper.
const (
	AssessmentConsistent = "consistent" // supporting evidence outweighs contradicting
	AssessmentChallenged = "challenged" // contradicting evidence outweighs supporting
	AssessmentMixed      = "mixed"      // both present in equal measure
	AssessmentUnverified = "unverified" // no verdict reached a conclusion
)

// OverallAssessment aggregates the per-statement verdicts of a paper check.
type OverallAssessment struct {
	Label       string                 `json:"label"`
	Supports    int                    `json:"supports"`
	Contradicts int                    `json:"contradicts"`
	Undecided   int                    `json:"undecided"`
	Confidence  models.ConfidenceLevel `json:"confidence"`
	Summary     string                 `json:"summary"`
}

// AggregateVerdicts derives the overall assessment of a paper from its
// statement verdicts. The aggregate confidence is the weakest statement
// confidence — a chain is as strong as its weakest link — and the summary
// names both supporting and contradicting counts whenever the evidence is
// mixed.
func AggregateVerdicts(verdicts []models.Verdict) OverallAssessment {
	overall := OverallAssessment{Label: AssessmentUnverified}
	if len(verdicts) == 0 {
		overall.Summary = "No statements could be checked."
		return overall
	}

	overall.Confidence = models.ConfidenceHigh
	for _, v := range verdicts {
		switch v.Outcome {
		case models.VerdictSupports:
			overall.Supports++
		case models.VerdictContradicts:
			overall.Contradicts++
		default:
			overall.Undecided++
		}
		overall.Confidence = overall.Confidence.Min(v.Confidence)
	}

	switch {
	case overall.Supports == 0 && overall.Contradicts == 0:
		overall.Label = AssessmentUnverified
		overall.Summary = fmt.Sprintf(
			"None of the %d checked statements could be confirmed or challenged.", len(verdicts))
	case overall.Contradicts > overall.Supports:
		overall.Label = AssessmentChallenged
		overall.Summary = mixedSummary(overall,
			"The literature challenges this paper")
	case overall.Supports > overall.Contradicts:
		overall.Label = AssessmentConsistent
		overall.Summary = mixedSummary(overall,
			"The literature is consistent with this paper")
	default:
		overall.Label = AssessmentMixed
		overall.Summary = mixedSummary(overall,
			"The literature is split on this paper")
	}
	return overall
}

func mixedSummary(overall OverallAssessment, lead string) string {
	if overall.Supports > 0 && overall.Contradicts > 0 {
		return fmt.Sprintf("%s: %d statement(s) supported, %d contradicted, %d undecided.",
			lead, overall.Supports, overall.Contradicts, overall.Undecided)
	}
	return fmt.Sprintf("%s: %d statement(s) supported, %d contradicted.",
		lead, overall.Supports, overall.Contradicts)
}
