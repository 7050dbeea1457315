package models

import "time"

// QuestionPriority ranks counterfactual questions by how directly they
// challenge a main claim.
type QuestionPriority string

const (
	QuestionPriorityHigh   QuestionPriority = "HIGH"
	QuestionPriorityMedium QuestionPriority = "MEDIUM"
	QuestionPriorityLow    QuestionPriority = "LOW"
)

// IsValid returns true if the priority is a known value.
func (p QuestionPriority) IsValid() bool {
	switch p {
	case QuestionPriorityHigh, QuestionPriorityMedium, QuestionPriorityLow:
		return true
	}
	return false
}

// CounterfactualQuestion is a research question designed to surface
// evidence against a claim, with keywords ready for the search backend's
// tsquery dialect.
type CounterfactualQuestion struct {
	Question string           `json:"question"`
	Claim    string           `json:"claim"` // the main claim this question challenges
	Priority QuestionPriority `json:"priority"`
	Keywords []string         `json:"keywords"`
}

// CounterfactualAnalysis bundles the counterfactual questions derived from
// a report or document.
type CounterfactualAnalysis struct {
	Title      string                   `json:"title,omitempty"`
	MainClaims []string                 `json:"main_claims"`
	Questions  []CounterfactualQuestion `json:"questions"`
	CreatedAt  time.Time                `json:"created_at"`
}

// Statement is a claim extracted from a paper's abstract together with its
// negation, used to drive adversarial evidence retrieval.
type Statement struct {
	Text             string `json:"text"`
	CounterStatement string `json:"counter_statement"`
	Confidence       float64 `json:"confidence,omitempty"` // extraction confidence in [0,1]
}
