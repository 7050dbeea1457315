package models

import "time"

// VerdictOutcome is the judgement on whether counter-evidence supports or
// contradicts a statement.
type VerdictOutcome string

const (
	VerdictSupports    VerdictOutcome = "supports"
	VerdictContradicts VerdictOutcome = "contradicts"
	VerdictUndecided   VerdictOutcome = "undecided"
)

// IsValid returns true if the outcome is a known value.
func (v VerdictOutcome) IsValid() bool {
	switch v {
	case VerdictSupports, VerdictContradicts, VerdictUndecided:
		return true
	}
	return false
}

// ConfidenceLevel expresses how certain the verdict agent is.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// IsValid returns true if the confidence level is a known value.
func (c ConfidenceLevel) IsValid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return true
	}
	return false
}

// rank orders confidence levels for aggregation; higher is more confident.
func (c ConfidenceLevel) rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// Min returns the lower of two confidence levels.
func (c ConfidenceLevel) Min(other ConfidenceLevel) ConfidenceLevel {
	if other.rank() < c.rank() {
		return other
	}
	return c
}

// Verdict is the outcome of checking one statement against the
// counter-evidence report assembled for it.
type Verdict struct {
	Outcome         VerdictOutcome  `json:"outcome"`
	Confidence      ConfidenceLevel `json:"confidence"`
	Rationale       string          `json:"rationale"`
	Statement       string          `json:"statement"`
	CounterReportID string          `json:"counter_report_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
