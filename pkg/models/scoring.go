package models

// ScoringResult is the relevance judgement a scoring agent returns for one
// document. Immutable once returned.
type ScoringResult struct {
	DocumentID int64   `json:"document_id"`
	Score      float64 `json:"score"`     // integer-valued, in [1,5]
	Reasoning  string  `json:"reasoning"` // one-sentence justification
}

// Meets reports whether the score satisfies the given threshold.
func (r ScoringResult) Meets(threshold float64) bool {
	return r.Score >= threshold
}
