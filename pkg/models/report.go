package models

import "time"

// EvidenceStrength is the categorical label derived from citation count,
// unique-document count, and mean relevance.
type EvidenceStrength string

const (
	EvidenceStrong       EvidenceStrength = "Strong"
	EvidenceModerate     EvidenceStrength = "Moderate"
	EvidenceLimited      EvidenceStrength = "Limited"
	EvidenceInsufficient EvidenceStrength = "Insufficient"
)

// IsValid returns true if the evidence strength is a known value.
func (e EvidenceStrength) IsValid() bool {
	switch e {
	case EvidenceStrong, EvidenceModerate, EvidenceLimited, EvidenceInsufficient:
		return true
	}
	return false
}

// Reference is one entry of a report's numbered reference list. Numbers are
// 1-based and unique within a report; ordering follows first appearance of
// the document among the citations.
type Reference struct {
	Number          int        `json:"number"`
	Authors         []string   `json:"authors,omitempty"`
	Title           string     `json:"title"`
	PublicationDate *time.Time `json:"publication_date,omitempty"`
	PMID            string     `json:"pmid,omitempty"`
	DOI             string     `json:"doi,omitempty"`
	DocumentID      int64      `json:"document_id"`
}

// Report is the synthesised answer to a user question. Every [N] marker in
// SynthesizedAnswer resolves to the reference whose Number is N.
type Report struct {
	ID                string           `json:"id"`
	UserQuestion      string           `json:"user_question"`
	SynthesizedAnswer string           `json:"synthesized_answer"`
	References        []Reference      `json:"references"`
	EvidenceStrength  EvidenceStrength `json:"evidence_strength"`
	MethodologyNote   string           `json:"methodology_note,omitempty"`
	CitationCount     int              `json:"citation_count"`
	UniqueDocuments   int              `json:"unique_documents"`
	CreatedAt         time.Time        `json:"created_at"`
}
