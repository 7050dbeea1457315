// Package models contains the business domain types shared across the
// pipeline: documents, scoring results, citations, reports, counterfactual
// analyses, and verdicts.
package models

import "time"

// Document is a read-only literature record retrieved from the search
// backend. The core never mutates documents; it stores only their
// identifiers and derived payloads.
type Document struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	Abstract        string     `json:"abstract"`
	Authors         []string   `json:"authors"`
	PublicationDate *time.Time `json:"publication_date,omitempty"`
	Journal         string     `json:"journal,omitempty"`
	PMID            string     `json:"pmid,omitempty"`
	DOI             string     `json:"doi,omitempty"`
	SourceID        string     `json:"source_id,omitempty"`
	FullText        string     `json:"full_text,omitempty"`
}

// Text returns the best available body for passage checks: full text when
// present, otherwise the abstract.
func (d *Document) Text() string {
	if d.FullText != "" {
		return d.FullText
	}
	return d.Abstract
}

// FirstAuthor returns the first author or an empty string.
func (d *Document) FirstAuthor() string {
	if len(d.Authors) == 0 {
		return ""
	}
	return d.Authors[0]
}
