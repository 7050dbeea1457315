package models

import "time"

// Citation is a quoted passage extracted from a document in support of a
// question. DocumentID always comes from the retrieved document, never from
// model output; fabricated identifiers are forbidden.
type Citation struct {
	Passage         string     `json:"passage"` // verbatim substring of the document text
	Summary         string     `json:"summary"`
	RelevanceScore  float64    `json:"relevance_score"` // in [0,1]
	DocumentID      int64      `json:"document_id"`
	DocumentTitle   string     `json:"document_title"`
	Authors         []string   `json:"authors,omitempty"`
	PublicationDate *time.Time `json:"publication_date,omitempty"`
	PMID            string     `json:"pmid,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
