// Package search provides read-only access to the external biomedical
// literature database. The core never writes to it; backends translate
// sanitised tsquery strings and embedding vectors into document lookups.
package search

import (
	"context"
	"errors"

	"github.com/bmlibrarian/bmlibrarian/pkg/models"
)

// ErrBackendUnavailable indicates the search database cannot be reached.
var ErrBackendUnavailable = errors.New("search backend unavailable")

// Backend retrieves documents by full-text query or by identifier.
type Backend interface {
	// FindAbstracts runs a tsquery against the document index, ordered by
	// rank. The query must already be sanitised tsquery syntax.
	FindAbstracts(ctx context.Context, tsquery string, limit, offset int) ([]models.Document, error)

	// FetchDocumentsByIDs returns the documents with the given ids; missing
	// ids are silently omitted.
	FetchDocumentsByIDs(ctx context.Context, ids []int64) ([]models.Document, error)
}

// VectorBackend is the optional semantic-search capability. Callers probe
// for it with a type assertion and degrade to keyword search when absent.
type VectorBackend interface {
	// SearchByEmbedding returns the documents nearest to vec by cosine
	// distance.
	SearchByEmbedding(ctx context.Context, vec []float32, limit int) ([]models.Document, error)
}
