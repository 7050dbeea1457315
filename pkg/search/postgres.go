package search

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bmlibrarian/bmlibrarian/pkg/config"
	"github.com/bmlibrarian/bmlibrarian/pkg/models"
)

// documentColumns is the scan order shared by every document query.
const documentColumns = `id, title, coalesce(abstract, ''), coalesce(authors, '{}'),
	publication_date, coalesce(journal, ''), coalesce(pmid, ''), coalesce(doi, ''),
	coalesce(source_id, '')`

// PostgresBackend reads documents from a Postgres full-text index. It
// implements Backend always and VectorBackend when the documents table
// carries a pgvector embedding column.
type PostgresBackend struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// Connect opens a connection pool against the configured database and
// verifies it with a ping.
func Connect(ctx context.Context, cfg *config.SearchConfig) (*PostgresBackend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing search DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating search pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return &PostgresBackend{
		pool: pool,
		log:  slog.With("component", "search"),
	}, nil
}

// Close releases the connection pool.
func (b *PostgresBackend) Close() {
	b.pool.Close()
}

// Ping verifies the backend is reachable.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// FindAbstracts implements Backend. Results are ordered by text-search rank,
// ties broken by id for stable paging.
func (b *PostgresBackend) FindAbstracts(ctx context.Context, tsquery string, limit, offset int) ([]models.Document, error) {
	if strings.TrimSpace(tsquery) == "" {
		return nil, nil
	}

	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE to_tsvector('english', coalesce(title, '') || ' ' || coalesce(abstract, ''))
		      @@ to_tsquery('english', $1)
		ORDER BY ts_rank(
			to_tsvector('english', coalesce(title, '') || ' ' || coalesce(abstract, '')),
			to_tsquery('english', $1)) DESC, id
		LIMIT $2 OFFSET $3`

	rows, err := b.pool.Query(ctx, query, tsquery, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("finding abstracts: %w", err)
	}
	return scanDocuments(rows)
}

// FetchDocumentsByIDs implements Backend.
func (b *PostgresBackend) FetchDocumentsByIDs(ctx context.Context, ids []int64) ([]models.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE id = ANY($1)
		ORDER BY id`

	rows, err := b.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching documents by id: %w", err)
	}
	return scanDocuments(rows)
}

// SearchByEmbedding implements VectorBackend using pgvector's cosine
// distance operator. The vector is bound as a text literal cast to vector,
// so no pgvector driver registration is needed.
func (b *PostgresBackend) SearchByEmbedding(ctx context.Context, vec []float32, limit int) ([]models.Document, error) {
	if len(vec) == 0 {
		return nil, nil
	}

	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE embedding IS NOT NULL
		ORDER BY embedding <=> $1::vector
		LIMIT $2`

	rows, err := b.pool.Query(ctx, query, vectorLiteral(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("searching by embedding: %w", err)
	}
	return scanDocuments(rows)
}

// vectorLiteral renders a pgvector input literal: "[0.1,0.2,...]".
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func scanDocuments(rows pgx.Rows) ([]models.Document, error) {
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var doc models.Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Abstract, &doc.Authors,
			&doc.PublicationDate, &doc.Journal, &doc.PMID, &doc.DOI, &doc.SourceID); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading document rows: %w", err)
	}
	return docs, nil
}
