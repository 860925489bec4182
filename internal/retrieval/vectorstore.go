package retrieval

import (
	"context"
	"time"
)

// VectorStore keeps one embedding per persisted error and answers nearest
// neighbour queries over them.
type VectorStore interface {
	// Upsert writes records, replacing any with the same ID.
	Upsert(ctx context.Context, records []Record) error

	// Search returns up to topK records closest to vector by cosine
	// similarity, best first. Records of another dimension are never
	// compared.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// Prune deletes records embedded by any model other than keep and
	// reports how many were removed.
	Prune(ctx context.Context, keep string) (int, error)
}

// Metadata is stored next to every vector and returned with search hits.
type Metadata struct {
	ErrorKind     string `json:"error_kind"`
	Message       string `json:"message"`
	Line          int    `json:"line"`
	Severity      string `json:"severity"`
	RemedyPreview string `json:"remedy_preview"`
}

// Record is one indexed error.
type Record struct {
	ID        string
	ErrorID   string
	Document  string
	Metadata  Metadata
	Embedding []float32
	Model     string
	CreatedAt time.Time
}

// ScoredRecord is a Record with its cosine similarity to the query.
type ScoredRecord struct {
	Record
	Cosine float32
}
