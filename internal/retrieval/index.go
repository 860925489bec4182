package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/remedy/internal/classifier"
	"github.com/kalambet/remedy/internal/storage"
)

const (
	// snippetPrefix is how much of the submission goes into documents and
	// embedding text.
	snippetPrefix = 200

	metadataTextLimit = 200
)

// SimilarCase is one nearest neighbor returned by Index.Search.
type SimilarCase struct {
	ID       string   `json:"id"`
	Document string   `json:"document"`
	Metadata Metadata `json:"metadata"`
	Distance float64  `json:"distance"`
	Score    float64  `json:"score"`
}

// Index is the similarity index over classified failures. A nil *Index is a
// disabled index: Search returns nothing and Add reports ErrDisabled.
type Index struct {
	embedder TextEmbedder
	store    VectorStore
}

// ErrDisabled is returned by write operations on a disabled index.
var ErrDisabled = errors.New("similarity index disabled")

// NewIndex creates an Index backed by the given embedder and store.
func NewIndex(embedder TextEmbedder, store VectorStore) *Index {
	return &Index{embedder: embedder, store: store}
}

// Model returns the embedding model name, or "" for a disabled index.
func (ix *Index) Model() string {
	if ix == nil {
		return ""
	}
	return ix.embedder.Model()
}

// EmbeddingText is the text embedded for both stored entries and queries.
func EmbeddingText(rec classifier.ErrorRecord, source string) string {
	return fmt.Sprintf("Error Type: %s\nMessage: %s\nDescription: %s\nCode: %s",
		rec.Kind, rec.Message, rec.Description, prefix(source, snippetPrefix))
}

// Document is the human-readable summary stored with an entry.
func Document(rec classifier.ErrorRecord, source, solution string) string {
	return fmt.Sprintf("%s: %s\n\nSolution:\n%s\n\nCode:\n%s",
		rec.Kind, rec.Message, solution, prefix(source, snippetPrefix))
}

// Add upserts the entry for one persisted error.
func (ix *Index) Add(ctx context.Context, id string, rec classifier.ErrorRecord, source, solution string) error {
	if ix == nil {
		return ErrDisabled
	}
	vec, err := ix.embedder.Embed(ctx, EmbeddingText(rec, source))
	if err != nil {
		return err
	}
	return ix.store.Upsert(ctx, []Record{{
		ID:       id,
		ErrorID:  id,
		Document: Document(rec, source, solution),
		Metadata: Metadata{
			ErrorKind:     rec.Kind,
			Message:       prefix(rec.Message, metadataTextLimit),
			Line:          rec.Line,
			Severity:      string(rec.Severity),
			RemedyPreview: prefix(solution, metadataTextLimit),
		},
		Embedding: vec,
		Model:     ix.embedder.Model(),
		CreatedAt: time.Now(),
	}})
}

// Search returns the topK stored cases nearest to rec. Failures are logged
// and yield an empty list.
func (ix *Index) Search(ctx context.Context, rec classifier.ErrorRecord, source string, topK int) []SimilarCase {
	return ix.SearchText(ctx, EmbeddingText(rec, source), topK)
}

// SearchText is Search for a free-text query.
func (ix *Index) SearchText(ctx context.Context, query string, topK int) []SimilarCase {
	if ix == nil || topK <= 0 {
		return nil
	}
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("retrieval: embedding query failed", "error", err)
		return nil
	}
	scored, err := ix.store.Search(ctx, vec, topK)
	if err != nil {
		slog.Warn("retrieval: search failed", "error", err)
		return nil
	}
	return toCases(scored)
}

// Count returns the number of indexed entries.
func (ix *Index) Count(ctx context.Context) (int, error) {
	if ix == nil {
		return 0, nil
	}
	return ix.store.Count(ctx)
}

// Prune drops entries embedded by a model other than the current one. Their
// dimension usually differs, so Search could never return them.
func (ix *Index) Prune(ctx context.Context) (int, error) {
	if ix == nil {
		return 0, ErrDisabled
	}
	return ix.store.Prune(ctx, ix.embedder.Model())
}

// AddPersisted indexes an error loaded from the history store. The stored
// solution is the last generated or fallback remedy, else the first remedy.
func (ix *Index) AddPersisted(ctx context.Context, p storage.PersistedError) error {
	rec := classifier.ErrorRecord{
		Detected:    true,
		Kind:        p.Kind,
		Message:     p.Message,
		Line:        p.Line,
		Description: p.Description,
		Severity:    classifier.Severity(p.Severity),
	}
	return ix.Add(ctx, p.ID, rec, p.Snippet, SolutionOf(p))
}

// SolutionOf picks the remedy text that best represents p's solution.
func SolutionOf(p storage.PersistedError) string {
	for i := len(p.Remedies) - 1; i >= 0; i-- {
		switch p.Remedies[i].Kind {
		case storage.RemedyGenerated, storage.RemedyFallback:
			return p.Remedies[i].Text
		}
	}
	if len(p.Remedies) > 0 {
		return p.Remedies[0].Text
	}
	return ""
}

// Score maps a cosine similarity onto [0,1]. Cosine distance d = 1-c lies in
// [0,2], so the score is 1 - d/2.
func Score(cosine float64) (distance, score float64) {
	distance = 1 - cosine
	return distance, 1 - distance/2
}

func toCases(scored []ScoredRecord) []SimilarCase {
	cases := make([]SimilarCase, len(scored))
	for i, s := range scored {
		d, sc := Score(float64(s.Cosine))
		cases[i] = SimilarCase{
			ID:       s.ID,
			Document: s.Document,
			Metadata: s.Metadata,
			Distance: d,
			Score:    sc,
		}
	}
	return cases
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Preview is prefix exported for callers formatting similar cases.
func Preview(s string, n int) string {
	return strings.TrimSpace(prefix(s, n))
}
