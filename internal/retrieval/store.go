package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps vectors in the error_vectors table of the history
// database and searches them exhaustively. Embeddings are little-endian
// float32 blobs.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const vectorTime = time.RFC3339Nano

func (s *SQLiteStore) Upsert(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	defer tx.Rollback()

	const q = `INSERT INTO error_vectors (id, error_id, document, metadata, embedding, dim, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			error_id = excluded.error_id, document = excluded.document,
			metadata = excluded.metadata, embedding = excluded.embedding,
			dim = excluded.dim, model = excluded.model, created_at = excluded.created_at`
	for _, r := range records {
		if len(r.Embedding) == 0 {
			return fmt.Errorf("upsert %s: empty embedding", r.ID)
		}
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return fmt.Errorf("upsert %s: %w", r.ID, err)
		}
		at := r.CreatedAt
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := tx.ExecContext(ctx, q, r.ID, r.ErrorID, r.Document, string(meta),
			packVector(r.Embedding), len(r.Embedding), r.Model, at.UTC().Format(vectorTime)); err != nil {
			return fmt.Errorf("upsert %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

type hit struct {
	id     string
	cosine float32
}

// Search scans every vector of the query's dimension, keeps the best topK,
// then loads the full rows for those only.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int) ([]ScoredRecord, error) {
	qn := l2(vector)
	if topK <= 0 || qn == 0 {
		return nil, nil
	}

	best, err := s.scan(ctx, vector, qn, topK)
	if err != nil || len(best) == 0 {
		return nil, err
	}

	ids := make([]any, len(best))
	rank := make(map[string]int, len(best))
	for i, h := range best {
		ids[i] = h.id
		rank[h.id] = i
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, error_id, document, metadata, model, created_at
		FROM error_vectors WHERE id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`, ids...)
	if err != nil {
		return nil, fmt.Errorf("loading hits: %w", err)
	}
	defer rows.Close()

	out := make([]ScoredRecord, len(best))
	found := 0
	for rows.Next() {
		var r Record
		var meta, at string
		if err := rows.Scan(&r.ID, &r.ErrorID, &r.Document, &meta, &r.Model, &at); err != nil {
			return nil, fmt.Errorf("loading hits: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
			return nil, fmt.Errorf("metadata of %s: %w", r.ID, err)
		}
		if r.CreatedAt, err = time.Parse(vectorTime, at); err != nil {
			return nil, fmt.Errorf("created_at of %s: %w", r.ID, err)
		}
		i := rank[r.ID]
		out[i] = ScoredRecord{Record: r, Cosine: best[i].cosine}
		found++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if found != len(best) {
		// A row vanished between the scan and the load.
		kept := out[:0]
		for _, sr := range out {
			if sr.ID != "" {
				kept = append(kept, sr)
			}
		}
		out = kept
	}
	return out, nil
}

// scan returns the topK ids by cosine, best first; ties go to the smaller id.
func (s *SQLiteStore) scan(ctx context.Context, query []float32, qn float32, topK int) ([]hit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM error_vectors WHERE dim = ?`, len(query))
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	// Closed before returning: the store may hold a single connection.
	defer rows.Close()

	better := func(a, b hit) bool {
		if a.cosine != b.cosine {
			return a.cosine > b.cosine
		}
		return a.id < b.id
	}
	best := make([]hit, 0, topK)
	var vec []float32
	for rows.Next() {
		var h hit
		var blob []byte
		if err := rows.Scan(&h.id, &blob); err != nil {
			return nil, fmt.Errorf("scanning vectors: %w", err)
		}
		if vec, err = unpackVector(vec, blob); err != nil {
			return nil, fmt.Errorf("vector %s: %w", h.id, err)
		}
		h.cosine = cosine(query, vec, qn)
		if len(best) == topK && !better(h, best[topK-1]) {
			continue
		}
		i := sort.Search(len(best), func(i int) bool { return better(h, best[i]) })
		if len(best) < topK {
			best = append(best, hit{})
		}
		copy(best[i+1:], best[i:len(best)-1])
		best[i] = h
	}
	return best, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM error_vectors`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Prune(ctx context.Context, keep string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM error_vectors WHERE model <> ?`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning vectors: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func packVector(v []float32) []byte {
	b := make([]byte, 0, 4*len(v))
	for _, f := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

// unpackVector decodes b into buf, growing it when needed.
func unpackVector(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errors.New("embedding blob is not a whole number of float32s")
	}
	buf = buf[:0]
	for i := 0; i < len(b); i += 4 {
		buf = append(buf, math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
	}
	return buf, nil
}

func l2(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine is dot(a, b) / (an * |b|), where an is the precomputed norm of a,
// clamped to [-1, 1]. Vectors of unequal length or a zero b give 0.
func cosine(a, b []float32, an float32) float32 {
	if len(a) != len(b) || an == 0 {
		return 0
	}
	var dot, bb float64
	for i, x := range a {
		dot += float64(x) * float64(b[i])
		bb += float64(b[i]) * float64(b[i])
	}
	if bb == 0 {
		return 0
	}
	c := dot / (float64(an) * math.Sqrt(bb))
	return float32(min(1, max(-1, c)))
}
