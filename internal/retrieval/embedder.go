package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"

	"github.com/kalambet/remedy/internal/engine"
)

// TextEmbedder turns text into a fixed-dimension vector. Model names the
// vector space so stored vectors from another model can be told apart.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// EngineEmbedder embeds through an inference backend. It remembers the
// dimension of the first vector and rejects later vectors of another size,
// which happens when a model tag is re-pulled as a different model.
type EngineEmbedder struct {
	engine engine.Engine
	model  string

	mu  sync.Mutex
	dim int
}

func NewEmbedder(e engine.Engine, model string) *EngineEmbedder {
	return &EngineEmbedder{engine: e, model: model}
}

func (e *EngineEmbedder) Model() string { return e.model }

func (e *EngineEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embedding with %s: empty text", e.model)
	}
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding with %s: %w", e.model, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.dim == 0:
		e.dim = len(vec)
	case e.dim != len(vec):
		return nil, fmt.Errorf("embedding with %s: got %d dimensions, earlier vectors had %d", e.model, len(vec), e.dim)
	}
	return vec, nil
}

// HashEmbedderDim is the dimension of HashEmbedder vectors.
const HashEmbedderDim = 256

// HashEmbedder is the offline embedder. Lowercase word tokens and adjacent
// token pairs are hashed with FNV-1a into signed buckets and the vector is
// L2-normalized, so texts sharing vocabulary land close together.
type HashEmbedder struct{}

func (HashEmbedder) Model() string { return fmt.Sprintf("hash-%d", HashEmbedderDim) }

func (HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, HashEmbedderDim)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for i, tok := range tokens {
		bump(vec, tok)
		if i > 0 {
			bump(vec, tokens[i-1]+" "+tok)
		}
	}
	normalize(vec)
	return vec, nil
}

// bump adds ±1 to the bucket of feature; the top hash bit picks the sign.
func bump(vec []float32, feature string) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	if sum>>63 == 1 {
		vec[sum%uint64(len(vec))]--
	} else {
		vec[sum%uint64(len(vec))]++
	}
}

// normalize scales vec to unit length in place. The zero vector is left as is.
func normalize(vec []float32) {
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return
	}
	n := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= n
	}
}
