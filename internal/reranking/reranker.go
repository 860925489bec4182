// Package reranking re-scores retrieved similar cases with the generation
// backend before they reach the diagnosis context.
package reranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/remedy/internal/engine"
	"github.com/kalambet/remedy/internal/retrieval"
)

const (
	defaultConcurrency = 3
	defaultTimeout     = 5 * time.Second
)

// Reranker re-scores retrieved similar cases by relevance to the current
// failure.
type Reranker interface {
	Rerank(ctx context.Context, query string, cases []retrieval.SimilarCase) ([]retrieval.SimilarCase, error)
}

// Config tunes a ModelReranker.
type Config struct {
	Model     string
	Timeout   time.Duration
	Threshold float64
	// Keep stops scoring once that many cases have a score. Zero, or a value
	// not below the number of cases, scores everything.
	Keep        int
	Concurrency int
}

// New returns a ModelReranker, or a Passthrough when eng is nil.
func New(eng engine.Engine, cfg Config) Reranker {
	if eng == nil {
		return Passthrough{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &ModelReranker{engine: eng, cfg: cfg}
}

// ModelReranker asks a chat model how relevant each past failure is to the
// current one. Cases under the threshold are dropped and the rest are sorted
// by score, highest first.
type ModelReranker struct {
	engine engine.Engine
	cfg    Config
}

// Rerank never returns an error for backend trouble: a case whose scoring
// fails keeps its retrieval score, and a timeout returns cases unchanged.
func (r *ModelReranker) Rerank(ctx context.Context, query string, cases []retrieval.SimilarCase) ([]retrieval.SimilarCase, error) {
	if len(cases) == 0 {
		return cases, nil
	}
	keep := r.cfg.Keep
	if keep >= len(cases) {
		keep = 0
	}

	tctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	scored := make(chan retrieval.SimilarCase, len(cases))
	g, gctx := errgroup.WithContext(tctx)
	g.SetLimit(r.cfg.Concurrency)
	go func() {
		for _, c := range cases {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if gctx.Err() != nil {
					return nil
				}
				c.Score = r.score(gctx, query, c)
				if gctx.Err() != nil {
					return nil
				}
				scored <- c
				return nil
			})
		}
		g.Wait()
		close(scored)
	}()

	out := make([]retrieval.SimilarCase, 0, len(cases))
	for {
		select {
		case c, ok := <-scored:
			if !ok {
				return r.rank(cases, out), nil
			}
			out = append(out, c)
			if keep > 0 && len(out) >= keep {
				cancel()
				return r.rank(cases, out), nil
			}
		case <-tctx.Done():
			slog.Debug("reranker: timed out, keeping retrieval order", "timeout", r.cfg.Timeout)
			return cases, nil
		}
	}
}

func (r *ModelReranker) rank(original, scored []retrieval.SimilarCase) []retrieval.SimilarCase {
	if len(scored) == 0 {
		return original
	}
	kept := scored[:0]
	for _, c := range scored {
		if c.Score >= r.cfg.Threshold {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
	return kept
}

// score returns the model's relevance for c, or c's current score when the
// model fails or answers with something unparsable.
func (r *ModelReranker) score(ctx context.Context, query string, c retrieval.SimilarCase) float64 {
	resp, err := r.engine.Chat(ctx, r.cfg.Model, []engine.Message{
		engine.UserMessage(prompt(query, c)),
	}, &engine.ChatOptions{Temperature: engine.Float(0), Schema: scoreSchema})
	if err != nil {
		if ctx.Err() == nil {
			slog.Debug("reranker: scoring failed", "case", c.ID, "error", err)
		}
		return c.Score
	}
	s, err := parseScore(resp)
	if err != nil {
		slog.Debug("reranker: unparsable score", "case", c.ID, "response", resp, "error", err)
		return c.Score
	}
	return s
}

var scoreSchema = &engine.Schema{
	Type: "object",
	Properties: map[string]engine.SchemaProperty{
		"score": {Type: "number", Description: "Relevance from 0.0 to 1.0", Minimum: engine.Float(0), Maximum: engine.Float(1)},
	},
	Required: []string{"score"},
}

func prompt(query string, c retrieval.SimilarCase) string {
	var b strings.Builder
	b.WriteString("Rate from 0.0 to 1.0 how useful the past Python failure below is for fixing the current one.\n")
	fmt.Fprintf(&b, "Current failure: %s\n", query)
	if c.Metadata.ErrorKind != "" {
		fmt.Fprintf(&b, "Past failure: %s: %s\n", c.Metadata.ErrorKind, c.Metadata.Message)
	}
	fmt.Fprintf(&b, "Past context:\n%s\n", c.Document)
	if c.Metadata.RemedyPreview != "" {
		fmt.Fprintf(&b, "Past remedy: %s\n", c.Metadata.RemedyPreview)
	}
	b.WriteString(`Answer with only {"score": <number>}.`)
	return b.String()
}

// parseScore pulls {"score": n} out of a reply that may be wrapped in a code
// fence or surrounded by prose. Scores are clamped to [0, 1].
func parseScore(resp string) (float64, error) {
	s := strings.TrimSpace(resp)
	if i := strings.Index(s, "```"); i >= 0 {
		s = strings.TrimPrefix(s[i+3:], "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start, end := strings.Index(s, "{"), strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return 0, errors.New("no JSON object in response")
	}
	var v struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return 0, fmt.Errorf("decoding score: %w", err)
	}
	if v.Score == nil {
		return 0, errors.New("score field missing")
	}
	return min(max(*v.Score, 0), 1), nil
}

// Passthrough leaves cases in retrieval order.
type Passthrough struct{}

func (Passthrough) Rerank(_ context.Context, _ string, cases []retrieval.SimilarCase) ([]retrieval.SimilarCase, error) {
	return cases, nil
}
