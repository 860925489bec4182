package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/kalambet/remedy/internal/autofix"
	"github.com/kalambet/remedy/internal/classifier"
	"github.com/kalambet/remedy/internal/ingest"
	"github.com/kalambet/remedy/internal/pipeline"
	"github.com/kalambet/remedy/internal/retrieval"
	"github.com/kalambet/remedy/internal/storage"
)

const statsTopPatterns = 10

// Diagnoser runs one submission through the pipeline.
type Diagnoser interface {
	Diagnose(ctx context.Context, sub ingest.Submission) pipeline.Result
}

// StatsBundle is the history summary plus the state of the similarity index
// and its retry queue.
type StatsBundle struct {
	storage.Statistics
	IndexSize      int               `json:"index_size"`
	EmbeddingModel string            `json:"embedding_model,omitempty"`
	IndexJobs      storage.JobCounts `json:"index_jobs"`
}

func collectStats(ctx context.Context, store *storage.Store, index *retrieval.Index) (StatsBundle, error) {
	st, err := store.Statistics(statsTopPatterns)
	if err != nil {
		return StatsBundle{}, err
	}
	n, err := index.Count(ctx)
	if err != nil {
		return StatsBundle{}, fmt.Errorf("counting index: %w", err)
	}
	jobs, err := store.CountJobs()
	if err != nil {
		return StatsBundle{}, err
	}
	return StatsBundle{Statistics: st, IndexSize: n, EmbeddingModel: index.Model(), IndexJobs: jobs}, nil
}

// FixView is a proposal with its rendered diff.
type FixView struct {
	autofix.Proposal
	Diff string `json:"diff"`
}

// FixResult is the response to a fix request.
type FixResult struct {
	Classifier classifier.ErrorRecord `json:"classifier"`
	Fixes      []FixView              `json:"fixes"`
}

var errNoFailure = errors.New("stderr contains no error")

// suggestFix classifies stderr against text and returns the auto-fix
// proposals.
func suggestFix(text, stderr string) (FixResult, error) {
	rec := classifier.Classify(stderr, text)
	if !rec.Detected {
		return FixResult{}, errNoFailure
	}
	res := FixResult{Classifier: rec, Fixes: []FixView{}}
	for _, p := range autofix.Suggest(text, rec) {
		res.Fixes = append(res.Fixes, FixView{Proposal: p, Diff: p.Diff()})
	}
	return res, nil
}
