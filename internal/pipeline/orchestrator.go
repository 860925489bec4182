// Package pipeline drives one submission through validation, execution,
// classification, retrieval, generation and persistence.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/remedy/internal/autofix"
	"github.com/kalambet/remedy/internal/classifier"
	"github.com/kalambet/remedy/internal/composer"
	"github.com/kalambet/remedy/internal/executor"
	"github.com/kalambet/remedy/internal/ingest"
	"github.com/kalambet/remedy/internal/lint"
	"github.com/kalambet/remedy/internal/reranking"
	"github.com/kalambet/remedy/internal/retrieval"
	"github.com/kalambet/remedy/internal/solution"
	"github.com/kalambet/remedy/internal/storage"
	"github.com/kalambet/remedy/internal/validator"
)

// Status is the user-visible outcome of a diagnosis.
type Status string

const (
	StatusSuccess          Status = "success"
	StatusAnalyzed         Status = "analyzed"
	StatusUnknownError     Status = "unknown_error"
	StatusValidationFailed Status = "validation_failed"
	StatusBlocked          Status = "blocked"
	StatusIngestionError   Status = "ingestion_error"
)

// Stage names the orchestrator's states, in order.
type Stage string

const (
	StageStart        Stage = "start"
	StageValidated    Stage = "validated"
	StageExecuted     Stage = "executed"
	StageClassified   Stage = "classified"
	StageRetrieved    Stage = "retrieved"
	StageContextBuilt Stage = "context_built"
	StageSolved       Stage = "solved"
	StagePersisted    Stage = "persisted"
	StageDone         Stage = "done"
)

const (
	defaultTopK    = 5
	topPatterns    = 3
	pastErrors     = 3
	persistTimeout = 10 * time.Second
)

// Validator checks a submission's structure.
type Validator interface {
	Validate(ctx context.Context, source string) validator.Report
}

// Runner executes a submission in the sandbox.
type Runner interface {
	Run(ctx context.Context, source string) executor.Result
}

// Generator produces the remedy for an assembled context. It never fails.
type Generator interface {
	Generate(ctx context.Context, dc composer.DiagnosisContext) solution.Solution
}

// History is the subset of the history store the orchestrator uses.
type History interface {
	Save(e storage.NewError) (string, error)
	Pattern(kind, message string) (storage.PatternAggregate, error)
	TopPatterns(n int) ([]storage.PatternAggregate, error)
	FindSimilarByType(kind string, limit int) ([]storage.PersistedError, error)
}

// Options wires the orchestrator's collaborators. Every field but Generator
// may be nil, which disables the corresponding stage.
type Options struct {
	Validator Validator
	Executor  Runner
	Lint      *lint.Runner
	History   History
	// Index is the similarity index; nil disables retrieval and indexing.
	Index    *retrieval.Index
	Reranker reranking.Reranker
	// Jobs receives index backfill jobs when indexing fails.
	Jobs      ingest.Enqueuer
	Generator Generator
	TopK      int
}

// Result is the full bundle returned for one submission.
type Result struct {
	Status     Status                   `json:"status"`
	Name       string                   `json:"name,omitempty"`
	Type       string                   `json:"type,omitempty"`
	Error      string                   `json:"error,omitempty"`
	ErrorID    string                   `json:"error_id,omitempty"`
	Validator  *validator.Report        `json:"validator,omitempty"`
	Executor   *executor.Result         `json:"executor,omitempty"`
	Classifier *classifier.ErrorRecord  `json:"classifier,omitempty"`
	Patterns   *composer.PatternStats   `json:"patterns,omitempty"`
	Similar    []retrieval.SimilarCase  `json:"similar_cases"`
	// PastErrors lists earlier failures of the same kind when retrieval is
	// disabled.
	PastErrors []storage.PersistedError `json:"past_errors,omitempty"`
	Solution   *solution.Solution       `json:"solution,omitempty"`
	Fixes      []autofix.Proposal       `json:"fixes,omitempty"`
	Lint       *lint.Report             `json:"lint,omitempty"`
	Trace      []Stage                  `json:"trace"`
	Duration   time.Duration            `json:"duration"`
}

func (r *Result) enter(s Stage) {
	r.Trace = append(r.Trace, s)
}

// Orchestrator runs the diagnosis state machine. It holds only shared,
// concurrency-safe handles and is safe for concurrent use.
type Orchestrator struct {
	opts Options
}

// New creates an Orchestrator. A nil Generator is replaced by one that always
// composes the deterministic fallback.
func New(opts Options) *Orchestrator {
	if opts.Generator == nil {
		opts.Generator = solution.New(nil, nil, solution.DefaultConfig())
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	return &Orchestrator{opts: opts}
}

// Diagnose runs one submission to completion. Only an ingestion failure stops
// the pipeline early with an error status; every other stage failure degrades
// and is logged.
func (o *Orchestrator) Diagnose(ctx context.Context, sub ingest.Submission) (res Result) {
	start := time.Now()
	res = Result{Name: sub.Name, Type: sub.Type, Similar: []retrieval.SimilarCase{}}
	defer func() {
		res.enter(StageDone)
		res.Duration = time.Since(start)
		slog.Debug("pipeline: diagnosis done", "status", res.Status, "trace", res.Trace, "duration", res.Duration)
	}()

	res.enter(StageStart)
	sub, err := ingest.Check(sub)
	res.Type = sub.Type
	if err != nil {
		res.Status = StatusIngestionError
		res.Error = err.Error()
		return res
	}
	source := sub.Text
	eligible := ingest.Executable(sub.Type)

	if eligible && o.opts.Validator != nil {
		rep := o.opts.Validator.Validate(ctx, source)
		res.Validator = &rep
	}
	res.enter(StageValidated)

	if eligible && o.opts.Lint != nil {
		rep, err := o.opts.Lint.RunSource(ctx, source)
		if err != nil {
			slog.Warn("pipeline: lint failed", "error", err)
		} else {
			res.Lint = &rep
		}
	}

	if !eligible || o.opts.Executor == nil {
		res.enter(StageExecuted)
		res.Status = StatusSuccess
		if res.Validator != nil && !res.Validator.Valid {
			res.Status = StatusValidationFailed
		}
		return res
	}

	run := o.opts.Executor.Run(ctx, source)
	res.Executor = &run
	res.enter(StageExecuted)
	switch {
	case run.Blocked:
		res.Status = StatusBlocked
		return res
	case run.Success:
		res.Status = StatusSuccess
		return res
	}

	rec := classifier.Classify(run.Stderr, source)
	if !rec.Detected {
		res.Status = StatusUnknownError
		return res
	}
	res.Classifier = &rec
	res.enter(StageClassified)

	patterns := o.patterns(rec)
	res.Patterns = &patterns

	if o.opts.Index != nil {
		res.Similar = o.retrieve(ctx, rec, source)
		res.enter(StageRetrieved)
	} else {
		res.PastErrors = o.pastErrors(rec)
	}

	dc := composer.Assemble(composer.Inputs{
		Source:     source,
		Validator:  res.Validator,
		Executor:   res.Executor,
		Classifier: res.Classifier,
		Patterns:   res.Patterns,
		Similar:    res.Similar,
	})
	res.enter(StageContextBuilt)

	sol := o.opts.Generator.Generate(ctx, dc)
	res.Solution = &sol
	res.Fixes = autofix.Suggest(source, rec)
	res.enter(StageSolved)

	res.ErrorID = o.persist(ctx, source, rec, sol)
	if res.ErrorID != "" {
		res.enter(StagePersisted)
	}

	res.Status = StatusAnalyzed
	return res
}

func (o *Orchestrator) patterns(rec classifier.ErrorRecord) composer.PatternStats {
	var ps composer.PatternStats
	if o.opts.History == nil {
		return ps
	}
	p, err := o.opts.History.Pattern(rec.Kind, rec.Message)
	switch {
	case err == nil:
		ps.Occurrences = p.Count
	case !errors.Is(err, storage.ErrNotFound):
		slog.Warn("pipeline: loading pattern failed", "error", err)
	}
	top, err := o.opts.History.TopPatterns(topPatterns)
	if err != nil {
		slog.Warn("pipeline: loading top patterns failed", "error", err)
	}
	ps.Top = top
	return ps
}

func (o *Orchestrator) pastErrors(rec classifier.ErrorRecord) []storage.PersistedError {
	if o.opts.History == nil {
		return nil
	}
	past, err := o.opts.History.FindSimilarByType(rec.Kind, pastErrors)
	if err != nil {
		slog.Warn("pipeline: loading past errors failed", "kind", rec.Kind, "error", err)
		return nil
	}
	return past
}

func (o *Orchestrator) retrieve(ctx context.Context, rec classifier.ErrorRecord, source string) []retrieval.SimilarCase {
	cases := o.opts.Index.Search(ctx, rec, source, o.opts.TopK)
	if cases == nil {
		cases = []retrieval.SimilarCase{}
	}
	if o.opts.Reranker != nil && len(cases) > 0 {
		reranked, err := o.opts.Reranker.Rerank(ctx, rec.Kind+": "+rec.Message, cases)
		if err != nil {
			slog.Warn("pipeline: rerank failed, keeping retrieval order", "error", err)
		} else {
			cases = reranked
		}
	}
	return cases
}

// persist saves the diagnosis and indexes it. Failures are logged and never
// change the result; a failed index write is queued for the backfill worker.
func (o *Orchestrator) persist(ctx context.Context, source string, rec classifier.ErrorRecord, sol solution.Solution) string {
	if o.opts.History == nil {
		return ""
	}
	kind := storage.RemedyGenerated
	if sol.Provenance == solution.Fallback {
		kind = storage.RemedyFallback
	}
	id, err := o.opts.History.Save(storage.NewError{
		Source:       source,
		Kind:         rec.Kind,
		Message:      rec.Message,
		Line:         rec.Line,
		Description:  rec.Description,
		Severity:     string(rec.Severity),
		RawOutput:    rec.Raw,
		Remedies:     rec.Remedies,
		Solution:     sol.Text,
		SolutionKind: kind,
	})
	if err != nil {
		slog.Warn("pipeline: saving error failed", "kind", rec.Kind, "error", err)
		return ""
	}

	if o.opts.Index == nil {
		return id
	}
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.opts.Index.Add(ictx, id, rec, source, sol.Text); err != nil {
		slog.Warn("pipeline: indexing error failed", "error_id", id, "error", err)
		if o.opts.Jobs != nil {
			if qerr := ingest.EnqueueIndex(o.opts.Jobs, id); qerr != nil {
				slog.Warn("pipeline: queueing index job failed", "error_id", id, "error", qerr)
			}
		}
	}
	return id
}
