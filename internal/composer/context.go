// Package composer merges the stage outputs of one diagnosis into a
// DiagnosisContext and renders it either as a generation prompt or as the
// deterministic fallback solution.
package composer

import (
	"github.com/kalambet/remedy/internal/classifier"
	"github.com/kalambet/remedy/internal/executor"
	"github.com/kalambet/remedy/internal/retrieval"
	"github.com/kalambet/remedy/internal/storage"
	"github.com/kalambet/remedy/internal/validator"
)

// snippetLimit bounds the code shown for the current error.
const snippetLimit = storage.SnippetLength

// CurrentError is the failure being diagnosed.
type CurrentError struct {
	Kind        string `json:"error_kind"`
	Message     string `json:"message"`
	Line        int    `json:"line"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Snippet     string `json:"snippet"`
}

// PatternStats is the history of the current failure's pattern.
type PatternStats struct {
	// Occurrences counts earlier failures with the same kind and message
	// prefix; 0 when the pattern is new.
	Occurrences int                        `json:"occurrences"`
	Top         []storage.PatternAggregate `json:"top,omitempty"`
}

// DiagnosisContext is everything the generator sees. Sections that did not
// run hold zero values; HasValidator and HasExecutor tell them apart from
// real results.
type DiagnosisContext struct {
	Current      CurrentError            `json:"current_error"`
	HasValidator bool                    `json:"has_validator"`
	Validator    validator.Report        `json:"validator"`
	HasExecutor  bool                    `json:"has_executor"`
	Executor     executor.Result         `json:"executor"`
	Classifier   classifier.ErrorRecord  `json:"classifier"`
	Patterns     PatternStats            `json:"patterns"`
	Similar      []retrieval.SimilarCase `json:"similar_cases"`
}

// Inputs are the stage outputs handed to Assemble. Any pointer may be nil.
type Inputs struct {
	Source     string
	Validator  *validator.Report
	Executor   *executor.Result
	Classifier *classifier.ErrorRecord
	Patterns   *PatternStats
	Similar    []retrieval.SimilarCase
}

// Assemble merges stage outputs. It performs no I/O and never fails.
func Assemble(in Inputs) DiagnosisContext {
	dc := DiagnosisContext{
		Similar: []retrieval.SimilarCase{},
	}
	if in.Validator != nil {
		dc.HasValidator = true
		dc.Validator = *in.Validator
	}
	if in.Executor != nil {
		dc.HasExecutor = true
		dc.Executor = *in.Executor
	}
	if in.Classifier != nil {
		dc.Classifier = *in.Classifier
	}
	if in.Patterns != nil {
		dc.Patterns = *in.Patterns
	}
	if len(in.Similar) > 0 {
		dc.Similar = append(dc.Similar, in.Similar...)
	}

	kind := dc.Classifier.Kind
	if kind == "" {
		kind = classifier.UnknownKind
	}
	severity := string(dc.Classifier.Severity)
	if severity == "" {
		severity = string(classifier.SeverityMedium)
	}
	dc.Current = CurrentError{
		Kind:        kind,
		Message:     dc.Classifier.Message,
		Line:        dc.Classifier.Line,
		Description: dc.Classifier.Description,
		Severity:    severity,
		Snippet:     retrieval.Preview(in.Source, snippetLimit),
	}
	return dc
}
