package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/remedy/internal/composer"
	"github.com/kalambet/remedy/internal/executor"
	"github.com/kalambet/remedy/internal/ingest"
	"github.com/kalambet/remedy/internal/retrieval"
	"github.com/kalambet/remedy/internal/solution"
	"github.com/kalambet/remedy/internal/storage"
	"github.com/kalambet/remedy/internal/validator"
)

const numpyyStderr = "Traceback (most recent call last):\n" +
	"  File \"snippet.py\", line 1, in <module>\n" +
	"    import numpyy\n" +
	"ModuleNotFoundError: No module named 'numpyy'\n"

const numpyySource = "import numpyy\nprint(numpyy.zeros(3))\n"

type fakeRunner struct {
	result executor.Result
	calls  atomic.Int32
}

func (f *fakeRunner) Run(context.Context, string) executor.Result {
	f.calls.Add(1)
	return f.result
}

type fakeValidator struct{ report validator.Report }

func (f fakeValidator) Validate(context.Context, string) validator.Report { return f.report }

type countingGenerator struct {
	calls atomic.Int32
	inner *solution.Generator
}

func (g *countingGenerator) Generate(ctx context.Context, dc composer.DiagnosisContext) solution.Solution {
	g.calls.Add(1)
	return g.inner.Generate(ctx, dc)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding backend down")
}
func (failingEmbedder) Model() string { return "broken" }

type failingHistory struct{}

func (failingHistory) Save(storage.NewError) (string, error) { return "", errors.New("disk full") }
func (failingHistory) Pattern(string, string) (storage.PatternAggregate, error) {
	return storage.PatternAggregate{}, storage.ErrNotFound
}
func (failingHistory) TopPatterns(int) ([]storage.PatternAggregate, error) { return nil, nil }

func (failingHistory) FindSimilarByType(string, int) ([]storage.PersistedError, error) {
	return nil, errors.New("disk full")
}

type failingReranker struct{}

func (failingReranker) Rerank(context.Context, string, []retrieval.SimilarCase) ([]retrieval.SimilarCase, error) {
	return nil, errors.New("rerank backend down")
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(storage.MemoryDSN)
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func failing(stderr string) *fakeRunner {
	return &fakeRunner{result: executor.Result{Success: false, Stderr: stderr, ExitCode: 1}}
}

func py(text string) ingest.Submission {
	return ingest.Submission{Name: "snippet.py", Text: text, Type: ingest.TypePython}
}

func TestDiagnose_IngestionError(t *testing.T) {
	runner := failing(numpyyStderr)
	o := New(Options{Executor: runner})

	res := o.Diagnose(context.Background(), py("   "))

	if res.Status != StatusIngestionError {
		t.Fatalf("Status = %q, want %q", res.Status, StatusIngestionError)
	}
	if res.Error == "" {
		t.Error("ingestion error message is empty")
	}
	if runner.calls.Load() != 0 {
		t.Error("executor ran for a rejected submission")
	}
	if diff := cmp.Diff([]Stage{StageStart, StageDone}, res.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestDiagnose_Success(t *testing.T) {
	gen := &countingGenerator{inner: solution.New(nil, nil, solution.DefaultConfig())}
	o := New(Options{
		Executor:  &fakeRunner{result: executor.Result{Success: true, Stdout: "ok\n"}},
		Generator: gen,
		History:   openStore(t),
	})

	res := o.Diagnose(context.Background(), py("print('ok')\n"))

	if res.Status != StatusSuccess {
		t.Fatalf("Status = %q, want success", res.Status)
	}
	if res.Classifier != nil || res.Solution != nil || res.ErrorID != "" {
		t.Errorf("success result carries diagnosis: %+v", res)
	}
	if gen.calls.Load() != 0 {
		t.Error("generator called for a successful run")
	}
	want := []Stage{StageStart, StageValidated, StageExecuted, StageDone}
	if diff := cmp.Diff(want, res.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestDiagnose_Blocked(t *testing.T) {
	o := New(Options{Executor: executor.New(executor.Config{Interpreter: "/bin/false"})})

	res := o.Diagnose(context.Background(), py("import os\nos.system('rm -rf /')\n"))

	if res.Status != StatusBlocked {
		t.Fatalf("Status = %q, want blocked", res.Status)
	}
	if res.Executor == nil || !res.Executor.Blocked || res.Executor.Stderr != "" {
		t.Errorf("executor result = %+v, want blocked with no captured output", res.Executor)
	}
}

func TestDiagnose_UnknownError(t *testing.T) {
	o := New(Options{Executor: &fakeRunner{result: executor.Result{Success: false, ExitCode: 3}}})

	res := o.Diagnose(context.Background(), py("raise SystemExit(3)\n"))

	if res.Status != StatusUnknownError {
		t.Fatalf("Status = %q, want unknown_error", res.Status)
	}
	if res.Classifier != nil {
		t.Errorf("Classifier = %+v, want nil", res.Classifier)
	}
}

func TestDiagnose_AnalyzedFullPipeline(t *testing.T) {
	store := openStore(t)
	index := retrieval.NewIndex(retrieval.HashEmbedder{}, retrieval.NewSQLiteStore(store.DB()))
	o := New(Options{
		Validator: fakeValidator{report: validator.Report{Valid: false, Missing: []string{"numpyy"}}},
		Executor:  failing(numpyyStderr),
		History:   store,
		Index:     index,
		Jobs:      store,
	})
	ctx := context.Background()

	first := o.Diagnose(ctx, py(numpyySource))

	if first.Status != StatusAnalyzed {
		t.Fatalf("Status = %q, want analyzed", first.Status)
	}
	want := []Stage{StageStart, StageValidated, StageExecuted, StageClassified, StageRetrieved,
		StageContextBuilt, StageSolved, StagePersisted, StageDone}
	if diff := cmp.Diff(want, first.Trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
	if first.Classifier.Kind != "ModuleNotFoundError" {
		t.Errorf("Kind = %q", first.Classifier.Kind)
	}
	if first.Solution == nil || first.Solution.Provenance != solution.Fallback {
		t.Errorf("Solution = %+v, want fallback", first.Solution)
	}
	if len(first.Fixes) != 1 || !strings.Contains(first.Fixes[0].Fixed, "import numpy\n") {
		t.Errorf("Fixes = %+v, want the numpyy import fix", first.Fixes)
	}
	if first.ErrorID == "" {
		t.Fatal("ErrorID is empty")
	}
	if len(first.Similar) != 0 || first.Patterns.Occurrences != 0 {
		t.Errorf("first diagnosis sees history: similar=%d occurrences=%d", len(first.Similar), first.Patterns.Occurrences)
	}

	saved, err := store.GetError(first.ErrorID)
	if err != nil {
		t.Fatalf("GetError: %v", err)
	}
	if got := retrieval.SolutionOf(saved); got != first.Solution.Text {
		t.Errorf("persisted solution = %q, want %q", got, first.Solution.Text)
	}
	if n, _ := index.Count(ctx); n != 1 {
		t.Errorf("index count = %d, want 1", n)
	}

	second := o.Diagnose(ctx, py(numpyySource))

	if second.Patterns.Occurrences != 1 {
		t.Errorf("Occurrences = %d, want 1", second.Patterns.Occurrences)
	}
	if len(second.Similar) != 1 || second.Similar[0].ID != first.ErrorID {
		t.Fatalf("Similar = %+v, want the first diagnosis", second.Similar)
	}
	if second.Similar[0].Score < 0.99 {
		t.Errorf("identical failure scored %.3f, want ~1", second.Similar[0].Score)
	}
	if !strings.Contains(second.Solution.Text, "### Similar cases") {
		t.Errorf("fallback solution does not cite similar cases:\n%s", second.Solution.Text)
	}
}

func TestDiagnose_RetrievalDisabled(t *testing.T) {
	store := openStore(t)
	o := New(Options{Executor: failing(numpyyStderr), History: store})

	res := o.Diagnose(context.Background(), py(numpyySource))

	if res.Status != StatusAnalyzed {
		t.Fatalf("Status = %q, want analyzed", res.Status)
	}
	if res.Similar == nil || len(res.Similar) != 0 {
		t.Errorf("Similar = %#v, want empty non-nil list", res.Similar)
	}
	for _, s := range res.Trace {
		if s == StageRetrieved {
			t.Error("trace contains retrieved with retrieval disabled")
		}
	}
	if !strings.Contains(res.Solution.Text, "numpyy") {
		t.Errorf("solution does not use taxonomy remedies:\n%s", res.Solution.Text)
	}
}

func TestDiagnose_IndexFailureQueuesBackfill(t *testing.T) {
	store := openStore(t)
	index := retrieval.NewIndex(failingEmbedder{}, retrieval.NewSQLiteStore(store.DB()))
	o := New(Options{
		Executor: failing(numpyyStderr),
		History:  store,
		Index:    index,
		Reranker: failingReranker{},
		Jobs:     store,
	})

	res := o.Diagnose(context.Background(), py(numpyySource))

	if res.Status != StatusAnalyzed {
		t.Fatalf("Status = %q, want analyzed", res.Status)
	}
	if len(res.Similar) != 0 {
		t.Errorf("Similar = %+v, want empty", res.Similar)
	}
	job, err := store.ClaimNextJob([]string{storage.JobIndexError})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil || !strings.Contains(job.PayloadJSON, res.ErrorID) {
		t.Errorf("backfill job = %+v, want one for %s", job, res.ErrorID)
	}
}

func TestDiagnose_PersistenceFailureIsSwallowed(t *testing.T) {
	o := New(Options{Executor: failing(numpyyStderr), History: failingHistory{}})

	res := o.Diagnose(context.Background(), py(numpyySource))

	if res.Status != StatusAnalyzed {
		t.Fatalf("Status = %q, want analyzed", res.Status)
	}
	if res.ErrorID != "" {
		t.Errorf("ErrorID = %q, want empty after failed save", res.ErrorID)
	}
	if res.Solution == nil {
		t.Error("solution missing after failed save")
	}
	for _, s := range res.Trace {
		if s == StagePersisted {
			t.Errorf("trace %v contains persisted after failed save", res.Trace)
		}
	}
	if res.PastErrors != nil {
		t.Errorf("PastErrors = %+v, want nil when history lookup fails", res.PastErrors)
	}
}

func TestDiagnose_PastErrorsWithoutIndex(t *testing.T) {
	store := openStore(t)
	o := New(Options{Executor: failing(numpyyStderr), History: store})

	first := o.Diagnose(context.Background(), py(numpyySource))
	if len(first.PastErrors) != 0 {
		t.Fatalf("first diagnosis PastErrors = %+v, want none", first.PastErrors)
	}
	second := o.Diagnose(context.Background(), py("import numpyy as np\n"))

	if len(second.PastErrors) != 1 {
		t.Fatalf("PastErrors = %+v, want the first diagnosis", second.PastErrors)
	}
	past := second.PastErrors[0]
	if past.ID != first.ErrorID || past.Kind != "ModuleNotFoundError" {
		t.Errorf("PastErrors[0] = %+v, want %s ModuleNotFoundError", past, first.ErrorID)
	}
	if len(past.Remedies) == 0 {
		t.Error("past error carries no remedies")
	}
}

func TestDiagnose_NotExecutable(t *testing.T) {
	runner := failing(numpyyStderr)
	o := New(Options{Executor: runner})

	res := o.Diagnose(context.Background(), ingest.Submission{Text: "console.log(1)", Type: ingest.TypeJavaScript})

	if res.Status != StatusSuccess {
		t.Errorf("Status = %q, want success", res.Status)
	}
	if runner.calls.Load() != 0 || res.Executor != nil {
		t.Error("executor ran for a javascript submission")
	}
}

func TestDiagnose_ValidationFailedWithoutExecutor(t *testing.T) {
	o := New(Options{Validator: fakeValidator{report: validator.Report{Valid: false}}})

	res := o.Diagnose(context.Background(), py("def broken(:\n"))

	if res.Status != StatusValidationFailed {
		t.Errorf("Status = %q, want validation_failed", res.Status)
	}
	if res.Validator == nil {
		t.Error("validator report missing")
	}
}
