package api

import (
	"context"
	"testing"

	"github.com/kalambet/remedy/internal/classifier"
	"github.com/kalambet/remedy/internal/ingest"
	"github.com/kalambet/remedy/internal/pipeline"
	"github.com/kalambet/remedy/internal/retrieval"
	"github.com/kalambet/remedy/internal/storage"
)

const nameErrorStderr = "Traceback (most recent call last):\n  File \"snippet.py\", line 2, in <module>\n    countr += 1\nNameError: name 'countr' is not defined\n"

type fakeDiagnoser struct {
	got    ingest.Submission
	result pipeline.Result
}

func (f *fakeDiagnoser) Diagnose(_ context.Context, sub ingest.Submission) pipeline.Result {
	f.got = sub
	res := f.result
	res.Name = sub.Name
	res.Type = sub.Type
	return res
}

type fakeProbe bool

func (p fakeProbe) Available(context.Context) bool { return bool(p) }

func newTestStore(t *testing.T) (*storage.Store, *retrieval.Index) {
	t.Helper()
	store, err := storage.Open(storage.MemoryDSN)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, retrieval.NewIndex(retrieval.HashEmbedder{}, retrieval.NewSQLiteStore(store.DB()))
}

// seedError saves and indexes one NameError and returns its id.
func seedError(t *testing.T, store *storage.Store, index *retrieval.Index) string {
	t.Helper()
	src := "counter = 0\ncountr += 1\n"
	rec := classifier.Classify(nameErrorStderr, src)
	id, err := store.Save(storage.NewError{
		Source:       src,
		Kind:         rec.Kind,
		Message:      rec.Message,
		Line:         rec.Line,
		Description:  rec.Description,
		Severity:     string(rec.Severity),
		RawOutput:    rec.Raw,
		Remedies:     rec.Remedies,
		Solution:     "rename countr to counter",
		SolutionKind: storage.RemedyFallback,
	})
	if err != nil {
		t.Fatalf("saving error: %v", err)
	}
	if err := index.Add(context.Background(), id, rec, src, "rename countr to counter"); err != nil {
		t.Fatalf("indexing error: %v", err)
	}
	return id
}
