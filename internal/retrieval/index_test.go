package retrieval

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/kalambet/remedy/internal/classifier"
	"github.com/kalambet/remedy/internal/storage"
)

type failingEmbedder struct{}

func (failingEmbedder) Model() string { return "broken" }
func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("backend down")
}

func nameError() classifier.ErrorRecord {
	return classifier.ErrorRecord{
		Detected:    true,
		Kind:        "NameError",
		Message:     "NameError: name 'pritn' is not defined",
		Line:        1,
		Description: "A variable or function name was used before it was defined.",
		Severity:    classifier.SeverityHigh,
	}
}

func TestIndex_AddAndSearch(t *testing.T) {
	ix := NewIndex(HashEmbedder{}, openTestStore(t))
	ctx := context.Background()

	zero := classifier.ErrorRecord{Detected: true, Kind: "ZeroDivisionError", Message: "ZeroDivisionError: division by zero"}
	if err := ix.Add(ctx, "e1", nameError(), "pritn('hi')", "Rename pritn to print."); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ix.Add(ctx, "e2", zero, "1/0", "Guard the divisor."); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got := ix.Search(ctx, nameError(), "pritn('hi')", 5)
	if len(got) != 2 {
		t.Fatalf("got %d cases, want 2", len(got))
	}
	best := got[0]
	if best.ID != "e1" {
		t.Fatalf("best match = %q, want e1", best.ID)
	}
	if math.Abs(best.Score-1) > 1e-4 || math.Abs(best.Distance) > 1e-4 {
		t.Errorf("identical query score=%f distance=%f, want 1 and 0", best.Score, best.Distance)
	}
	if got[1].Score > best.Score {
		t.Error("cases not ordered by score")
	}
	if best.Metadata.RemedyPreview != "Rename pritn to print." || best.Metadata.Severity != "high" {
		t.Errorf("metadata = %+v", best.Metadata)
	}
	if !strings.HasPrefix(best.Document, "NameError: NameError: name 'pritn'") || !strings.Contains(best.Document, "Solution:\nRename pritn to print.") {
		t.Errorf("document = %q", best.Document)
	}

	n, err := ix.Count(ctx)
	if err != nil || n != 2 {
		t.Errorf("Count = %d, %v; want 2", n, err)
	}
}

func TestIndex_PruneDropsOtherModels(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.Upsert(ctx, []Record{{ID: "old", ErrorID: "old", Embedding: []float32{1, 0, 0}, Model: "nomic-embed-text"}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	ix := NewIndex(HashEmbedder{}, store)
	if err := ix.Add(ctx, "e1", nameError(), "pritn('hi')", "Rename pritn to print."); err != nil {
		t.Fatalf("Add: %v", err)
	}

	n, err := ix.Prune(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Prune = %d, %v; want 1", n, err)
	}
	if c, _ := ix.Count(ctx); c != 1 {
		t.Errorf("Count after prune = %d, want 1", c)
	}
	if _, err := (*Index)(nil).Prune(ctx); !errors.Is(err, ErrDisabled) {
		t.Errorf("nil index Prune error = %v, want ErrDisabled", err)
	}
}

func TestIndex_MetadataTruncated(t *testing.T) {
	ix := NewIndex(HashEmbedder{}, openTestStore(t))
	ctx := context.Background()

	rec := nameError()
	rec.Message = strings.Repeat("m", 500)
	if err := ix.Add(ctx, "e1", rec, strings.Repeat("x", 1000), strings.Repeat("s", 500)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	got := ix.SearchText(ctx, "m", 1)
	if len(got) != 1 {
		t.Fatalf("got %d cases", len(got))
	}
	if len(got[0].Metadata.Message) != 200 || len(got[0].Metadata.RemedyPreview) != 200 {
		t.Errorf("message=%d preview=%d, want 200 each", len(got[0].Metadata.Message), len(got[0].Metadata.RemedyPreview))
	}
	if strings.Count(got[0].Document, "x") != 200 {
		t.Errorf("document carries %d snippet chars, want 200", strings.Count(got[0].Document, "x"))
	}
}

func TestIndex_SearchFailureIsEmpty(t *testing.T) {
	ix := NewIndex(failingEmbedder{}, openTestStore(t))
	if got := ix.Search(context.Background(), nameError(), "", 5); len(got) != 0 {
		t.Errorf("got %d cases from failing backend, want 0", len(got))
	}
	if err := ix.Add(context.Background(), "e1", nameError(), "", ""); err == nil {
		t.Error("Add with failing embedder should error")
	}
}

func TestIndex_Disabled(t *testing.T) {
	var ix *Index
	ctx := context.Background()
	if got := ix.Search(ctx, nameError(), "", 5); got != nil {
		t.Errorf("disabled Search = %v", got)
	}
	if err := ix.Add(ctx, "e1", nameError(), "", ""); !errors.Is(err, ErrDisabled) {
		t.Errorf("disabled Add err = %v, want ErrDisabled", err)
	}
	if n, _ := ix.Count(ctx); n != 0 {
		t.Errorf("disabled Count = %d", n)
	}
}

func TestIndex_AddPersisted(t *testing.T) {
	ix := NewIndex(HashEmbedder{}, openTestStore(t))
	p := storage.PersistedError{
		ID:       "e9",
		Kind:     "KeyError",
		Message:  "KeyError: 'a'",
		Severity: "medium",
		Snippet:  "d = {}\nd['a']",
		Remedies: []storage.Remedy{
			{Text: "Check the key exists.", Kind: storage.RemedyAutoGenerated},
			{Text: "Use d.get('a').", Kind: storage.RemedyGenerated},
		},
	}
	if err := ix.AddPersisted(context.Background(), p); err != nil {
		t.Fatalf("AddPersisted: %v", err)
	}
	got := ix.SearchText(context.Background(), "KeyError", 1)
	if len(got) != 1 || got[0].Metadata.RemedyPreview != "Use d.get('a')." {
		t.Errorf("got %+v", got)
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		cos, dist, score float64
	}{
		{1, 0, 1},
		{0, 1, 0.5},
		{-1, 2, 0},
	}
	for _, tt := range tests {
		d, s := Score(tt.cos)
		if d != tt.dist || s != tt.score {
			t.Errorf("Score(%v) = %v, %v; want %v, %v", tt.cos, d, s, tt.dist, tt.score)
		}
	}
}

func TestSolutionOf(t *testing.T) {
	if got := SolutionOf(storage.PersistedError{}); got != "" {
		t.Errorf("empty = %q", got)
	}
	p := storage.PersistedError{Remedies: []storage.Remedy{{Text: "a", Kind: storage.RemedyAutoGenerated}}}
	if got := SolutionOf(p); got != "a" {
		t.Errorf("got %q, want a", got)
	}
}
