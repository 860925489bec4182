package retrieval

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/remedy/internal/engine"
)

// vecEngine answers Embed with vectors from embedFn; everything else is inert.
type vecEngine struct {
	embedFn func(model, text string) ([]float32, error)
}

func (m *vecEngine) Name() string { return "mock" }

func (m *vecEngine) Chat(context.Context, string, []engine.Message, *engine.ChatOptions) (string, error) {
	return "", errors.New("chat not supported")
}

func (m *vecEngine) Embed(_ context.Context, model, text string) ([]float32, error) {
	return m.embedFn(model, text)
}

func (m *vecEngine) IsRunning(context.Context) bool { return true }

func (m *vecEngine) ListModels(context.Context) ([]string, error) { return nil, nil }

func (m *vecEngine) HasModel(context.Context, string) bool { return true }

func (m *vecEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return errors.New("pull not supported")
}

func TestEngineEmbedder_PassesModel(t *testing.T) {
	var gotModel string
	e := NewEmbedder(&vecEngine{embedFn: func(model, _ string) ([]float32, error) {
		gotModel = model
		return make([]float32, 768), nil
	}}, "nomic-embed-text")

	vec, err := e.Embed(context.Background(), "ZeroDivisionError: division by zero")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 768 || gotModel != "nomic-embed-text" {
		t.Errorf("got %d dims from model %q", len(vec), gotModel)
	}
	if e.Model() != "nomic-embed-text" {
		t.Errorf("Model() = %q", e.Model())
	}
}

func TestEngineEmbedder_WrapsBackendError(t *testing.T) {
	e := NewEmbedder(&vecEngine{embedFn: func(string, string) ([]float32, error) {
		return nil, errors.New("connection refused")
	}}, "nomic-embed-text")

	_, err := e.Embed(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "nomic-embed-text") || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error = %v", err)
	}
}

func TestEngineEmbedder_RejectsEmptyText(t *testing.T) {
	e := NewEmbedder(&vecEngine{embedFn: func(string, string) ([]float32, error) {
		t.Fatal("backend called for empty text")
		return nil, nil
	}}, "m")
	if _, err := e.Embed(context.Background(), " \n\t"); err == nil {
		t.Fatal("expected an error for blank text")
	}
}

func TestEngineEmbedder_DimensionChange(t *testing.T) {
	dim := 384
	e := NewEmbedder(&vecEngine{embedFn: func(string, string) ([]float32, error) {
		return make([]float32, dim), nil
	}}, "m")
	ctx := context.Background()

	if _, err := e.Embed(ctx, "first"); err != nil {
		t.Fatalf("first Embed: %v", err)
	}
	if _, err := e.Embed(ctx, "second"); err != nil {
		t.Fatalf("same-size Embed: %v", err)
	}
	dim = 768
	if _, err := e.Embed(ctx, "third"); err == nil || !strings.Contains(err.Error(), "768") {
		t.Errorf("dimension change error = %v", err)
	}
}

func TestHashEmbedder(t *testing.T) {
	var h HashEmbedder
	ctx := context.Background()

	a, _ := h.Embed(ctx, "NameError: name 'pritn' is not defined")
	b, _ := h.Embed(ctx, "nameerror name PRITN is not defined")
	c, _ := h.Embed(ctx, "ZeroDivisionError: division by zero")

	if len(a) != HashEmbedderDim {
		t.Fatalf("dim = %d, want %d", len(a), HashEmbedderDim)
	}
	if n := l2(a); n < 0.999 || n > 1.001 {
		t.Errorf("|a| = %f, want 1", n)
	}
	same := cosine(a, b, l2(a))
	other := cosine(a, c, l2(a))
	if same < 0.999 {
		t.Errorf("case and punctuation variants cosine = %f, want ~1", same)
	}
	if other >= same {
		t.Errorf("unrelated text cosine %f should be below %f", other, same)
	}
	if h.Model() != "hash-256" {
		t.Errorf("Model() = %q", h.Model())
	}

	empty, _ := h.Embed(ctx, "  ")
	if l2(empty) != 0 {
		t.Error("blank text should embed to the zero vector")
	}
}

func TestHashEmbedder_WordOrderMatters(t *testing.T) {
	var h HashEmbedder
	ctx := context.Background()
	a, _ := h.Embed(ctx, "list index out of range")
	b, _ := h.Embed(ctx, "range of out index list")
	if c := cosine(a, b, l2(a)); c >= 0.999 {
		t.Errorf("reordered text cosine = %f, bigrams should separate them", c)
	}
}
