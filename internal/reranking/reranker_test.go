package reranking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kalambet/remedy/internal/engine"
	"github.com/kalambet/remedy/internal/retrieval"
)

type mockEngine struct {
	chatFn func(ctx context.Context, msgs []engine.Message) (string, error)
}

func (m *mockEngine) Name() string { return "mock" }

func (m *mockEngine) Chat(ctx context.Context, _ string, msgs []engine.Message, _ *engine.ChatOptions) (string, error) {
	if m.chatFn != nil {
		return m.chatFn(ctx, msgs)
	}
	return `{"score": 0.5}`, nil
}

func (m *mockEngine) Embed(context.Context, string, string) ([]float32, error) {
	return nil, errors.New("not implemented")
}

func (m *mockEngine) IsRunning(context.Context) bool { return true }

func (m *mockEngine) ListModels(context.Context) ([]string, error) { return nil, nil }

func (m *mockEngine) HasModel(context.Context, string) bool { return true }

func (m *mockEngine) PullModel(context.Context, string, func(engine.PullProgress)) error {
	return nil
}

// scoreByID answers with the score registered for the case whose id appears
// in the prompt.
func scoreByID(scores map[string]float64) func(context.Context, []engine.Message) (string, error) {
	return func(_ context.Context, msgs []engine.Message) (string, error) {
		for id, s := range scores {
			if strings.Contains(msgs[0].Content, "name '"+id+"'") {
				return fmt.Sprintf(`{"score": %g}`, s), nil
			}
		}
		return "", errors.New("unknown case")
	}
}

func hang(ctx context.Context, _ []engine.Message) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func makeCases(ids ...string) []retrieval.SimilarCase {
	cases := make([]retrieval.SimilarCase, len(ids))
	for i, id := range ids {
		cases[i] = retrieval.SimilarCase{
			ID:       id,
			Document: fmt.Sprintf("NameError: name '%s' is not defined", id),
			Metadata: retrieval.Metadata{ErrorKind: "NameError", Message: "name '" + id + "' is not defined"},
			Score:    0.5,
		}
	}
	return cases
}

func ids(cases []retrieval.SimilarCase) []string {
	out := make([]string, len(cases))
	for i, c := range cases {
		out[i] = c.ID
	}
	return out
}

func TestRerank_SortsAndDropsBelowThreshold(t *testing.T) {
	eng := &mockEngine{chatFn: scoreByID(map[string]float64{"a": 0.4, "b": 0.9, "c": 0.1, "d": 0.7})}
	r := New(eng, Config{Threshold: 0.3})

	got, err := r.Rerank(context.Background(), "NameError: name 'total' is not defined", makeCases("a", "b", "c", "d"))
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if diff := cmp.Diff([]string{"b", "d", "a"}, ids(got)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestRerank_AllBelowThresholdIsEmpty(t *testing.T) {
	eng := &mockEngine{chatFn: func(context.Context, []engine.Message) (string, error) { return `{"score": 0.05}`, nil }}
	got, err := New(eng, Config{Threshold: 0.3}).Rerank(context.Background(), "q", makeCases("a", "b"))
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %v, want no cases", ids(got))
	}
}

func TestRerank_TimeoutKeepsRetrievalOrder(t *testing.T) {
	cases := makeCases("a", "b", "c")
	r := New(&mockEngine{chatFn: hang}, Config{Timeout: 100 * time.Millisecond, Threshold: 0.3})

	start := time.Now()
	got, err := r.Rerank(context.Background(), "q", cases)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Rerank took %v after a 100ms timeout", elapsed)
	}
	if diff := cmp.Diff(ids(cases), ids(got)); diff != "" {
		t.Errorf("timeout should keep retrieval order (-want +got):\n%s", diff)
	}
}

func TestRerank_BackendErrorKeepsScore(t *testing.T) {
	eng := &mockEngine{chatFn: func(context.Context, []engine.Message) (string, error) {
		return "", errors.New("connection refused")
	}}
	cases := makeCases("a")
	cases[0].Score = 0.8

	got, _ := New(eng, Config{Threshold: 0.3}).Rerank(context.Background(), "q", cases)
	if len(got) != 1 || got[0].Score != 0.8 {
		t.Errorf("got %+v, want the case with its retrieval score 0.8", got)
	}
}

func TestRerank_StopsAfterKeep(t *testing.T) {
	var calls atomic.Int32
	eng := &mockEngine{chatFn: func(ctx context.Context, msgs []engine.Message) (string, error) {
		if calls.Add(1) <= 2 {
			return `{"score": 0.8}`, nil
		}
		return hang(ctx, msgs)
	}}
	r := New(eng, Config{Timeout: 10 * time.Second, Keep: 2, Concurrency: 2})

	done := make(chan []retrieval.SimilarCase, 1)
	go func() {
		got, _ := r.Rerank(context.Background(), "q", makeCases("a", "b", "c", "d", "e"))
		done <- got
	}()
	select {
	case got := <-done:
		if len(got) != 2 {
			t.Errorf("got %d cases, want 2", len(got))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Rerank waited for the timeout instead of stopping after Keep cases")
	}
}

func TestRerank_PromptCarriesPastRemedy(t *testing.T) {
	var seen string
	eng := &mockEngine{chatFn: func(_ context.Context, msgs []engine.Message) (string, error) {
		seen = msgs[0].Content
		return `{"score": 1}`, nil
	}}
	cases := makeCases("a")
	cases[0].Metadata.RemedyPreview = "define a before use"

	if _, err := New(eng, Config{}).Rerank(context.Background(), "NameError: x", cases); err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	for _, want := range []string{"Current failure: NameError: x", "Past failure: NameError:", "Past remedy: define a before use"} {
		if !strings.Contains(seen, want) {
			t.Errorf("prompt missing %q:\n%s", want, seen)
		}
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name    string
		resp    string
		want    float64
		wantErr bool
	}{
		{"plain", `{"score": 0.7}`, 0.7, false},
		{"fenced", "```json\n{\"score\": 0.8}\n```", 0.8, false},
		{"filler", `Sure! The relevance is {"score": 0.6}.`, 0.6, false},
		{"clamped high", `{"score": 3}`, 1, false},
		{"clamped low", `{"score": -1}`, 0, false},
		{"missing field", `{"relevance": 0.5}`, 0, true},
		{"garbage", "no idea", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseScore(tt.resp)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseScore(%q) error = %v, wantErr %v", tt.resp, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseScore(%q) = %g, want %g", tt.resp, got, tt.want)
			}
		})
	}
}

func TestPassthrough(t *testing.T) {
	cases := makeCases("c", "a", "b")
	got, err := Passthrough{}.Rerank(context.Background(), "q", cases)
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	if diff := cmp.Diff(ids(cases), ids(got)); diff != "" {
		t.Errorf("order changed (-want +got):\n%s", diff)
	}
}

func TestNew_NilEngineIsPassthrough(t *testing.T) {
	if _, ok := New(nil, Config{Model: "llama3.2"}).(Passthrough); !ok {
		t.Error("New(nil) should return Passthrough")
	}
	if _, ok := New(&mockEngine{}, Config{}).(*ModelReranker); !ok {
		t.Error("New(engine) should return *ModelReranker")
	}
}
