package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kalambet/remedy/internal/ollama"
)

// OllamaEngine serves chat and embeddings from a local Ollama server.
type OllamaEngine struct {
	client *ollama.Client
	// KeepAlive, when set, asks Ollama to keep the chat model loaded for
	// that long after a request (e.g. "10m").
	KeepAlive string
}

func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Name() string { return BackendOllama }

func (e *OllamaEngine) Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error) {
	req := ollama.ChatRequest{
		Model:     model,
		Messages:  make([]ollama.Message, 0, len(messages)),
		KeepAlive: e.KeepAlive,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, ollama.Message{Role: m.Role, Content: m.Content})
	}
	if opts != nil {
		if opts.Temperature != nil || opts.MaxTokens > 0 {
			req.Options = &ollama.Options{Temperature: opts.Temperature, NumPredict: opts.MaxTokens}
		}
		if opts.Schema != nil {
			format, err := json.Marshal(opts.Schema)
			if err != nil {
				return "", fmt.Errorf("encoding response schema: %w", err)
			}
			req.Format = format
		}
	}
	return e.client.Chat(ctx, req)
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return e.client.Embed(ctx, model, text)
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool { return e.client.IsRunning(ctx) }

func (e *OllamaEngine) ListModels(ctx context.Context) ([]string, error) {
	return e.client.ListModels(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) bool {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	if onProgress == nil {
		return e.client.PullModel(ctx, name, nil)
	}
	return e.client.PullModel(ctx, name, func(p ollama.PullProgress) {
		onProgress(PullProgress(p))
	})
}
