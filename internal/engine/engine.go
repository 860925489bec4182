package engine

import "context"

// Engine is an inference backend: a local Ollama server or the hosted Gemini
// API. Solution generation, embedding and reranking depend on it rather than
// on a concrete client.
type Engine interface {
	Name() string

	// Chat returns the reply of model to messages. opts may be nil; a
	// non-nil opts.Schema asks for JSON matching it.
	Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error)

	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the backend answers at all.
	IsRunning(ctx context.Context) bool

	ListModels(ctx context.Context) ([]string, error)
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads name, reporting to onProgress when it is non-nil.
	// Hosted backends have nothing to download.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}
