package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kalambet/remedy/internal/composer"
	"github.com/kalambet/remedy/internal/config"
	"github.com/kalambet/remedy/internal/engine"
	"github.com/kalambet/remedy/internal/executor"
	"github.com/kalambet/remedy/internal/lint"
	"github.com/kalambet/remedy/internal/pipeline"
	"github.com/kalambet/remedy/internal/reranking"
	"github.com/kalambet/remedy/internal/retrieval"
	"github.com/kalambet/remedy/internal/solution"
	"github.com/kalambet/remedy/internal/storage"
	"github.com/kalambet/remedy/internal/validator"
)

const resolverTimeout = 10 * time.Second

// app holds the components shared by every command that diagnoses or reads
// history.
type app struct {
	cfg       config.Config
	store     *storage.Store
	engine    engine.Engine // nil when generation.backend is none
	generator *solution.Generator
	index     *retrieval.Index // nil when retrieval is disabled
	orch      *pipeline.Orchestrator
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// loadApp loads the configuration and builds the app from it.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Log.Level)
	return newApp(ctx, cfg)
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	eng, err := engine.Detect(ctx, engine.DetectConfig{
		Backend:         cfg.Generation.Backend,
		OllamaBaseURL:   cfg.Ollama.BaseURL,
		OllamaKeepAlive: cfg.Ollama.KeepAlive,
		GeminiAPIKey:    cfg.Gemini.APIKey,
		GeminiBaseURL:   cfg.Gemini.BaseURL,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("detecting inference backend: %w", err)
	}

	chatModel := chatModelFor(cfg, eng)
	var capability *engine.Capability
	if eng != nil {
		capability = engine.NewCapability(eng, chatModel)
	}
	gen := solution.New(capability, composer.New(0), solution.Config{
		Temperature: cfg.Generation.Temperature,
		MaxTokens:   cfg.Generation.MaxTokens,
	})

	index, err := newIndex(ctx, cfg, eng, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	opts := pipeline.Options{
		Validator: validator.New(validator.NewPythonResolver(cfg.Validator.Interpreter, resolverTimeout)),
		History:   store,
		Index:     index,
		Reranker:  newReranker(cfg, eng, chatModel),
		Jobs:      store,
		Generator: gen,
		TopK:      cfg.Retrieval.TopK,
	}
	if cfg.Executor.Enabled {
		opts.Executor = executor.New(executor.Config{
			Interpreter: cfg.Executor.Interpreter,
			Args:        []string{"-I"},
			Timeout:     cfg.ExecutorTimeout(),
		})
	}
	if cfg.Lint.Enabled {
		opts.Lint = lint.NewRunner()
	}

	return &app{
		cfg:       cfg,
		store:     store,
		engine:    eng,
		generator: gen,
		index:     index,
		orch:      pipeline.New(opts),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

func chatModelFor(cfg config.Config, eng engine.Engine) string {
	if eng != nil && eng.Name() == engine.BackendGemini {
		return cfg.Gemini.Model
	}
	return cfg.Ollama.ChatModel
}

func newReranker(cfg config.Config, eng engine.Engine, model string) reranking.Reranker {
	if !cfg.Retrieval.RerankingEnabled {
		return reranking.Passthrough{}
	}
	return reranking.New(eng, reranking.Config{
		Model:     model,
		Timeout:   cfg.RerankingTimeout(),
		Threshold: cfg.Retrieval.RerankingThreshold,
		Keep:      cfg.Retrieval.TopK,
	})
}

// newIndex builds the similarity index for retrieval.embedder. With "auto"
// the generation backend embeds when it is reachable and serves the embedding
// model; otherwise the offline hash embedder is used.
func newIndex(ctx context.Context, cfg config.Config, eng engine.Engine, store *storage.Store) (*retrieval.Index, error) {
	if !cfg.Retrieval.Enabled || cfg.Retrieval.Embedder == config.BackendNone {
		return nil, nil
	}
	vectors := retrieval.NewSQLiteStore(store.DB())

	var embedder retrieval.TextEmbedder
	switch cfg.Retrieval.Embedder {
	case config.EmbedderHash:
		embedder = retrieval.HashEmbedder{}
	case config.BackendOllama:
		embedder = retrieval.NewEmbedder(engine.NewOllamaEngine(cfg.Ollama.BaseURL), cfg.Ollama.EmbedModel)
	case config.BackendGemini:
		g, err := engine.NewGeminiEngine(ctx, cfg.Gemini.APIKey, cfg.Gemini.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("creating gemini embedder: %w", err)
		}
		embedder = retrieval.NewEmbedder(g, cfg.Gemini.EmbedModel)
	default:
		embedder = autoEmbedder(ctx, cfg, eng)
	}
	slog.Debug("retrieval: embedder selected", "model", embedder.Model())
	return retrieval.NewIndex(embedder, vectors), nil
}

func autoEmbedder(ctx context.Context, cfg config.Config, eng engine.Engine) retrieval.TextEmbedder {
	if eng == nil {
		return retrieval.HashEmbedder{}
	}
	model := cfg.Ollama.EmbedModel
	if eng.Name() == engine.BackendGemini {
		model = cfg.Gemini.EmbedModel
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if !eng.IsRunning(probeCtx) || !eng.HasModel(probeCtx, model) {
		slog.Info("retrieval: embedding model unavailable, using offline hash embedder", "backend", eng.Name(), "model", model)
		return retrieval.HashEmbedder{}
	}
	return retrieval.NewEmbedder(eng, model)
}
