package engine

import (
	"context"
	"fmt"
)

// Backend names accepted by DetectConfig.Backend.
const (
	BackendAuto   = "auto"
	BackendOllama = "ollama"
	BackendGemini = "gemini"
	BackendNone   = "none"
)

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	Backend       string
	OllamaBaseURL string
	GeminiAPIKey  string
	GeminiBaseURL string

	// OllamaKeepAlive is forwarded as keep_alive on Ollama chat requests.
	OllamaKeepAlive string
}

// Detect returns the configured inference backend. With BackendAuto a Gemini
// API key selects Gemini, otherwise the local Ollama server is used.
// BackendNone returns a nil Engine and no error.
func Detect(ctx context.Context, cfg DetectConfig) (Engine, error) {
	switch cfg.Backend {
	case BackendNone:
		return nil, nil
	case BackendOllama:
		return newOllama(cfg), nil
	case BackendGemini:
		return NewGeminiEngine(ctx, cfg.GeminiAPIKey, cfg.GeminiBaseURL)
	case BackendAuto, "":
		if cfg.GeminiAPIKey != "" {
			return NewGeminiEngine(ctx, cfg.GeminiAPIKey, cfg.GeminiBaseURL)
		}
		return newOllama(cfg), nil
	default:
		return nil, fmt.Errorf("unknown inference backend %q", cfg.Backend)
	}
}

func newOllama(cfg DetectConfig) *OllamaEngine {
	e := NewOllamaEngine(cfg.OllamaBaseURL)
	e.KeepAlive = cfg.OllamaKeepAlive
	return e
}
