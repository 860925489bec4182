// Package solution produces the remedy text for a diagnosed failure, using a
// generation backend when one is reachable and a deterministic composition
// otherwise.
package solution

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/remedy/internal/composer"
	"github.com/kalambet/remedy/internal/engine"
)

// Provenance says how a solution was produced.
type Provenance string

const (
	Generated Provenance = "generated"
	Fallback  Provenance = "fallback"
)

const (
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 1000
	defaultTimeout     = 60 * time.Second
)

// Solution is the remedy text and how it was produced.
type Solution struct {
	Text       string     `json:"text"`
	Provenance Provenance `json:"provenance"`
}

// Config tunes generation requests.
type Config struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Generator turns a DiagnosisContext into a Solution.
type Generator struct {
	capability *engine.Capability
	composer   *composer.Composer
	cfg        Config
}

// New creates a Generator. A nil capability always uses the fallback.
func New(capability *engine.Capability, comp *composer.Composer, cfg Config) *Generator {
	if comp == nil {
		comp = composer.New(0)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Generator{capability: capability, composer: comp, cfg: cfg}
}

// DefaultConfig returns the standard sampling settings.
func DefaultConfig() Config {
	return Config{Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens, Timeout: defaultTimeout}
}

// Available reports whether generation would reach a backend.
func (g *Generator) Available(ctx context.Context) bool {
	return g.capability.Check(ctx)
}

// Generate never fails: any backend problem yields the fallback solution.
// An unreachable backend is probed again on the next call after a failure.
func (g *Generator) Generate(ctx context.Context, dc composer.DiagnosisContext) Solution {
	if !g.capability.Check(ctx) {
		return g.fallback(dc)
	}

	genCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	text, err := g.capability.Engine().Chat(genCtx, g.capability.Model(), g.composer.Messages(dc), &engine.ChatOptions{
		Temperature: engine.Float(g.cfg.Temperature),
		MaxTokens:   g.cfg.MaxTokens,
	})
	if err != nil {
		slog.Warn("solution: generation failed, using fallback", "backend", g.capability.Engine().Name(), "error", err)
		g.capability.Invalidate()
		return g.fallback(dc)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		slog.Warn("solution: empty completion, using fallback")
		return g.fallback(dc)
	}
	return Solution{Text: text, Provenance: Generated}
}

func (g *Generator) fallback(dc composer.DiagnosisContext) Solution {
	return Solution{Text: composer.Fallback(dc), Provenance: Fallback}
}
