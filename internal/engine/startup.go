package engine

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"
)

const warmUpTimeout = 30 * time.Second

// EnsureReady prepares e for serving: the backend must answer, each of models
// that is missing gets pulled, and the first model, the chat model, is warmed
// with a one-token request so the first diagnosis does not wait for it to
// load. Progress goes to w. Only an unreachable backend or a failed pull is
// an error.
func EnsureReady(ctx context.Context, e Engine, w io.Writer, models ...string) error {
	if !e.IsRunning(ctx) {
		return fmt.Errorf("%s backend is not reachable; please ensure it is started and configured", e.Name())
	}

	models = slices.DeleteFunc(slices.Compact(models), func(m string) bool { return m == "" })
	for _, model := range models {
		if !e.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: pulling...\n", model)
			if err := e.PullModel(ctx, model, progressPrinter(w)); err != nil {
				return fmt.Errorf("pulling model %s: %w", model, err)
			}
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	if len(models) > 0 {
		warmUp(ctx, e, models[0], w)
	}
	return nil
}

func warmUp(ctx context.Context, e Engine, model string, w io.Writer) {
	ctx, cancel := context.WithTimeout(ctx, warmUpTimeout)
	defer cancel()
	fmt.Fprintf(w, "model %s: warming up...\n", model)
	if _, err := e.Chat(ctx, model, []Message{UserMessage("ping")}, &ChatOptions{MaxTokens: 1}); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", model, err)
		return
	}
	fmt.Fprintf(w, "model %s: warm\n", model)
}

// progressPrinter writes a line per status change and per ten percent of a
// layer download, instead of one per streamed update.
func progressPrinter(w io.Writer) func(PullProgress) {
	var last string
	lastDecile := -1
	return func(p PullProgress) {
		pct := p.Percent()
		if pct < 0 {
			if p.Status != last {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
			last, lastDecile = p.Status, -1
			return
		}
		decile := int(pct) / 10
		if p.Status == last && decile == lastDecile {
			return
		}
		fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
		last, lastDecile = p.Status, decile
	}
}
