package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/remedy/internal/autofix"
	"github.com/kalambet/remedy/internal/classifier"
	"github.com/kalambet/remedy/internal/config"
	"github.com/kalambet/remedy/internal/executor"
	"github.com/kalambet/remedy/internal/ingest"
	"github.com/kalambet/remedy/internal/lint"
	"github.com/kalambet/remedy/internal/pipeline"
	"github.com/kalambet/remedy/internal/retrieval"
	"github.com/kalambet/remedy/internal/scan"
	"github.com/kalambet/remedy/internal/storage"
)

// --- diagnose ---

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose <file>",
	Short: "Validate, run and diagnose a source file",
	Long: `Validate, run and diagnose a source file.

The exit code reflects the outcome: 0 success, 1 analyzed or unknown error,
2 validation failed, 3 blocked, 4 ingestion error.

Examples:
  remedy diagnose script.py
  remedy diagnose --json script.py`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res := diagnosePath(cmd.Context(), a.orch, args[0])
		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := printJSON(out, res); err != nil {
				return err
			}
		} else {
			renderResult(out, res)
		}
		if code := exitCodeFor(res.Status); code != 0 {
			return &exitError{code: code}
		}
		return nil
	},
}

// diagnosePath reads path and diagnoses it. A file that cannot be read is
// reported as an ingestion error.
func diagnosePath(ctx context.Context, d scan.Diagnoser, path string) pipeline.Result {
	sub, err := ingest.ReadFile(path)
	if err != nil {
		return pipeline.Result{
			Status:  pipeline.StatusIngestionError,
			Name:    filepath.Base(path),
			Error:   err.Error(),
			Similar: []retrieval.SimilarCase{},
		}
	}
	return d.Diagnose(ctx, sub)
}

// --- fix ---

var fixCmd = &cobra.Command{
	Use:   "fix <file>",
	Short: "Propose mechanical fixes for a failing Python file",
	Long: `Propose mechanical fixes for a failing Python file.

The file is run to capture its failure unless --stderr names a file holding
previously captured error output. With --apply the most confident proposal is
written back, keeping the original as <file>.bak.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stderrPath, _ := cmd.Flags().GetString("stderr")
		showDiff, _ := cmd.Flags().GetBool("diff")
		apply, _ := cmd.Flags().GetBool("apply")
		path := args[0]

		sub, err := ingest.ReadFile(path)
		if err != nil {
			return err
		}

		var stderr string
		if stderrPath != "" {
			b, err := os.ReadFile(stderrPath)
			if err != nil {
				return fmt.Errorf("reading stderr file: %w", err)
			}
			stderr = string(b)
		} else {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg.Log.Level)
			if !cfg.Executor.Enabled {
				return errors.New("execution is disabled (executor.enabled=false); pass --stderr with captured error output")
			}
			run := executor.New(executor.Config{
				Interpreter: cfg.Executor.Interpreter,
				Args:        []string{"-I"},
				Timeout:     cfg.ExecutorTimeout(),
			}).Run(cmd.Context(), sub.Text)
			if run.Blocked {
				return fmt.Errorf("execution blocked: dangerous pattern %q", run.BlockedPattern)
			}
			if run.Success {
				printSuccess("No error, nothing to fix")
				return nil
			}
			stderr = run.Stderr
		}

		rec := classifier.Classify(stderr, sub.Text)
		if !rec.Detected {
			printSuccess("No error, nothing to fix")
			return nil
		}
		fixes := autofix.Suggest(sub.Text, rec)

		out := cmd.OutOrStdout()
		if jsonOutput {
			if err := printJSON(out, map[string]any{"classifier": rec, "fixes": fixes}); err != nil {
				return err
			}
		} else {
			renderFixes(out, rec, fixes, showDiff)
		}

		if len(fixes) == 0 || !apply {
			return nil
		}
		best := bestFix(fixes)
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		perm := info.Mode().Perm()
		backup := path + ".bak"
		if err := os.WriteFile(backup, []byte(best.Original), perm); err != nil {
			return fmt.Errorf("writing backup: %w", err)
		}
		if err := os.Chmod(backup, perm); err != nil {
			return fmt.Errorf("writing backup: %w", err)
		}
		if err := os.WriteFile(path, []byte(best.Fixed), perm); err != nil {
			return fmt.Errorf("writing fix: %w", err)
		}
		printSuccess("Applied: %s (backup %s)", best.Description, backup)
		return nil
	},
}

func init() {
	fixCmd.Flags().String("stderr", "", "file holding captured error output")
	fixCmd.Flags().Bool("diff", false, "show a line diff for each proposal")
	fixCmd.Flags().Bool("apply", false, "write the most confident fix back to the file")
}

// bestFix returns the most confident proposal, the first on ties.
func bestFix(fixes []autofix.Proposal) autofix.Proposal {
	best := fixes[0]
	for _, f := range fixes[1:] {
		if f.Confidence > best.Confidence {
			best = f
		}
	}
	return best
}

func renderFixes(w io.Writer, rec classifier.ErrorRecord, fixes []autofix.Proposal, showDiff bool) {
	if len(fixes) == 0 {
		fmt.Fprintln(w, "No automatic fix available.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, classifier.FormatReport(rec))
		return
	}
	for i, f := range fixes {
		fmt.Fprintf(w, "%s %s\n  confidence: %.0f%%\n", headColor.Sprintf("[%d]", i+1), f.Description, f.Confidence*100)
		if showDiff {
			fmt.Fprintf(w, "\n%s\n\n", f.Diff())
		}
	}
}

// --- lint ---

var lintCmd = &cobra.Command{
	Use:   "lint <file>",
	Short: "Run the installed static analyzers (ruff, pylint, mypy, bandit) on a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(args[0]); err != nil {
			return err
		}
		rep := lint.NewRunner().Run(cmd.Context(), args[0])
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), rep)
		}
		renderLint(cmd.OutOrStdout(), rep)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lintCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show error history statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		top, _ := cmd.Flags().GetInt("top")

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.store.Statistics(top)
		if err != nil {
			return err
		}
		n, err := a.index.Count(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"statistics":      st,
				"index_size":      n,
				"embedding_model": a.index.Model(),
			})
		}
		renderStats(cmd.OutOrStdout(), st, n, a.index.Model())
		return nil
	},
}

func init() {
	statsCmd.Flags().Int("top", 10, "number of frequent patterns to show")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse diagnosed errors and record remedy outcomes",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		errs, err := a.store.ListErrors(limit, offset)
		if err != nil {
			return err
		}
		if jsonOutput {
			if errs == nil {
				errs = []storage.PersistedError{}
			}
			return printJSON(cmd.OutOrStdout(), errs)
		}
		if len(errs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No errors recorded.")
			return nil
		}
		for _, e := range errs {
			msg := e.Message
			if len(msg) > 70 {
				msg = msg[:70] + "..."
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-20s %s\n",
				stepColor.Sprint(e.ID[:8]),
				e.CreatedAt.Local().Format("2006-01-02 15:04"),
				e.Kind,
				msg,
			)
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one error with its remedies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		e, err := a.store.GetError(args[0])
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("no error with id %s", args[0])
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), e)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%s %s (%s)\n", boldColor.Sprint(e.Kind), e.ID, e.Severity)
		fmt.Fprintf(w, "%s\n", e.Message)
		if e.Description != "" {
			fmt.Fprintf(w, "\n%s\n", e.Description)
		}
		fmt.Fprintln(w, "\nRemedies:")
		for _, r := range e.Remedies {
			outcome := "not applied"
			if r.Applied && r.Success != nil {
				outcome = "failed"
				if *r.Success {
					outcome = "worked"
				}
			}
			fmt.Fprintf(w, "  #%d [%s, %s] %s\n", r.ID, r.Kind, outcome, retrievalPreview(r.Text))
		}
		return nil
	},
}

var historyMarkCmd = &cobra.Command{
	Use:   "mark <remedy-id> <worked|failed>",
	Short: "Record whether an applied remedy worked",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid remedy id %q", args[0])
		}
		success, err := parseOutcome(args[1])
		if err != nil {
			return err
		}

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.MarkRemedyResult(id, success); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no remedy with id %d", id)
			}
			return err
		}
		printSuccess("Recorded remedy #%d as %s", id, args[1])
		return nil
	},
}

func parseOutcome(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "worked", "success", "yes", "true":
		return true, nil
	case "failed", "failure", "no", "false":
		return false, nil
	}
	return false, fmt.Errorf("outcome must be worked or failed, got %q", s)
}

func retrievalPreview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 100 {
		return s[:100] + "..."
	}
	return s
}

func init() {
	historyListCmd.Flags().Int("limit", 20, "maximum number of errors to list")
	historyListCmd.Flags().Int("offset", 0, "number of errors to skip")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyMarkCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search past failures similar to a description",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if a.index == nil {
			return fmt.Errorf("retrieval is disabled (retrieval.enabled=false or retrieval.embedder=none)")
		}

		cases := a.index.SearchText(cmd.Context(), strings.Join(args, " "), limit)
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), cases)
		}
		if len(cases) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No similar failures found.")
			return nil
		}
		renderCases(cmd.OutOrStdout(), cases)
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- scan ---

var scanCmd = &cobra.Command{
	Use:   "scan <directory>",
	Short: "Diagnose every Python file in a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		exts, _ := cmd.Flags().GetStringSlice("ext")

		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if !jsonOutput {
			printStep("Scanning %s", args[0])
		}
		sum, err := scan.Directory(cmd.Context(), a.orch, args[0], scan.Options{
			Recursive:   recursive,
			Extensions:  exts,
			Concurrency: concurrency,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), sum)
		}
		renderScan(cmd.OutOrStdout(), sum)
		return nil
	},
}

func init() {
	scanCmd.Flags().BoolP("recursive", "r", false, "include subdirectories")
	scanCmd.Flags().Int("concurrency", 4, "files diagnosed in parallel")
	scanCmd.Flags().StringSlice("ext", nil, "file extensions to include (default .py)")
}

// --- reindex ---

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the similarity index from the error history",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if a.index == nil {
			return fmt.Errorf("retrieval is disabled (retrieval.enabled=false or retrieval.embedder=none)")
		}

		printStep("Reindexing with %s", a.index.Model())
		indexed, failed, err := reindex(cmd.Context(), a.store, a.index, 4)
		if err != nil {
			return err
		}
		if failed > 0 {
			printWarning("%d error(s) could not be indexed", failed)
		}
		printSuccess("Indexed %d error(s)", indexed)

		pruned, err := a.index.Prune(cmd.Context())
		if err != nil {
			return fmt.Errorf("pruning stale vectors: %w", err)
		}
		if pruned > 0 {
			printStatus("Pruned", "%d vector(s) from other embedding models", pruned)
		}
		return nil
	},
}

// reindex embeds every stored error again. Individual failures are counted,
// not fatal.
func reindex(ctx context.Context, store *storage.Store, index ingest.Indexer, concurrency int) (indexed, failed int, err error) {
	const page = 100
	var ok, bad atomic.Int64
	for offset := 0; ; offset += page {
		errs, err := store.ListErrors(page, offset)
		if err != nil {
			return 0, 0, fmt.Errorf("listing errors: %w", err)
		}
		if len(errs) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, e := range errs {
			g.Go(func() error {
				if err := index.AddPersisted(gctx, e); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					slog.Warn("reindex: indexing failed", "error_id", e.ID, "error", err)
					bad.Add(1)
					return nil
				}
				ok.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return int(ok.Load()), int(bad.Load()), err
		}
		if len(errs) < page {
			break
		}
	}
	return int(ok.Load()), int(bad.Load()), nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", boldColor.Sprint(k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a value from the config file so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys := config.ValidKeys()
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintln(cmd.OutOrStdout(), k)
		}
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (server.api_token, gemini.api_key) in the secrets file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
