package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kalambet/remedy/internal/classifier"
	"github.com/kalambet/remedy/internal/lint"
	"github.com/kalambet/remedy/internal/pipeline"
	"github.com/kalambet/remedy/internal/retrieval"
	"github.com/kalambet/remedy/internal/scan"
	"github.com/kalambet/remedy/internal/storage"
)

const rule = "============================================================"

// exitCodeFor maps a diagnosis status to the process exit code of the
// diagnose command.
func exitCodeFor(s pipeline.Status) int {
	switch s {
	case pipeline.StatusSuccess:
		return 0
	case pipeline.StatusAnalyzed, pipeline.StatusUnknownError:
		return 1
	case pipeline.StatusValidationFailed:
		return 2
	case pipeline.StatusBlocked:
		return 3
	default:
		return 4
	}
}

func renderResult(w io.Writer, res pipeline.Result) {
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "%s %s\n", boldColor.Sprint("File:"), res.Name)
	fmt.Fprintf(w, "%s %s\n", boldColor.Sprint("Status:"), statusLabel(res.Status))
	fmt.Fprintln(w, rule)

	if res.Error != "" {
		fmt.Fprintf(w, "\n%s\n", errorColor.Sprint(res.Error))
	}

	if v := res.Validator; v != nil {
		if v.Valid {
			fmt.Fprintln(w, successColor.Sprint("\n✓ static checks passed"))
		} else {
			fmt.Fprintln(w, errorColor.Sprint("\n✗ static checks failed"))
			if v.Syntax != nil {
				fmt.Fprintf(w, "  syntax error at line %d: %s\n", v.Syntax.Line, v.Syntax.Message)
			}
			if len(v.Missing) > 0 {
				fmt.Fprintf(w, "  missing modules: %s\n", strings.Join(v.Missing, ", "))
			}
		}
		for _, s := range v.Suggestions {
			fmt.Fprintf(w, "  hint: %s\n", s.Message)
		}
	}

	if e := res.Executor; e != nil {
		switch {
		case e.Blocked:
			fmt.Fprintf(w, "\n%s %s\n", warningColor.Sprint("⚠ execution blocked:"), e.BlockedPattern)
		case e.Success:
			fmt.Fprintf(w, "\n%s (%s)\n", successColor.Sprint("✓ execution succeeded"), e.Elapsed)
			if out := strings.TrimSpace(e.Stdout); out != "" {
				fmt.Fprintf(w, "\nOutput:\n%s\n", out)
			}
		default:
			fmt.Fprintf(w, "\n%s (exit code %d)\n", errorColor.Sprint("✗ execution failed"), e.ExitCode)
		}
	}

	if res.Classifier != nil {
		fmt.Fprintf(w, "\n%s\n%s\n", headColor.Sprint("Diagnosis"), classifier.FormatReport(*res.Classifier))
	}
	if p := res.Patterns; p != nil && p.Occurrences > 0 {
		fmt.Fprintf(w, "\nSeen %d time(s) before.\n", p.Occurrences)
	}
	if len(res.Similar) > 0 {
		fmt.Fprintf(w, "\n%s\n", headColor.Sprintf("Similar past failures (%d)", len(res.Similar)))
		renderCases(w, res.Similar)
	}
	if len(res.PastErrors) > 0 {
		fmt.Fprintf(w, "\n%s\n", headColor.Sprintf("Earlier %s failures (%d)", res.Classifier.Kind, len(res.PastErrors)))
		renderPastErrors(w, res.PastErrors)
	}
	if res.Solution != nil {
		fmt.Fprintf(w, "\n%s\n%s\n", headColor.Sprintf("Solution (%s)", res.Solution.Provenance), res.Solution.Text)
	}
	for i, f := range res.Fixes {
		fmt.Fprintf(w, "\n%s %s (confidence %.0f%%)\n%s\n",
			headColor.Sprintf("Fix %d:", i+1), f.Description, f.Confidence*100, f.Diff())
	}
	if res.Lint != nil {
		renderLint(w, *res.Lint)
	}
	fmt.Fprintln(w, "\n"+rule)
}

func statusLabel(s pipeline.Status) string {
	switch s {
	case pipeline.StatusSuccess:
		return successColor.Sprint(s)
	case pipeline.StatusBlocked, pipeline.StatusValidationFailed:
		return warningColor.Sprint(s)
	default:
		return errorColor.Sprint(s)
	}
}

func renderCases(w io.Writer, cases []retrieval.SimilarCase) {
	for i, c := range cases {
		fmt.Fprintf(w, "  %d. [%s] %s (score %.3f)\n", i+1, c.Metadata.ErrorKind, c.Metadata.Message, c.Score)
		if c.Metadata.RemedyPreview != "" {
			fmt.Fprintf(w, "     %s\n", retrieval.Preview(c.Metadata.RemedyPreview, 120))
		}
	}
}

func renderPastErrors(w io.Writer, past []storage.PersistedError) {
	for i, p := range past {
		fmt.Fprintf(w, "  %d. %s %s (%s)\n", i+1, p.CreatedAt.Format("2006-01-02 15:04"), p.Message, p.ID)
		if len(p.Remedies) > 0 {
			fmt.Fprintf(w, "     %s\n", retrieval.Preview(p.Remedies[0].Text, 120))
		}
	}
}

func renderLint(w io.Writer, rep lint.Report) {
	fmt.Fprintf(w, "\n%s\n", headColor.Sprintf("Static analysis (%d issues)", rep.Summary.Total))
	engines := make([]string, 0, len(rep.Engines))
	for name := range rep.Engines {
		engines = append(engines, name)
	}
	sort.Strings(engines)
	for _, name := range engines {
		st := rep.Engines[name]
		switch {
		case !st.Available:
			fmt.Fprintf(w, "  %s: not installed\n", name)
		case st.Error != "":
			fmt.Fprintf(w, "  %s: %s\n", name, errorColor.Sprint(st.Error))
		default:
			fmt.Fprintf(w, "  %s: %d issues\n", name, st.Issues)
		}
	}
	for _, is := range rep.Issues {
		fmt.Fprintf(w, "  %s:%d:%d %s [%s %s] %s\n", is.File, is.Line, is.Column, severityLabel(is.Severity), is.Engine, is.Code, is.Message)
	}
}

func severityLabel(sev string) string {
	switch sev {
	case lint.SeverityError:
		return errorColor.Sprint(sev)
	case lint.SeverityWarning:
		return warningColor.Sprint(sev)
	default:
		return sev
	}
}

func renderScan(w io.Writer, sum scan.Summary) {
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "%s %s\n", boldColor.Sprint("Scan:"), sum.Directory)
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Files: %d\n", sum.TotalFiles)

	statuses := make([]string, 0, len(sum.ByStatus))
	for s := range sum.ByStatus {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(w, "  %s: %d\n", statusLabel(pipeline.Status(s)), sum.ByStatus[pipeline.Status(s)])
	}

	if len(sum.ByKind) > 0 {
		fmt.Fprintln(w, "\nBy error kind:")
		for _, k := range sortedKeys(sum.ByKind) {
			fmt.Fprintf(w, "  %s: %d\n", k, sum.ByKind[k])
		}
	}

	var failing []scan.FileResult
	for _, f := range sum.Files {
		if f.Status != pipeline.StatusSuccess {
			failing = append(failing, f)
		}
	}
	if len(failing) > 0 {
		fmt.Fprintf(w, "\nFiles with problems (%d):\n", len(failing))
		for _, f := range failing {
			label := string(f.Status)
			if f.Kind != "" {
				label += ": " + f.Kind
			}
			fmt.Fprintf(w, "  %s (%s)\n", f.Path, label)
		}
	}
	fmt.Fprintln(w, rule)
}

func renderStats(w io.Writer, st storage.Statistics, indexSize int, model string) {
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Total errors: %d\n", st.Total)
	if indexSize > 0 || model != "" {
		fmt.Fprintf(w, "Indexed: %d (%s)\n", indexSize, model)
	}
	if len(st.ByKind) > 0 {
		fmt.Fprintln(w, "\nBy error kind:")
		for _, k := range sortedKeys(st.ByKind) {
			fmt.Fprintf(w, "  %s: %d\n", k, st.ByKind[k])
		}
	}
	if len(st.TopPatterns) > 0 {
		fmt.Fprintf(w, "\nFrequent patterns (top %d):\n", len(st.TopPatterns))
		for i, p := range st.TopPatterns {
			fmt.Fprintf(w, "  %d. [%s] %s\n     seen %d time(s), last %s\n",
				i+1, p.Kind, p.MessagePrefix, p.Count, p.LastSeen.Local().Format("2006-01-02 15:04"))
		}
	}
	fmt.Fprintln(w, rule)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}
