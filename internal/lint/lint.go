// Package lint runs external Python static-analysis tools (ruff, pylint,
// mypy, bandit) and merges their findings into one normalized issue list.
package lint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Normalized severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

const (
	probeTimeout   = 2 * time.Second
	defaultTimeout = 60 * time.Second
)

// Issue is one finding from one tool.
type Issue struct {
	Engine   string `json:"engine"`
	File     string `json:"file"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Code     string `json:"code,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Fixable  bool   `json:"fixable,omitempty"`
}

// Tool is one external analyzer.
type Tool struct {
	// Name is the engine name reported on issues.
	Name string
	// Binary is the executable; it defaults to Name.
	Binary  string
	Timeout time.Duration

	args  func(path string) []string
	parse func(stdout []byte, path string) ([]Issue, error)
	// okExit accepts non-zero exit codes that still mean the tool ran;
	// linters exit non-zero when they find issues.
	okExit func(code int) bool

	mu        sync.Mutex
	probed    bool
	available bool
}

func (t *Tool) binary() string {
	if t.Binary != "" {
		return t.Binary
	}
	return t.Name
}

// Available reports whether "<binary> --version" runs within two seconds.
// The answer is cached for the Tool's lifetime unless ctx ended during the
// check.
func (t *Tool) Available(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.probed {
		return t.available
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	ok := exec.CommandContext(pctx, t.binary(), "--version").Run() == nil
	if ctx.Err() != nil {
		return false
	}
	t.probed, t.available = true, ok
	return ok
}

// Run analyzes the file at path.
func (t *Tool) Run(ctx context.Context, path string) ([]Issue, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.binary(), t.args(path)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || t.okExit == nil || !t.okExit(exitErr.ExitCode()) {
			return nil, fmt.Errorf("%s: %w: %s", t.Name, err, firstLine(stderr.String()))
		}
	}
	issues, err := t.parse(stdout.Bytes(), path)
	if err != nil {
		return nil, fmt.Errorf("%s: parsing output: %w", t.Name, err)
	}
	for i := range issues {
		issues[i].Engine = t.Name
		if issues[i].File == "" {
			issues[i].File = path
		}
	}
	return issues, nil
}

// EngineStatus is the per-tool outcome of a Runner pass.
type EngineStatus struct {
	Available bool   `json:"available"`
	Issues    int    `json:"issues"`
	Error     string `json:"error,omitempty"`
}

// Summary counts issues by severity and by engine.
type Summary struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
	ByEngine   map[string]int `json:"by_engine"`
}

// Report is the merged result of all tools.
type Report struct {
	Engines map[string]EngineStatus `json:"engines"`
	Issues  []Issue                 `json:"issues"`
	Summary Summary                 `json:"summary"`
}

// Runner runs a set of tools one after another.
type Runner struct {
	tools []*Tool
}

// NewRunner creates a Runner. With no tools it uses DefaultTools().
func NewRunner(tools ...*Tool) *Runner {
	if len(tools) == 0 {
		tools = DefaultTools()
	}
	return &Runner{tools: tools}
}

// Run analyzes the file at path with every available tool. A failing tool is
// recorded in Report.Engines and does not stop the others.
func (r *Runner) Run(ctx context.Context, path string) Report {
	rep := Report{Engines: make(map[string]EngineStatus, len(r.tools))}
	for _, t := range r.tools {
		var st EngineStatus
		if t.Available(ctx) {
			st.Available = true
			issues, err := t.Run(ctx, path)
			if err != nil {
				st.Error = err.Error()
			} else {
				st.Issues = len(issues)
				rep.Issues = append(rep.Issues, issues...)
			}
		}
		rep.Engines[t.Name] = st
	}
	sortIssues(rep.Issues)
	rep.Summary = summarize(rep.Issues)
	return rep
}

// RunSource writes source to a temporary file and analyzes it.
func (r *Runner) RunSource(ctx context.Context, source string) (Report, error) {
	dir, err := os.MkdirTemp("", "remedy-lint-")
	if err != nil {
		return Report{}, fmt.Errorf("creating lint dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snippet.py")
	if err := os.WriteFile(path, []byte(source), 0o600); err != nil {
		return Report{}, fmt.Errorf("writing lint file: %w", err)
	}
	rep := r.Run(ctx, path)
	for i := range rep.Issues {
		rep.Issues[i].File = "snippet.py"
	}
	return rep, nil
}

var severityRank = map[string]int{SeverityError: 0, SeverityWarning: 1, SeverityInfo: 2}

func rank(sev string) int {
	if r, ok := severityRank[sev]; ok {
		return r
	}
	return len(severityRank)
}

// sortIssues orders by severity, then file, line, column and engine.
func sortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if rank(a.Severity) != rank(b.Severity) {
			return rank(a.Severity) < rank(b.Severity)
		}
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return a.Engine < b.Engine
	})
}

func summarize(issues []Issue) Summary {
	s := Summary{
		Total:      len(issues),
		BySeverity: map[string]int{SeverityError: 0, SeverityWarning: 0, SeverityInfo: 0},
		ByEngine:   make(map[string]int),
	}
	for _, is := range issues {
		s.BySeverity[is.Severity]++
		s.ByEngine[is.Engine]++
	}
	return s
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
