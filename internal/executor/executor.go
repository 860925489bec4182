// Package executor runs a submitted Python snippet in a separate interpreter
// process with a wall-clock timeout, after screening it against a blocklist
// of dangerous calls.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// DefaultTimeout bounds a single run when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// defaultMaxOutput caps each captured stream.
const defaultMaxOutput = 1 << 20

// blocklist holds substrings that keep a submission from ever being run:
// process spawning, dynamic evaluation, dynamic import, and file access or
// removal.
var blocklist = []string{
	"os.system",
	"subprocess.call",
	"subprocess.Popen",
	"eval(",
	"exec(",
	"__import__",
	"open(",
	"rmdir",
	"unlink",
	"remove",
}

// Config controls how snippets are run.
type Config struct {
	// Interpreter is the program the snippet file is passed to.
	Interpreter string
	// Args precede the snippet path, e.g. "-I" for Python's isolated mode.
	Args    []string
	Timeout time.Duration
	// TempRoot is where per-run working directories are created. Empty means
	// the OS temp directory.
	TempRoot string
	// MaxOutputBytes caps captured stdout and stderr each.
	MaxOutputBytes int64
	// FileName is the snippet's name inside the working directory.
	FileName string
}

// DefaultConfig runs python3 in isolated mode with the default timeout.
func DefaultConfig() Config {
	return Config{
		Interpreter:    "python3",
		Args:           []string{"-I"},
		Timeout:        DefaultTimeout,
		MaxOutputBytes: defaultMaxOutput,
		FileName:       "snippet.py",
	}
}

// Result describes one run. Elapsed is the timeout itself when TimedOut is
// set, and zero when the interpreter could not be started or the snippet was
// blocked.
type Result struct {
	Success        bool          `json:"success"`
	Stdout         string        `json:"stdout"`
	Stderr         string        `json:"stderr"`
	ExitCode       int           `json:"exit_code"`
	Elapsed        time.Duration `json:"elapsed"`
	TimedOut       bool          `json:"timed_out"`
	Blocked        bool          `json:"blocked"`
	BlockedPattern string        `json:"blocked_pattern,omitempty"`
	Truncated      bool          `json:"truncated,omitempty"`
}

// Executor runs snippets. It is safe for concurrent use; each Run gets its
// own process and working directory.
type Executor struct {
	cfg Config
}

// New returns an Executor, filling zero fields of cfg from DefaultConfig.
func New(cfg Config) *Executor {
	def := DefaultConfig()
	if cfg.Interpreter == "" {
		cfg.Interpreter = def.Interpreter
		if cfg.Args == nil {
			cfg.Args = def.Args
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if cfg.FileName == "" {
		cfg.FileName = def.FileName
	}
	return &Executor{cfg: cfg}
}

// Timeout returns the configured per-run timeout.
func (e *Executor) Timeout() time.Duration {
	return e.cfg.Timeout
}

// CheckBlocklist returns the first blocklisted substring found in source.
func CheckBlocklist(source string) (string, bool) {
	for _, p := range blocklist {
		if strings.Contains(source, p) {
			return p, true
		}
	}
	return "", false
}

// Run executes source. It never returns an error: every outcome, including
// a blocked snippet or a missing interpreter, is described by the Result.
func (e *Executor) Run(ctx context.Context, source string) Result {
	if p, blocked := CheckBlocklist(source); blocked {
		slog.Warn("executor: snippet blocked", "pattern", p)
		return Result{
			ExitCode:       -1,
			Blocked:        true,
			BlockedPattern: p,
			Stderr:         fmt.Sprintf("blocked: dangerous pattern detected: %s\nthe snippet was not executed", p),
		}
	}

	dir, err := os.MkdirTemp(e.cfg.TempRoot, "remedy-run-*")
	if err != nil {
		return launchFailure(fmt.Errorf("creating work directory: %w", err))
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("executor: removing work directory", "dir", dir, "error", err)
		}
	}()

	path := filepath.Join(dir, e.cfg.FileName)
	if err := os.WriteFile(path, []byte(source), 0o600); err != nil {
		return launchFailure(fmt.Errorf("writing snippet: %w", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := append(append([]string(nil), e.cfg.Args...), path)
	cmd := exec.CommandContext(runCtx, e.cfg.Interpreter, args...)
	cmd.Dir = dir
	cmd.Env = sandboxEnv(dir)
	cmd.WaitDelay = time.Second
	setupProcessGroup(cmd)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: e.cfg.MaxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, max: e.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	res := Result{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Elapsed:   elapsed,
		Truncated: stdout.truncated || stderr.truncated,
	}

	switch {
	case err == nil:
		res.Success = true
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = -1
		res.Elapsed = e.cfg.Timeout
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("execution exceeded the %s timeout and was terminated", e.cfg.Timeout))
		slog.Warn("executor: snippet timed out", "timeout", e.cfg.Timeout)
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("execution cancelled: %v", ctx.Err()))
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return launchFailure(fmt.Errorf("running %s: %w", e.cfg.Interpreter, err))
		}
		res.ExitCode = exitErr.ExitCode()
	}

	slog.Debug("executor: run finished", "exit_code", res.ExitCode, "elapsed", res.Elapsed, "stdout_bytes", len(res.Stdout))
	return res
}

func launchFailure(err error) Result {
	slog.Warn("executor: launch failed", "error", err)
	return Result{
		ExitCode: -1,
		Stderr:   "execution failed: " + err.Error(),
	}
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}

// sandboxEnv is the whole environment of the child: no inherited secrets,
// HOME pointed at the throwaway work directory.
func sandboxEnv(dir string) []string {
	env := []string{
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"PYTHONIOENCODING=utf-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
	}
	if p := os.Getenv("PATH"); p != "" {
		env = append(env, "PATH="+p)
	}
	return env
}

// limitedWriter discards everything past max bytes while reporting full
// writes so the child never sees a short write.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}
	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		p = p[:remaining]
	}
	written, err := lw.w.Write(p)
	lw.written += int64(written)
	if err != nil {
		return written, err
	}
	return n, nil
}
