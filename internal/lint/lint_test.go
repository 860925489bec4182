//go:build unix

package lint

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTool writes a shell script that answers --version and prints out on any
// other invocation, exiting with code.
func fakeTool(t *testing.T, name, out string, code int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--version\" ]; then echo \"" + name + " 0.0\"; exit 0; fi\n" +
		"cat <<'EOF'\n" + out + "\nEOF\n" +
		"exit " + strconv.Itoa(code) + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunner_MergesAndSorts(t *testing.T) {
	ruff := Ruff(fakeTool(t, "ruff", `[{"code":"F841","message":"unused","filename":"x.py","location":{"row":4,"column":2},"fix":null}]`, 1))
	mypy := Mypy(fakeTool(t, "mypy", "x.py:2:1: error: Name \"y\" is not defined  [name-defined]", 1))
	bandit := Bandit(filepath.Join(t.TempDir(), "missing-bandit"))

	rep := NewRunner(ruff, mypy, bandit).Run(context.Background(), "x.py")

	if len(rep.Issues) != 2 {
		t.Fatalf("got %d issues, want 2: %+v", len(rep.Issues), rep.Issues)
	}
	if rep.Issues[0].Engine != "mypy" || rep.Issues[0].Severity != SeverityError {
		t.Errorf("first issue = %+v, want mypy error", rep.Issues[0])
	}
	if rep.Issues[1].Engine != "ruff" {
		t.Errorf("second issue engine = %q, want ruff", rep.Issues[1].Engine)
	}
	if rep.Engines["bandit"].Available {
		t.Error("bandit reported available with a missing binary")
	}
	if !rep.Engines["ruff"].Available || rep.Engines["ruff"].Issues != 1 {
		t.Errorf("ruff status = %+v", rep.Engines["ruff"])
	}
	if rep.Summary.Total != 2 || rep.Summary.BySeverity[SeverityError] != 1 || rep.Summary.ByEngine["ruff"] != 1 {
		t.Errorf("summary = %+v", rep.Summary)
	}
}

func TestRunner_ToolFailureIsIsolated(t *testing.T) {
	broken := Ruff(fakeTool(t, "ruff", "boom", 2))
	ok := Bandit(fakeTool(t, "bandit", `{"results":[{"filename":"x.py","line_number":1,"test_id":"B101","issue_text":"assert","issue_severity":"MEDIUM"}]}`, 1))

	rep := NewRunner(broken, ok).Run(context.Background(), "x.py")

	if rep.Engines["ruff"].Error == "" {
		t.Error("expected ruff error to be recorded")
	}
	if len(rep.Issues) != 1 || rep.Issues[0].Severity != SeverityWarning {
		t.Errorf("issues = %+v, want one bandit warning", rep.Issues)
	}
}

func TestRunner_RunSourceRewritesFile(t *testing.T) {
	// The fake echoes the path it was given as the ruff filename.
	path := filepath.Join(t.TempDir(), "ruff")
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--version\" ]; then exit 0; fi\n" +
		"printf '[{\"code\":\"E1\",\"message\":\"m\",\"filename\":\"%s\",\"location\":{\"row\":1,\"column\":1}}]' \"$2\"\n" +
		"exit 1\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	rep, err := NewRunner(Ruff(path)).RunSource(context.Background(), "import os\n")
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Issues) != 1 || rep.Issues[0].File != "snippet.py" {
		t.Errorf("issues = %+v, want one issue on snippet.py", rep.Issues)
	}
}

func TestTool_AvailableMissingBinary(t *testing.T) {
	tool := Pylint(filepath.Join(t.TempDir(), "nope"))
	if tool.Available(context.Background()) {
		t.Error("Available() = true for a missing binary")
	}
}

func TestTool_AvailableNotCachedAfterCancel(t *testing.T) {
	tool := Ruff(fakeTool(t, "ruff", "[]", 0))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if tool.Available(cancelled) {
		t.Fatal("Available() = true under a cancelled context")
	}
	if !tool.Available(context.Background()) {
		t.Error("Available() = false after a cancelled check, want a fresh check")
	}
}

// loggingTool records when each invocation starts and ends in logPath.
func loggingTool(t *testing.T, name, logPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	script := "#!/bin/sh\n" +
		"if [ \"$1\" = \"--version\" ]; then exit 0; fi\n" +
		"echo start " + name + " >> " + logPath + "\n" +
		"sleep 0.2\n" +
		"echo end " + name + " >> " + logPath + "\n" +
		"echo '[]'\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunner_RunsToolsInOrder(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "calls.log")
	first := Ruff(loggingTool(t, "ruff", logPath))
	second := Ruff(loggingTool(t, "ruff2", logPath))
	second.Name = "ruff2"

	NewRunner(first, second).Run(context.Background(), "x.py")

	got, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	want := "start ruff\nend ruff\nstart ruff2\nend ruff2\n"
	if string(got) != want {
		t.Errorf("call log = %q, want %q", got, want)
	}
}
