package composer

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kalambet/remedy/internal/classifier"
	"github.com/kalambet/remedy/internal/executor"
	"github.com/kalambet/remedy/internal/retrieval"
	"github.com/kalambet/remedy/internal/validator"
)

func moduleError() *classifier.ErrorRecord {
	return &classifier.ErrorRecord{
		Detected:    true,
		Kind:        "ModuleNotFoundError",
		Message:     "ModuleNotFoundError: No module named 'numpy'",
		Line:        1,
		Description: "The numpy package is not installed.",
		Remedies:    []string{"pip install numpy", "Check the active virtual environment", "Check the module name"},
		Severity:    classifier.SeverityHigh,
	}
}

func similar(scores ...float64) []retrieval.SimilarCase {
	var out []retrieval.SimilarCase
	for i, s := range scores {
		out = append(out, retrieval.SimilarCase{
			ID: string(rune('a' + i)),
			Metadata: retrieval.Metadata{
				ErrorKind:     "ModuleNotFoundError",
				Message:       "No module named 'pandas'",
				RemedyPreview: "pip install pandas " + string(rune('A'+i)),
			},
			Score: s,
		})
	}
	return out
}

func TestAssemble_Defaults(t *testing.T) {
	dc := Assemble(Inputs{})

	if dc.HasValidator || dc.HasExecutor {
		t.Error("absent stages should be flagged as absent")
	}
	if dc.Similar == nil || len(dc.Similar) != 0 {
		t.Errorf("Similar = %v, want empty non-nil", dc.Similar)
	}
	want := CurrentError{Kind: classifier.UnknownKind, Severity: "medium"}
	if diff := cmp.Diff(want, dc.Current); diff != "" {
		t.Errorf("Current mismatch (-want +got):\n%s", diff)
	}
}

func TestAssemble_CopiesStages(t *testing.T) {
	rep := &validator.Report{Valid: false, Missing: []string{"numpy"}}
	res := &executor.Result{Stderr: "ModuleNotFoundError: No module named 'numpy'", ExitCode: 1}
	dc := Assemble(Inputs{
		Source:     "import numpy as np\n",
		Validator:  rep,
		Executor:   res,
		Classifier: moduleError(),
		Patterns:   &PatternStats{Occurrences: 4},
		Similar:    similar(0.9),
	})

	if !dc.HasValidator || !dc.HasExecutor {
		t.Fatal("stages not flagged as present")
	}
	if dc.Current.Kind != "ModuleNotFoundError" || dc.Current.Line != 1 || dc.Current.Severity != "high" {
		t.Errorf("Current = %+v", dc.Current)
	}
	if dc.Current.Snippet != "import numpy as np" {
		t.Errorf("Snippet = %q", dc.Current.Snippet)
	}
	if dc.Patterns.Occurrences != 4 || len(dc.Similar) != 1 {
		t.Errorf("patterns/similar not carried: %+v", dc)
	}
}

func TestPrompt_Sections(t *testing.T) {
	dc := Assemble(Inputs{
		Source:     "import numpy as np\nprint(np.array([1,2,3]))",
		Validator:  &validator.Report{Missing: []string{"numpy"}},
		Executor:   &executor.Result{Stderr: strings.Repeat("e", 500)},
		Classifier: moduleError(),
		Patterns:   &PatternStats{Occurrences: 2},
		Similar:    similar(0.85),
	})
	p := New(0).Prompt(dc)

	for _, want := range []string{
		"- Error type: ModuleNotFoundError",
		"```python\nimport numpy as np",
		`"missing": [`,
		"- Succeeded: false",
		"- Basic remedies: pip install numpy, Check the active virtual environment\n",
		"- Seen before: 2 times",
		"## Similar past cases (1)",
		"- Similarity: 85%",
		"### Diagnosis",
		"### Fix steps",
		"### Notes",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(p, strings.Repeat("e", 201)) {
		t.Error("stderr should be truncated to 200 characters")
	}
	if strings.Contains(p, "Check the module name") {
		t.Error("only the first two remedies belong in the prompt")
	}
}

func TestPrompt_AbsentStages(t *testing.T) {
	p := New(0).Prompt(Assemble(Inputs{Classifier: moduleError()}))
	if !strings.Contains(p, "No analysis") || !strings.Contains(p, "Not executed") {
		t.Errorf("absent stages not rendered as such:\n%s", p)
	}
	if strings.Contains(p, "Pattern history") {
		t.Error("new pattern should not render a history section")
	}
}

func TestPrompt_AtMostThreeCasesBestFirst(t *testing.T) {
	dc := Assemble(Inputs{Classifier: moduleError(), Similar: similar(0.2, 0.9, 0.5, 0.7)})
	p := New(0).Prompt(dc)

	if !strings.Contains(p, "## Similar past cases (3)") {
		t.Fatalf("expected 3 cases:\n%s", p)
	}
	if strings.Contains(p, "Similarity: 20%") {
		t.Error("lowest-scoring case should be dropped")
	}
	if strings.Index(p, "Similarity: 90%") > strings.Index(p, "Similarity: 70%") {
		t.Error("cases should be ordered by score")
	}
}

func TestPrompt_TokenBudget(t *testing.T) {
	dc := Assemble(Inputs{Classifier: moduleError(), Similar: similar(0.9, 0.8)})
	one := EstimateTokens(formatCase(dc.Similar[0]))
	p := (&Composer{MaxContextTokens: one}).Prompt(dc)
	if !strings.Contains(p, "## Similar past cases (1)") {
		t.Errorf("budget for one case should keep exactly one:\n%s", p)
	}
}

func TestMessages(t *testing.T) {
	msgs := New(0).Messages(Assemble(Inputs{Classifier: moduleError()}))
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestFallback(t *testing.T) {
	dc := Assemble(Inputs{Classifier: moduleError(), Similar: similar(0.9, 0.8, 0.7)})
	got := Fallback(dc)

	want := "### Diagnosis\nThe numpy package is not installed.\n\n" +
		"### Fix steps\n" +
		"1. pip install numpy\n" +
		"2. Check the active virtual environment\n" +
		"3. Check the module name\n" +
		"\n### Similar cases\n" +
		"1. pip install pandas A\n" +
		"2. pip install pandas B\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Fallback mismatch (-want +got):\n%s", diff)
	}
}

func TestFallback_NoSimilarNoDescription(t *testing.T) {
	got := Fallback(Assemble(Inputs{}))
	if !strings.HasPrefix(got, "### Diagnosis\nAn error occurred.") {
		t.Errorf("got %q", got)
	}
	if strings.Contains(got, "Similar cases") {
		t.Error("no similar section expected")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("EstimateTokens(\"\") = %d", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Errorf("EstimateTokens(abcde) = %d, want 2", got)
	}
}
