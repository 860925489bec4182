package composer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/remedy/internal/engine"
	"github.com/kalambet/remedy/internal/retrieval"
)

const (
	defaultMaxContextTokens = 4000

	// maxPromptCases and maxFallbackCases bound how many similar cases each
	// rendering shows.
	maxPromptCases   = 3
	maxFallbackCases = 2

	stderrPreview   = 200
	messagePreview  = 100
	solutionPreview = 150
	fallbackPreview = 100
)

const systemPrompt = "You are an expert in diagnosing Python runtime errors. " +
	"Answer concisely and only with the requested sections."

// Composer renders a DiagnosisContext as chat messages for the generator.
type Composer struct {
	// MaxContextTokens bounds the similar-case section; cases that do not
	// fit are dropped lowest score first.
	MaxContextTokens int
}

// New creates a Composer with the given token budget for similar cases.
// If maxContextTokens <= 0, the default (4000) is used.
func New(maxContextTokens int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{MaxContextTokens: maxContextTokens}
}

// Messages returns the system and user messages for one generation request.
func (c *Composer) Messages(dc DiagnosisContext) []engine.Message {
	return []engine.Message{
		engine.SystemMessage(systemPrompt),
		engine.UserMessage(c.Prompt(dc)),
	}
}

// Prompt renders the user prompt: the current error, each stage's output,
// up to three similar cases and the requested answer format.
func (c *Composer) Prompt(dc DiagnosisContext) string {
	var sb strings.Builder
	cur := dc.Current

	sb.WriteString("## Current error\n")
	fmt.Fprintf(&sb, "- Error type: %s\n", cur.Kind)
	fmt.Fprintf(&sb, "- Error message: %s\n", cur.Message)
	if cur.Line > 0 {
		fmt.Fprintf(&sb, "- Line: %d\n", cur.Line)
	}
	fmt.Fprintf(&sb, "- Code:\n```python\n%s\n```\n\n", cur.Snippet)

	sb.WriteString("## Analysis results\n\n### Static validator\n")
	if dc.HasValidator {
		b, err := json.MarshalIndent(dc.Validator, "", "  ")
		if err == nil {
			sb.Write(b)
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString("No analysis\n")
	}

	sb.WriteString("\n### Executor\n")
	if dc.HasExecutor {
		fmt.Fprintf(&sb, "- Succeeded: %t\n", dc.Executor.Success)
		fmt.Fprintf(&sb, "- Error output: %s\n", retrieval.Preview(dc.Executor.Stderr, stderrPreview))
	} else {
		sb.WriteString("Not executed\n")
	}

	sb.WriteString("\n### Classifier\n")
	fmt.Fprintf(&sb, "- Error type: %s\n", cur.Kind)
	fmt.Fprintf(&sb, "- Description: %s\n", cur.Description)
	remedies := dc.Classifier.Remedies
	if len(remedies) > 2 {
		remedies = remedies[:2]
	}
	fmt.Fprintf(&sb, "- Basic remedies: %s\n", strings.Join(remedies, ", "))

	if dc.Patterns.Occurrences > 0 {
		sb.WriteString("\n### Pattern history\n")
		fmt.Fprintf(&sb, "- Seen before: %d times\n", dc.Patterns.Occurrences)
	}

	cases := c.selectCases(dc.Similar)
	fmt.Fprintf(&sb, "\n## Similar past cases (%d)\n", len(cases))
	for i, entry := range cases {
		fmt.Fprintf(&sb, "\n### Case %d\n%s", i+1, entry)
	}

	sb.WriteString(`
## Request
Combine all of the information above into the most accurate and practical fix.

Answer in this format:

### Diagnosis
[root cause of the error]

### Fix steps
1. [first step]
2. [second step]
3. [third step]

### Notes
[caveats or extra tips]
`)
	return sb.String()
}

// selectCases keeps the best maxPromptCases cases that fit the token budget.
func (c *Composer) selectCases(similar []retrieval.SimilarCase) []string {
	sorted := make([]retrieval.SimilarCase, len(similar))
	copy(sorted, similar)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	remaining := c.MaxContextTokens
	var out []string
	for _, sc := range sorted {
		if len(out) == maxPromptCases {
			break
		}
		entry := formatCase(sc)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			continue
		}
		out = append(out, entry)
		remaining -= tokens
	}
	return out
}

func formatCase(sc retrieval.SimilarCase) string {
	return fmt.Sprintf("- Error type: %s\n- Message: %s\n- Solution: %s\n- Similarity: %.0f%%\n",
		sc.Metadata.ErrorKind,
		retrieval.Preview(sc.Metadata.Message, messagePreview),
		retrieval.Preview(sc.Metadata.RemedyPreview, solutionPreview),
		sc.Score*100,
	)
}

// Fallback is the deterministic solution: the classifier's description, its
// remedies as a numbered list and up to two similar-case remedy previews.
// It never fails.
func Fallback(dc DiagnosisContext) string {
	var sb strings.Builder

	desc := dc.Current.Description
	if desc == "" {
		desc = "An error occurred."
	}
	fmt.Fprintf(&sb, "### Diagnosis\n%s\n\n### Fix steps\n", desc)
	for i, r := range dc.Classifier.Remedies {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, r)
	}

	if len(dc.Similar) > 0 {
		sb.WriteString("\n### Similar cases\n")
		for i, sc := range dc.Similar {
			if i == maxFallbackCases {
				break
			}
			fmt.Fprintf(&sb, "%d. %s\n", i+1, retrieval.Preview(sc.Metadata.RemedyPreview, fallbackPreview))
		}
	}
	return sb.String()
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
