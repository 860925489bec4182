// Package validator checks a Python submission before it runs: structural
// validity of the parse tree, declared module references and whether each
// is importable, plus a few low-confidence style suggestions.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// SyntaxError locates the first structural error. Line and Offset are
// 1-based; Offset counts bytes within the line.
type SyntaxError struct {
	Message string `json:"message"`
	Line    int    `json:"line"`
	Offset  int    `json:"offset"`
	Text    string `json:"text,omitempty"`
}

// Reference is one imported module as written in the source.
type Reference struct {
	Name      string `json:"name"`
	Base      string `json:"base"`
	From      bool   `json:"from"`
	Available bool   `json:"available"`
}

// Suggestion is a low-confidence hint that never affects validity.
type Suggestion struct {
	Type     string `json:"type"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Report is the outcome of Validate. Valid is false when the source does not
// parse or any reference is unavailable.
type Report struct {
	Valid       bool         `json:"valid"`
	Syntax      *SyntaxError `json:"syntax_error,omitempty"`
	References  []Reference  `json:"references,omitempty"`
	Missing     []string     `json:"missing,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// Validator validates Python source. A Validator is safe for concurrent use.
type Validator struct {
	resolver ModuleResolver
}

// New creates a Validator. A nil resolver treats every module as available.
func New(resolver ModuleResolver) *Validator {
	return &Validator{resolver: resolver}
}

// Validate parses source and checks its module references. Parsing stops the
// validation early: a source with a syntax error gets no reference checks.
func (v *Validator) Validate(ctx context.Context, source string) Report {
	content := []byte(source)

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return Report{Syntax: &SyntaxError{Message: fmt.Sprintf("parse failed: %v", err)}}
	}
	defer tree.Close()

	root := tree.RootNode()
	if se := findSyntaxError(root, content); se != nil {
		return Report{Syntax: se}
	}

	rep := Report{Valid: true}
	rep.References = extractReferences(root, content)
	v.resolve(ctx, &rep)
	rep.Suggestions = suggest(root, content)
	return rep
}

func (v *Validator) resolve(ctx context.Context, rep *Report) {
	if len(rep.References) == 0 {
		return
	}
	if v.resolver == nil {
		for i := range rep.References {
			rep.References[i].Available = true
		}
		return
	}

	bases := make([]string, 0, len(rep.References))
	seen := make(map[string]bool)
	for _, r := range rep.References {
		if !seen[r.Base] {
			seen[r.Base] = true
			bases = append(bases, r.Base)
		}
	}

	avail, err := v.resolver.Available(ctx, bases)
	if err != nil {
		// An unusable resolver says nothing about the submission itself.
		slog.Warn("validator: module resolution failed", "error", err)
		for i := range rep.References {
			rep.References[i].Available = true
		}
		return
	}

	for i := range rep.References {
		ok := avail[rep.References[i].Base]
		rep.References[i].Available = ok
		if !ok {
			rep.Missing = append(rep.Missing, rep.References[i].Name)
			rep.Valid = false
		}
	}
}

// findSyntaxError returns the first ERROR or missing node in document order,
// or a Python 2 statement form the grammar still accepts.
func findSyntaxError(root *sitter.Node, content []byte) *SyntaxError {
	var found *SyntaxError
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if found != nil {
			return
		}
		switch {
		case n.IsMissing():
			found = syntaxErrorAt(n, content, fmt.Sprintf("invalid syntax: expected %q", n.Type()))
		case n.Type() == "ERROR":
			found = syntaxErrorAt(n, content, "invalid syntax")
		case n.Type() == "print_statement":
			found = syntaxErrorAt(n, content, "Missing parentheses in call to 'print'")
		case n.Type() == "exec_statement":
			found = syntaxErrorAt(n, content, "Missing parentheses in call to 'exec'")
		default:
			for i := 0; i < int(n.ChildCount()); i++ {
				walk(n.Child(i))
			}
		}
	}
	walk(root)
	return found
}

func syntaxErrorAt(n *sitter.Node, content []byte, msg string) *SyntaxError {
	p := n.StartPoint()
	line := int(p.Row) + 1
	return &SyntaxError{
		Message: msg,
		Line:    line,
		Offset:  int(p.Column) + 1,
		Text:    lineText(content, line),
	}
}

func lineText(content []byte, line int) string {
	lines := strings.Split(string(content), "\n")
	if line < 1 || line > len(lines) {
		return ""
	}
	return strings.TrimRight(lines[line-1], "\r")
}

// extractReferences collects every plain and "from" import anywhere in the
// tree. Relative imports name local packages and are skipped.
func extractReferences(root *sitter.Node, content []byte) []Reference {
	var refs []Reference
	add := func(name string, from bool) {
		if name == "" {
			return
		}
		base := name
		if i := strings.IndexByte(name, '.'); i >= 0 {
			base = name[:i]
		}
		refs = append(refs, Reference{Name: name, Base: base, From: from})
	}

	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				c := n.NamedChild(i)
				switch c.Type() {
				case "dotted_name":
					add(c.Content(content), false)
				case "aliased_import":
					if name := c.ChildByFieldName("name"); name != nil {
						add(name.Content(content), false)
					}
				}
			}
			return
		case "import_from_statement":
			if mod := n.ChildByFieldName("module_name"); mod != nil && mod.Type() == "dotted_name" {
				add(mod.Content(content), true)
			}
			return
		case "future_import_statement":
			return
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(root)
	return refs
}

// suggest flags sources that contain non-ASCII text but never call print:
// such text is usually meant to be shown and never is.
func suggest(root *sitter.Node, content []byte) []Suggestion {
	if isASCII(content) || callsFunction(root, content, "print") {
		return nil
	}
	return []Suggestion{{
		Type:     "suggestion",
		Message:  "The source contains non-ASCII text but no output call. Use print() to show it.",
		Severity: "low",
	}}
}

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func callsFunction(n *sitter.Node, content []byte, name string) bool {
	if n.Type() == "call" {
		if fn := n.ChildByFieldName("function"); fn != nil && fn.Type() == "identifier" && fn.Content(content) == name {
			return true
		}
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if callsFunction(n.NamedChild(i), content, name) {
			return true
		}
	}
	return false
}
