// Package autofix proposes mechanical rewrites for a few well-understood
// failure kinds: misspelled module imports and misspelled names.
package autofix

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kalambet/remedy/internal/classifier"
)

// Proposal kinds.
const (
	KindImport = "import_fix"
	KindName   = "name_fix"
)

const (
	importConfidence = 0.9
	nameConfidence   = 0.7

	// maxNameDistance is the largest edit distance accepted between an
	// undefined name and a candidate.
	maxNameDistance = 2
)

// Proposal is one suggested rewrite of a submission.
type Proposal struct {
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	Original    string  `json:"original"`
	Fixed       string  `json:"fixed"`
	Confidence  float64 `json:"confidence"`
}

// Diff renders the proposal with Diff.
func (p Proposal) Diff() string {
	return Diff(p.Original, p.Fixed)
}

// moduleTypos maps common misspellings to the intended package.
var moduleTypos = map[string]string{
	"numpyy":       "numpy",
	"pandass":      "pandas",
	"matplotlip":   "matplotlib",
	"requets":      "requests",
	"beatifulsoup": "beautifulsoup4",
}

var (
	assignedNameRe = regexp.MustCompile(`\b(\w+)\s*=`)
	importedNameRe = regexp.MustCompile(`import\s+(\w+)`)
	aliasNameRe    = regexp.MustCompile(`\bas\s+(\w+)`)
)

// Suggest returns the proposals for rec. Kinds other than missing modules and
// undefined names, including syntax errors, get none.
func Suggest(source string, rec classifier.ErrorRecord) []Proposal {
	var p *Proposal
	switch rec.Kind {
	case "ModuleNotFoundError":
		p = fixImport(source, classifier.Subject(rec))
	case "NameError":
		p = fixName(source, classifier.Subject(rec))
	}
	if p == nil {
		return nil
	}
	return []Proposal{*p}
}

func fixImport(source, module string) *Proposal {
	correct, ok := moduleTypos[module]
	if !ok {
		return nil
	}
	fixed := renameImports(source, module, correct)
	if fixed == source {
		return nil
	}
	return &Proposal{
		Kind:        KindImport,
		Description: fmt.Sprintf("Replace %q with %q", module, correct),
		Original:    source,
		Fixed:       fixed,
		Confidence:  importConfidence,
	}
}

var (
	importLineRe = regexp.MustCompile(`^(\s*import\s+)(.*)$`)
	fromLineRe   = regexp.MustCompile(`^(\s*from\s+)([\w.]+)(\s+import\b.*)$`)
	importItemRe = regexp.MustCompile(`^(\s*)([\w.]+)(.*)$`)
)

// renameImports rewrites module to correct where it is the imported module
// of an import or from statement. Only the top-level package of a dotted
// path is compared, so numpyy.linalg is renamed and numpyy_helpers is not.
func renameImports(source, module, correct string) string {
	lines := strings.SplitAfter(source, "\n")
	for i, line := range lines {
		body := strings.TrimRight(line, "\r\n")
		eol := line[len(body):]
		if m := fromLineRe.FindStringSubmatch(body); m != nil {
			lines[i] = m[1] + renamePath(m[2], module, correct) + m[3] + eol
			continue
		}
		m := importLineRe.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		items := strings.Split(m[2], ",")
		for j, item := range items {
			if im := importItemRe.FindStringSubmatch(item); im != nil {
				items[j] = im[1] + renamePath(im[2], module, correct) + im[3]
			}
		}
		lines[i] = m[1] + strings.Join(items, ",") + eol
	}
	return strings.Join(lines, "")
}

func renamePath(path, module, correct string) string {
	head, rest, dotted := strings.Cut(path, ".")
	if head != module {
		return path
	}
	if dotted {
		return correct + "." + rest
	}
	return correct
}

func fixName(source, name string) *Proposal {
	if name == "" {
		return nil
	}
	best, bestDist := "", maxNameDistance+1
	for _, cand := range candidateNames(source) {
		if cand == name {
			continue
		}
		if d := Levenshtein(strings.ToLower(name), strings.ToLower(cand)); d < bestDist {
			best, bestDist = cand, d
		}
	}
	if best == "" {
		return nil
	}
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
	fixed := re.ReplaceAllLiteralString(source, best)
	if fixed == source {
		return nil
	}
	return &Proposal{
		Kind:        KindName,
		Description: fmt.Sprintf("Replace %q with %q (guess)", name, best),
		Original:    source,
		Fixed:       fixed,
		Confidence:  nameConfidence,
	}
}

// candidateNames returns assignment targets, then imported module names, then
// import aliases, each in source order without duplicates.
func candidateNames(source string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, re := range []*regexp.Regexp{assignedNameRe, importedNameRe, aliasNameRe} {
		for _, m := range re.FindAllStringSubmatch(source, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				out = append(out, m[1])
			}
		}
	}
	return out
}

// Levenshtein returns the edit distance between a and b, counted in runes.
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) < len(rb) {
		ra, rb = rb, ra
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i, ca := range ra {
		cur[0] = i + 1
		for j, cb := range rb {
			cost := 1
			if ca == cb {
				cost = 0
			}
			cur[j+1] = min(prev[j+1]+1, cur[j]+1, prev[j]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

// Diff aligns original and fixed line by line. Changed lines are prefixed
// "- " (removed) and "+ " (added), unchanged lines with two spaces.
func Diff(original, fixed string) string {
	ol := splitLines(original)
	fl := splitLines(fixed)
	n := max(len(ol), len(fl))

	var out []string
	for i := 0; i < n; i++ {
		var o, f string
		if i < len(ol) {
			o = ol[i]
		}
		if i < len(fl) {
			f = fl[i]
		}
		if o == f {
			out = append(out, "  "+o)
			continue
		}
		if o != "" {
			out = append(out, "- "+o)
		}
		if f != "" {
			out = append(out, "+ "+f)
		}
	}
	return strings.Join(out, "\n")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
