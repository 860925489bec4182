// Package classifier maps captured failure output of a Python program to a
// taxonomy entry with a description, ordered remedies and a severity.
//
// Extraction is a best-effort heuristic over traceback text. Anything it
// cannot recognize becomes the "Unknown" kind instead of an error.
package classifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// UnknownKind is the kind assigned when no "<Name>Error:" token is found.
const UnknownKind = "Unknown"

// Severity ranks how badly a failure blocks the program.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ErrorRecord is the classification of one failure. Detected is false when
// the failure text was empty; every other field is then zero.
type ErrorRecord struct {
	Detected    bool     `json:"detected"`
	Kind        string   `json:"error_kind,omitempty"`
	Message     string   `json:"message,omitempty"`
	Line        int      `json:"line,omitempty"` // 0 when the text names no line
	SourceLine  string   `json:"source_line,omitempty"`
	Description string   `json:"description,omitempty"`
	Remedies    []string `json:"remedies,omitempty"`
	Severity    Severity `json:"severity,omitempty"`
	Raw         string   `json:"raw_output,omitempty"`
}

var (
	kindRe = regexp.MustCompile(`(\w+Error):`)
	lineRe = regexp.MustCompile(`line (\d+)`)
)

// Classify derives an ErrorRecord from captured stderr. When source is given
// and a line number was found, the offending source line is attached.
func Classify(stderr, source string) ErrorRecord {
	trimmed := strings.TrimSpace(stderr)
	if trimmed == "" {
		return ErrorRecord{}
	}

	rec := ErrorRecord{
		Detected: true,
		Kind:     UnknownKind,
		Message:  lastLine(trimmed),
		Raw:      stderr,
	}
	if m := kindRe.FindStringSubmatch(stderr); m != nil {
		rec.Kind = m[1]
	}
	if m := lineRe.FindStringSubmatch(stderr); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			rec.Line = n
			rec.SourceLine = sourceLine(source, n)
		}
	}

	if e, ok := taxonomy[rec.Kind]; ok {
		rec.Description = e.description
		rec.Remedies = remediesFor(e, stderr)
	} else {
		rec.Description = unknownDescription
		rec.Remedies = append([]string(nil), unknownRemedies...)
	}

	rec.Severity = SeverityMedium
	if highSeverity[rec.Kind] {
		rec.Severity = SeverityHigh
	}
	return rec
}

func remediesFor(e entry, text string) []string {
	if e.template != "" {
		if m := e.pattern.FindStringSubmatch(text); len(m) > 1 {
			return []string{fmt.Sprintf(e.template, m[1])}
		}
	}
	return append([]string(nil), e.remedies...)
}

func sourceLine(source string, n int) string {
	if source == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(source, "\n")
	if n > len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[n-1])
}

// lastLine returns the last non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

// Subject returns the first capture group of the kind's taxonomy pattern in
// the record's raw output: the missing module, the undefined name, and so on.
// It returns "" when the kind has no pattern or the pattern does not match.
func Subject(rec ErrorRecord) string {
	e, ok := taxonomy[rec.Kind]
	if !ok || e.pattern == nil {
		return ""
	}
	text := rec.Raw
	if text == "" {
		text = rec.Message
	}
	m := e.pattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}
