// Package ingest accepts submissions into the diagnosis pipeline and runs the
// background worker that backfills the similarity index.
package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MaxSize is the largest accepted submission in bytes.
const MaxSize = 10 << 20

// Content types.
const (
	TypePython     = "python"
	TypeHTML       = "html"
	TypeJavaScript = "javascript"
	TypeCSS        = "css"
	TypeJSON       = "json"
)

var extensions = map[string]string{
	".py":   TypePython,
	".html": TypeHTML,
	".js":   TypeJavaScript,
	".css":  TypeCSS,
	".json": TypeJSON,
}

// Reason classifies an ingestion failure.
type Reason string

const (
	ReasonEmpty       Reason = "empty"
	ReasonOversized   Reason = "oversized"
	ReasonUnsupported Reason = "unsupported_type"
	ReasonUnreadable  Reason = "unreadable"
)

// Error is the only error a submission can fail with before the pipeline
// starts.
type Error struct {
	Reason Reason
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "ingestion failed: " + string(e.Reason)
	}
	return fmt.Sprintf("ingestion failed: %s: %s", e.Reason, e.Detail)
}

// Submission is one accepted source text.
type Submission struct {
	Name string `json:"name,omitempty"`
	Text string `json:"text"`
	Type string `json:"type"`
}

// DetectType maps a file name to a content type by extension. It returns ""
// for unsupported files.
func DetectType(name string) string {
	return extensions[strings.ToLower(filepath.Ext(name))]
}

// Supported reports whether contentType is one of the known content types.
func Supported(contentType string) bool {
	for _, t := range extensions {
		if t == contentType {
			return true
		}
	}
	return false
}

// Executable reports whether submissions of contentType can be run by the
// sandbox.
func Executable(contentType string) bool {
	return contentType == TypePython
}

// Check validates a submission's text and declared type. An empty declared
// type means python.
func Check(s Submission) (Submission, error) {
	if s.Type == "" {
		s.Type = TypePython
	}
	if strings.TrimSpace(s.Text) == "" {
		return s, &Error{Reason: ReasonEmpty, Detail: "submission is empty"}
	}
	if len(s.Text) > MaxSize {
		return s, &Error{Reason: ReasonOversized, Detail: fmt.Sprintf("%d bytes exceeds %d", len(s.Text), MaxSize)}
	}
	if !Supported(s.Type) {
		return s, &Error{Reason: ReasonUnsupported, Detail: s.Type}
	}
	if !utf8.ValidString(s.Text) {
		return s, &Error{Reason: ReasonUnreadable, Detail: "text is not valid UTF-8"}
	}
	return s, nil
}

// ReadFile loads and checks the file at path. The content type comes from the
// extension.
func ReadFile(path string) (Submission, error) {
	typ := DetectType(path)
	if typ == "" {
		return Submission{}, &Error{Reason: ReasonUnsupported, Detail: filepath.Ext(path)}
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Submission{}, &Error{Reason: ReasonUnreadable, Detail: "file not found: " + path}
		}
		return Submission{}, &Error{Reason: ReasonUnreadable, Detail: err.Error()}
	}
	if info.Size() > MaxSize {
		return Submission{}, &Error{Reason: ReasonOversized, Detail: fmt.Sprintf("%d bytes exceeds %d", info.Size(), MaxSize)}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Submission{}, &Error{Reason: ReasonUnreadable, Detail: err.Error()}
	}
	return Check(Submission{Name: filepath.Base(path), Text: string(b), Type: typ})
}
