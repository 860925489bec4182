package classifier

import (
	"fmt"
	"strings"
)

// FormatReport renders a record as a short human-readable report.
func FormatReport(rec ErrorRecord) string {
	if !rec.Detected {
		return "No error detected."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s (severity: %s)\n", rec.Kind, rec.Severity)
	if rec.Line > 0 {
		fmt.Fprintf(&b, "Line: %d\n", rec.Line)
		if rec.SourceLine != "" {
			fmt.Fprintf(&b, "  > %s\n", rec.SourceLine)
		}
	}
	fmt.Fprintf(&b, "\nMessage:\n  %s\n", rec.Message)
	if rec.Description != "" {
		fmt.Fprintf(&b, "\nDescription:\n  %s\n", rec.Description)
	}
	if len(rec.Remedies) > 0 {
		b.WriteString("\nRemedies:\n")
		for i, r := range rec.Remedies {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, r)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
