package lint

import (
	"bufio"
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// DefaultTools returns ruff, pylint, mypy and bandit with their default
// binaries.
func DefaultTools() []*Tool {
	return []*Tool{Ruff(""), Pylint(""), Mypy(""), Bandit("")}
}

// Ruff runs "ruff check --output-format=json".
func Ruff(binary string) *Tool {
	return &Tool{
		Name:   "ruff",
		Binary: binary,
		args: func(path string) []string {
			return []string{"check", path, "--output-format=json"}
		},
		parse:  parseRuff,
		okExit: exitOne,
	}
}

// Pylint runs "pylint --output-format=json".
func Pylint(binary string) *Tool {
	return &Tool{
		Name:   "pylint",
		Binary: binary,
		args: func(path string) []string {
			return []string{path, "--output-format=json", "--reports=n"}
		},
		parse: parsePylint,
		// The exit status is a bit mask of emitted message categories; 32
		// signals a usage error.
		okExit: func(code int) bool { return code > 0 && code < 32 },
	}
}

// Mypy runs mypy with column numbers and no summary line.
func Mypy(binary string) *Tool {
	return &Tool{
		Name:   "mypy",
		Binary: binary,
		args: func(path string) []string {
			return []string{path, "--show-column-numbers", "--no-error-summary", "--ignore-missing-imports"}
		},
		parse:  parseMypy,
		okExit: exitOne,
	}
}

// Bandit runs "bandit -f json".
func Bandit(binary string) *Tool {
	return &Tool{
		Name:   "bandit",
		Binary: binary,
		args: func(path string) []string {
			return []string{"-q", "-f", "json", path}
		},
		parse:  parseBandit,
		okExit: exitOne,
	}
}

func exitOne(code int) bool { return code == 1 }

type ruffMessage struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Filename string `json:"filename"`
	Location struct {
		Row    int `json:"row"`
		Column int `json:"column"`
	} `json:"location"`
	Fix *json.RawMessage `json:"fix"`
}

func parseRuff(out []byte, _ string) ([]Issue, error) {
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}
	var msgs []ruffMessage
	if err := json.Unmarshal(out, &msgs); err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(msgs))
	for _, m := range msgs {
		issues = append(issues, Issue{
			File:     m.Filename,
			Line:     m.Location.Row,
			Column:   m.Location.Column,
			Code:     m.Code,
			Message:  m.Message,
			Severity: SeverityWarning,
			Fixable:  m.Fix != nil && string(*m.Fix) != "null",
		})
	}
	return issues, nil
}

type pylintMessage struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	MessageID string `json:"message-id"`
	Symbol    string `json:"symbol"`
	Message   string `json:"message"`
}

var pylintSeverity = map[string]string{
	"fatal":   SeverityError,
	"error":   SeverityError,
	"warning": SeverityWarning,
}

func parsePylint(out []byte, _ string) ([]Issue, error) {
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}
	var msgs []pylintMessage
	if err := json.Unmarshal(out, &msgs); err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(msgs))
	for _, m := range msgs {
		sev, ok := pylintSeverity[m.Type]
		if !ok {
			sev = SeverityInfo
		}
		issues = append(issues, Issue{
			File:     m.Path,
			Line:     m.Line,
			Column:   m.Column,
			Code:     m.MessageID,
			Symbol:   m.Symbol,
			Message:  m.Message,
			Severity: sev,
		})
	}
	return issues, nil
}

// path:line:col: severity: message  [code]
var mypyLine = regexp.MustCompile(`^(.+?):(\d+):(?:(\d+):)?\s*(error|warning|note):\s*(.*?)(?:\s+\[([\w-]+)\])?$`)

func parseMypy(out []byte, _ string) ([]Issue, error) {
	var issues []Issue
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := mypyLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		line, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		sev := m[4]
		if sev == "note" {
			sev = SeverityInfo
		}
		issues = append(issues, Issue{
			File:     m[1],
			Line:     line,
			Column:   col,
			Code:     m[6],
			Message:  m[5],
			Severity: sev,
		})
	}
	return issues, sc.Err()
}

type banditReport struct {
	Results []struct {
		Filename      string `json:"filename"`
		LineNumber    int    `json:"line_number"`
		ColOffset     int    `json:"col_offset"`
		TestID        string `json:"test_id"`
		TestName      string `json:"test_name"`
		IssueText     string `json:"issue_text"`
		IssueSeverity string `json:"issue_severity"`
	} `json:"results"`
}

var banditSeverity = map[string]string{
	"HIGH":   SeverityError,
	"MEDIUM": SeverityWarning,
	"LOW":    SeverityInfo,
}

func parseBandit(out []byte, _ string) ([]Issue, error) {
	if len(bytes.TrimSpace(out)) == 0 {
		return nil, nil
	}
	var rep banditReport
	if err := json.Unmarshal(out, &rep); err != nil {
		return nil, err
	}
	issues := make([]Issue, 0, len(rep.Results))
	for _, r := range rep.Results {
		sev, ok := banditSeverity[strings.ToUpper(r.IssueSeverity)]
		if !ok {
			sev = SeverityInfo
		}
		issues = append(issues, Issue{
			File:     r.Filename,
			Line:     r.LineNumber,
			Column:   r.ColOffset,
			Code:     r.TestID,
			Symbol:   r.TestName,
			Message:  r.IssueText,
			Severity: sev,
		})
	}
	return issues, nil
}
