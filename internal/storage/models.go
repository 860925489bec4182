package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Remedy kinds stored in the remedies table.
const (
	RemedyAutoGenerated = "auto_generated"
	RemedyGenerated     = "generated"
	RemedyFallback      = "fallback"
)

const (
	// SnippetLength is the number of leading characters of a submission kept
	// alongside a persisted error.
	SnippetLength = 500

	// PatternPrefixLength is the number of leading characters of an error
	// message that identify a pattern aggregate.
	PatternPrefixLength = 200
)

// NewError is the input to Save: one classified failure of one submission.
type NewError struct {
	Source      string
	Kind        string
	Message     string
	Line        int // 0 when unknown
	Description string
	Severity    string
	RawOutput   string
	Remedies    []string

	// Solution is the generated or fallback remedy text. SolutionKind is one
	// of RemedyGenerated or RemedyFallback. Empty Solution stores nothing.
	Solution     string
	SolutionKind string
}

// PersistedError is a stored classified failure.
type PersistedError struct {
	ID          string    `json:"id"`
	ContentHash string    `json:"content_hash"`
	Kind        string    `json:"error_kind"`
	Message     string    `json:"message"`
	Line        int       `json:"line,omitempty"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	Snippet     string    `json:"snippet"`
	RawOutput   string    `json:"raw_output"`
	CreatedAt   time.Time `json:"created_at"`
	Remedies    []Remedy  `json:"remedies"`
}

// Remedy is one remedy text attached to a persisted error.
type Remedy struct {
	ID        int64     `json:"id"`
	ErrorID   string    `json:"error_id"`
	Text      string    `json:"text"`
	Kind      string    `json:"kind"`
	Applied   bool      `json:"applied"`
	Success   *bool     `json:"success"` // nil until the outcome is reported
	CreatedAt time.Time `json:"created_at"`
}

// PatternAggregate counts occurrences of one (kind, message prefix) pair.
type PatternAggregate struct {
	Kind          string    `json:"error_kind"`
	MessagePrefix string    `json:"message_prefix"`
	Count         int       `json:"occurrence_count"`
	LastSeen      time.Time `json:"last_seen"`
}

// Statistics summarizes the history store.
type Statistics struct {
	Total       int                `json:"total"`
	ByKind      map[string]int     `json:"by_kind"`
	TopPatterns []PatternAggregate `json:"top_patterns"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // one of the Job* states
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
