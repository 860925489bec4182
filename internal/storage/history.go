package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed width so that lexical order in SQLite matches
// chronological order even for rows written within the same second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// ContentHash returns the hex SHA-256 of a submission's text.
func ContentHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

// truncate returns the first n characters (runes) of s.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Save records one classified failure: the error row, one remedy row per
// remedy string (plus the solution text, if any) and the pattern aggregate
// upsert, in a single transaction. It returns the new error identifier.
func (s *Store) Save(e NewError) (string, error) {
	if e.Kind == "" {
		return "", fmt.Errorf("saving error: empty error kind")
	}
	id := uuid.New().String()
	now := formatTime(time.Now())
	severity := e.Severity
	if severity == "" {
		severity = "medium"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO errors (id, content_hash, error_kind, message, line, description, severity, snippet, raw_output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ContentHash(e.Source), e.Kind, e.Message, nullableLine(e.Line), e.Description, severity,
		truncate(e.Source, SnippetLength), e.RawOutput, now,
	)
	if err != nil {
		return "", fmt.Errorf("inserting error: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO remedies (error_id, text, kind, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("preparing remedy insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range e.Remedies {
		if _, err := stmt.Exec(id, r, RemedyAutoGenerated, now); err != nil {
			return "", fmt.Errorf("inserting remedy: %w", err)
		}
	}
	if e.Solution != "" {
		kind := e.SolutionKind
		if kind == "" {
			kind = RemedyGenerated
		}
		if _, err := stmt.Exec(id, e.Solution, kind, now); err != nil {
			return "", fmt.Errorf("inserting solution: %w", err)
		}
	}

	_, err = tx.Exec(`
		INSERT INTO pattern_aggregates (error_kind, message_prefix, occurrence_count, last_seen)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(error_kind, message_prefix) DO UPDATE SET
			occurrence_count = occurrence_count + 1,
			last_seen = excluded.last_seen`,
		e.Kind, truncate(e.Message, PatternPrefixLength), now,
	)
	if err != nil {
		return "", fmt.Errorf("upserting pattern aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing save: %w", err)
	}
	return id, nil
}

func nullableLine(line int) any {
	if line <= 0 {
		return nil
	}
	return line
}

const errorColumns = `id, content_hash, error_kind, message, line, description, severity, snippet, raw_output, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanError(r rowScanner) (PersistedError, error) {
	var p PersistedError
	var line sql.NullInt64
	var createdAt string
	if err := r.Scan(&p.ID, &p.ContentHash, &p.Kind, &p.Message, &line, &p.Description,
		&p.Severity, &p.Snippet, &p.RawOutput, &createdAt); err != nil {
		return PersistedError{}, err
	}
	p.Line = int(line.Int64)
	t, err := parseTime(createdAt)
	if err != nil {
		return PersistedError{}, fmt.Errorf("parsing created_at for %s: %w", p.ID, err)
	}
	p.CreatedAt = t
	return p, nil
}

func (s *Store) queryErrors(query string, args ...any) ([]PersistedError, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	var results []PersistedError
	for rows.Next() {
		p, err := scanError(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// Close before loading remedies: the store holds a single connection.
	rows.Close()

	if err := s.attachRemedies(results); err != nil {
		return nil, err
	}
	return results, nil
}

// FindSimilarByType returns the most recent limit errors of the given kind,
// newest first, each carrying its remedies.
func (s *Store) FindSimilarByType(kind string, limit int) ([]PersistedError, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryErrors(`SELECT `+errorColumns+` FROM errors
		WHERE error_kind = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?`, kind, limit)
}

// ListErrors returns errors newest first, paged by limit and offset.
func (s *Store) ListErrors(limit, offset int) ([]PersistedError, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryErrors(`SELECT `+errorColumns+` FROM errors
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?`, limit, offset)
}

// RecentErrors returns the limit most recent errors.
func (s *Store) RecentErrors(limit int) ([]PersistedError, error) {
	return s.ListErrors(limit, 0)
}

// GetError returns a single error with its remedies.
func (s *Store) GetError(id string) (PersistedError, error) {
	p, err := scanError(s.db.QueryRow(`SELECT `+errorColumns+` FROM errors WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return PersistedError{}, ErrNotFound
	}
	if err != nil {
		return PersistedError{}, err
	}
	out := []PersistedError{p}
	if err := s.attachRemedies(out); err != nil {
		return PersistedError{}, err
	}
	return out[0], nil
}

func (s *Store) attachRemedies(errs []PersistedError) error {
	if len(errs) == 0 {
		return nil
	}
	args := make([]any, len(errs))
	index := make(map[string]int, len(errs))
	for i, e := range errs {
		args[i] = e.ID
		index[e.ID] = i
	}

	rows, err := s.db.Query(`SELECT id, error_id, text, kind, applied, success, created_at
		FROM remedies WHERE error_id IN (?`+strings.Repeat(",?", len(errs)-1)+`)
		ORDER BY id ASC`, args...)
	if err != nil {
		return fmt.Errorf("querying remedies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Remedy
		var applied int
		var success sql.NullInt64
		var createdAt string
		if err := rows.Scan(&r.ID, &r.ErrorID, &r.Text, &r.Kind, &applied, &success, &createdAt); err != nil {
			return fmt.Errorf("scanning remedy: %w", err)
		}
		r.Applied = applied != 0
		if success.Valid {
			ok := success.Int64 != 0
			r.Success = &ok
		}
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return fmt.Errorf("parsing remedy created_at: %w", err)
		}
		i := index[r.ErrorID]
		errs[i].Remedies = append(errs[i].Remedies, r)
	}
	return rows.Err()
}

// MarkRemedyResult records that a remedy was applied and whether it worked.
func (s *Store) MarkRemedyResult(remedyID int64, success bool) error {
	res, err := s.db.Exec(`UPDATE remedies SET applied = 1, success = ? WHERE id = ?`, boolToInt(success), remedyID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Statistics returns the total error count, the count per error kind and the
// topN pattern aggregates by occurrence count.
func (s *Store) Statistics(topN int) (Statistics, error) {
	st := Statistics{ByKind: make(map[string]int)}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM errors`).Scan(&st.Total); err != nil {
		return Statistics{}, fmt.Errorf("counting errors: %w", err)
	}

	rows, err := s.db.Query(`SELECT error_kind, COUNT(*) FROM errors GROUP BY error_kind`)
	if err != nil {
		return Statistics{}, fmt.Errorf("counting by kind: %w", err)
	}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			rows.Close()
			return Statistics{}, err
		}
		st.ByKind[kind] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Statistics{}, err
	}
	rows.Close()

	if topN <= 0 {
		return st, nil
	}
	st.TopPatterns, err = s.TopPatterns(topN)
	if err != nil {
		return Statistics{}, err
	}
	return st, nil
}

// TopPatterns returns the n most frequent pattern aggregates, ties broken by
// most recently seen.
func (s *Store) TopPatterns(n int) ([]PatternAggregate, error) {
	rows, err := s.db.Query(`SELECT error_kind, message_prefix, occurrence_count, last_seen
		FROM pattern_aggregates
		ORDER BY occurrence_count DESC, last_seen DESC
		LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}
	defer rows.Close()

	var out []PatternAggregate
	for rows.Next() {
		var p PatternAggregate
		var lastSeen string
		if err := rows.Scan(&p.Kind, &p.MessagePrefix, &p.Count, &lastSeen); err != nil {
			return nil, err
		}
		if p.LastSeen, err = parseTime(lastSeen); err != nil {
			return nil, fmt.Errorf("parsing last_seen: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Pattern returns the aggregate for one (kind, message) pair. The message is
// truncated the same way Save truncates it.
func (s *Store) Pattern(kind, message string) (PatternAggregate, error) {
	p := PatternAggregate{Kind: kind, MessagePrefix: truncate(message, PatternPrefixLength)}
	var lastSeen string
	err := s.db.QueryRow(`SELECT occurrence_count, last_seen FROM pattern_aggregates
		WHERE error_kind = ? AND message_prefix = ?`, p.Kind, p.MessagePrefix).Scan(&p.Count, &lastSeen)
	if err == sql.ErrNoRows {
		return PatternAggregate{}, ErrNotFound
	}
	if err != nil {
		return PatternAggregate{}, err
	}
	if p.LastSeen, err = parseTime(lastSeen); err != nil {
		return PatternAggregate{}, fmt.Errorf("parsing last_seen: %w", err)
	}
	return p, nil
}
