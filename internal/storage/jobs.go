package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobIndexError asks the ingest worker to (re)build the similarity index
// entry of one persisted error.
const JobIndexError = "index_error"

// Job states.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

const (
	defaultMaxAttempts = 3
	maxBackoff         = 5 * time.Minute
)

// JobCounts is the number of queued jobs in each unfinished state.
type JobCounts struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Failed  int `json:"failed"`
}

const jobColumns = `id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error`

// EnqueueJob stores job as pending. Zero fields get defaults: three attempts,
// an empty JSON payload and a run_after of now.
func (s *Store) EnqueueJob(job Job) error {
	now := time.Now()
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.PayloadJSON == "" {
		job.PayloadJSON = "{}"
	}
	_, err := s.db.Exec(`INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, JobPending, job.MaxAttempts,
		formatTime(job.RunAfter), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("enqueueing %s job %s: %w", job.Type, job.ID, err)
	}
	return nil
}

// ClaimNextJob moves the oldest runnable pending job of one of types to
// running and returns it, or nil when nothing is due. The select and update
// are a single statement, so two workers never claim the same job.
func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	now := formatTime(time.Now())
	args := []any{JobRunning, now, JobPending, now}
	for _, t := range types {
		args = append(args, t)
	}

	row := s.db.QueryRow(`UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_after <= ? AND type IN (?`+strings.Repeat(", ?", len(types)-1)+`)
			ORDER BY run_after, created_at
			LIMIT 1
		)
		RETURNING `+jobColumns, args...)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	return &j, nil
}

// CompleteJob marks a job done.
func (s *Store) CompleteJob(id string) error {
	return s.setJobStatus(id, JobCompleted)
}

// FailJob records a failed attempt. Below max_attempts the job goes back to
// pending with a run_after of 2^attempts seconds from now, capped at five
// minutes; after that it stays failed.
func (s *Store) FailJob(id string, errMsg string) error {
	var attempts, maxAttempts int
	err := s.db.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("loading job %s: %w", id, err)
	}

	attempts++
	now := time.Now()
	status, runAfter := JobPending, now.Add(backoff(attempts))
	if attempts >= maxAttempts {
		status, runAfter = JobFailed, now
	}
	_, err = s.db.Exec(`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
		status, attempts, errMsg, formatTime(runAfter), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return nil
}

func backoff(attempts int) time.Duration {
	if attempts >= 9 {
		return maxBackoff
	}
	return min(time.Second<<attempts, maxBackoff)
}

// RequeueRunning returns jobs left running by a process that exited mid-job
// to pending. It is meant for startup, before any worker runs.
func (s *Store) RequeueRunning() (int, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ?`,
		JobPending, formatTime(time.Now()), JobRunning)
	if err != nil {
		return 0, fmt.Errorf("requeueing running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CountJobs tallies unfinished jobs by state.
func (s *Store) CountJobs() (JobCounts, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs WHERE status <> ? GROUP BY status`, JobCompleted)
	if err != nil {
		return JobCounts{}, fmt.Errorf("counting jobs: %w", err)
	}
	defer rows.Close()

	var c JobCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return JobCounts{}, err
		}
		switch status {
		case JobPending:
			c.Pending = n
		case JobRunning:
			c.Running = n
		case JobFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

// GetJob returns a job by id.
func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	return j, err
}

func (s *Store) setJobStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("setting job %s %s: %w", id, status, err)
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

func scanJob(row *sql.Row) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	if err := row.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
		return Job{}, err
	}
	j.LastError = lastError.String

	var err error
	for _, f := range []struct {
		dst *time.Time
		src string
	}{{&j.RunAfter, runAfter}, {&j.CreatedAt, createdAt}, {&j.UpdatedAt, updatedAt}} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return Job{}, fmt.Errorf("job %s: %w", j.ID, err)
		}
	}
	return j, nil
}
