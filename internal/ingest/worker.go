package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/remedy/internal/storage"
)

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	EnqueueJob(job storage.Job) error
}

// JobStore abstracts the job queue and history lookups the worker needs.
type JobStore interface {
	Enqueuer
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetError(id string) (storage.PersistedError, error)
}

// Indexer adds a persisted error to the similarity index.
type Indexer interface {
	AddPersisted(ctx context.Context, p storage.PersistedError) error
}

type indexPayload struct {
	ErrorID string `json:"error_id"`
}

// EnqueueIndex schedules a retry of the similarity index entry for errorID.
func EnqueueIndex(q Enqueuer, errorID string) error {
	payload, err := json.Marshal(indexPayload{ErrorID: errorID})
	if err != nil {
		return err
	}
	return q.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobIndexError,
		PayloadJSON: string(payload),
	})
}

// Worker retries similarity index writes that failed while a diagnosis was
// being persisted.
type Worker struct {
	jobs  JobStore
	index Indexer
	every time.Duration
}

const defaultPoll = 500 * time.Millisecond

// NewWorker creates a Worker that checks the queue every poll, or every
// 500ms when poll is not positive.
func NewWorker(jobs JobStore, index Indexer, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = defaultPoll
	}
	return &Worker{jobs: jobs, index: index, every: poll}
}

// Run drains the queue on every tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	t := time.NewTicker(w.every)
	defer t.Stop()
	for {
		if n := w.Drain(ctx); n > 0 {
			slog.Debug("ingest: index jobs processed", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Drain processes claimable jobs until none is left or ctx ends, and returns
// how many it handled.
func (w *Worker) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		ok, err := w.Step(ctx)
		if err != nil {
			slog.Error("ingest: job queue error", "error", err)
			return n
		}
		if !ok {
			return n
		}
		n++
	}
	return n
}

// Step claims and runs one index job. It reports whether a job was claimed;
// a failing job is handed back to the queue and is not an error here.
func (w *Worker) Step(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextJob([]string{storage.JobIndexError})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.run(ctx, job); err != nil {
		slog.Warn("ingest: index job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if ferr := w.jobs.FailJob(job.ID, err.Error()); ferr != nil {
			return true, fmt.Errorf("failing job %s: %w", job.ID, ferr)
		}
		return true, nil
	}
	if err := w.jobs.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// run indexes the job's error. An error that no longer exists has nothing to
// index, so the job completes.
func (w *Worker) run(ctx context.Context, job *storage.Job) error {
	var p indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	e, err := w.jobs.GetError(p.ErrorID)
	if errors.Is(err, storage.ErrNotFound) {
		slog.Info("ingest: dropping index job for deleted error", "error_id", p.ErrorID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading error %s: %w", p.ErrorID, err)
	}
	return w.index.AddPersisted(ctx, e)
}
