package storage

import (
	"errors"
	"testing"
	"time"
)

func TestEnqueueAndClaimJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: JobIndexError, PayloadJSON: `{"error_id":"e1"}`}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	j, err := s.ClaimNextJob([]string{JobIndexError})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j == nil {
		t.Fatal("expected a job, got nil")
	}
	if j.ID != "j1" || j.Status != JobRunning || j.MaxAttempts != 3 {
		t.Errorf("claimed job = %+v", j)
	}
	if j.PayloadJSON != `{"error_id":"e1"}` {
		t.Errorf("PayloadJSON = %q", j.PayloadJSON)
	}

	again, err := s.ClaimNextJob([]string{JobIndexError})
	if err != nil {
		t.Fatalf("second ClaimNextJob: %v", err)
	}
	if again != nil {
		t.Errorf("running job claimed twice: %+v", again)
	}
}

func TestClaimNextJob_Empty(t *testing.T) {
	s := openTestStore(t)

	j, err := s.ClaimNextJob([]string{JobIndexError})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil job, got %+v", j)
	}
	if j, _ := s.ClaimNextJob(nil); j != nil {
		t.Errorf("expected nil job for no types, got %+v", j)
	}
}

func TestClaimNextJob_RespectRunAfter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "later", Type: "x", RunAfter: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	j, err := s.ClaimNextJob([]string{"x"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j != nil {
		t.Errorf("claimed a job scheduled in the future: %+v", j)
	}
}

func TestClaimNextJob_TypeFilter(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "other", Type: "other"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	j, err := s.ClaimNextJob([]string{JobIndexError})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if j != nil {
		t.Errorf("claimed job of wrong type: %+v", j)
	}
}

func TestCompleteJob(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "done", Type: "x"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.CompleteJob("done"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	j, err := s.GetJob("done")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobCompleted {
		t.Errorf("status = %q, want %q", j.Status, JobCompleted)
	}
	if err := s.CompleteJob("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFailJob_SetsBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "retry", Type: "x"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	before := time.Now()
	if err := s.FailJob("retry", "embedder down"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	j, err := s.GetJob("retry")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobPending || j.Attempts != 1 || j.LastError != "embedder down" {
		t.Errorf("job after fail = %+v", j)
	}
	if j.RunAfter.Before(before.Add(time.Second)) {
		t.Errorf("run_after = %v, want at least 2s after %v", j.RunAfter, before)
	}
}

func TestFailJob_MaxAttemptsReached(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "fatal", Type: "x", MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if _, err := s.ClaimNextJob([]string{"x"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("fatal", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	j, err := s.GetJob("fatal")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != JobFailed {
		t.Errorf("status = %q, want %q", j.Status, JobFailed)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{8, 256 * time.Second},
		{9, maxBackoff},
		{40, maxBackoff},
	}
	for _, tt := range tests {
		if got := backoff(tt.attempts); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestRequeueRunning(t *testing.T) {
	s := openTestStore(t)

	for _, id := range []string{"a", "b"} {
		if err := s.EnqueueJob(Job{ID: id, Type: JobIndexError}); err != nil {
			t.Fatalf("EnqueueJob: %v", err)
		}
	}
	if _, err := s.ClaimNextJob([]string{JobIndexError}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}

	n, err := s.RequeueRunning()
	if err != nil {
		t.Fatalf("RequeueRunning: %v", err)
	}
	if n != 1 {
		t.Errorf("requeued %d jobs, want 1", n)
	}
	counts, err := s.CountJobs()
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if counts != (JobCounts{Pending: 2}) {
		t.Errorf("counts = %+v, want 2 pending", counts)
	}
}

func TestCountJobs(t *testing.T) {
	s := openTestStore(t)

	for _, j := range []Job{
		{ID: "p", Type: "x", RunAfter: time.Now().Add(time.Hour)},
		{ID: "r", Type: "x"},
		{ID: "f", Type: "y", MaxAttempts: 1},
		{ID: "c", Type: "z"},
	} {
		if err := s.EnqueueJob(j); err != nil {
			t.Fatalf("EnqueueJob(%s): %v", j.ID, err)
		}
	}
	if j, _ := s.ClaimNextJob([]string{"x"}); j == nil || j.ID != "r" {
		t.Fatalf("claimed %+v, want r", j)
	}
	if _, err := s.ClaimNextJob([]string{"y"}); err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if err := s.FailJob("f", "boom"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if err := s.CompleteJob("c"); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := s.CountJobs()
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if want := (JobCounts{Pending: 1, Running: 1, Failed: 1}); got != want {
		t.Errorf("CountJobs = %+v, want %+v", got, want)
	}
}

func TestFailJob_Missing(t *testing.T) {
	s := openTestStore(t)
	if err := s.FailJob("nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetJob("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob err = %v, want ErrNotFound", err)
	}
}
