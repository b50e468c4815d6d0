// Package worker runs queued brief generation jobs in the background.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/briefai/internal/brief"
	"github.com/kalambet/briefai/internal/credits"
	"github.com/kalambet/briefai/internal/resilience"
	"github.com/kalambet/briefai/internal/storage"
)

// JobTypeGenerateBrief is the job type for asynchronous brief generation.
const JobTypeGenerateBrief = "generate_brief"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) error
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id, resultJSON string) error
	FailJob(id string, errMsg string) error
	AbandonJob(id, errMsg string) error
}

// Generator produces a brief.
type Generator interface {
	Generate(ctx context.Context, req brief.Request) (brief.Brief, error)
}

// Result is stored as the job result of a completed generate_brief job.
type Result struct {
	BriefID  string `json:"brief_id"`
	ShareID  string `json:"share_id"`
	Degraded bool   `json:"degraded"`
}

// Enqueue queues req for background generation and returns the job id.
// The job id doubles as the progress request id.
func Enqueue(store JobStore, req brief.Request) (string, error) {
	id := uuid.NewString()
	req.RequestID = id
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encoding job payload: %w", err)
	}
	if err := store.EnqueueJob(storage.Job{
		ID:          id,
		Type:        JobTypeGenerateBrief,
		PayloadJSON: string(payload),
	}); err != nil {
		return "", fmt.Errorf("enqueueing job: %w", err)
	}
	return id, nil
}

// Worker processes generate_brief jobs from the SQLite job queue.
type Worker struct {
	store     JobStore
	generator Generator
	poll      time.Duration
	timeout   time.Duration
	logger    *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, generator Generator, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:     store,
		generator: generator,
		poll:      pollInterval,
		timeout:   5 * time.Minute,
		logger:    slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single generate_brief job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeGenerateBrief})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	result, err := w.processJob(ctx, job)
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		var failErr error
		if isFinal(err) {
			failErr = w.store.AbandonJob(job.ID, err.Error())
		} else {
			failErr = w.store.FailJob(job.ID, err.Error())
		}
		if failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return true, fmt.Errorf("encoding job result: %w", err)
	}
	if err := w.store.CompleteJob(job.ID, string(data)); err != nil {
		// Put the job back; the retry finds the saved brief by request id
		// instead of generating and charging again.
		if ferr := w.store.FailJob(job.ID, "recording result: "+err.Error()); ferr != nil {
			w.logger.Error("failed to requeue job", "job_id", job.ID, "error", ferr)
		}
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.logger.Info("job completed", "job_id", job.ID, "brief_id", result.BriefID)
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (Result, error) {
	var req brief.Request
	if err := json.Unmarshal([]byte(job.PayloadJSON), &req); err != nil {
		return Result{}, resilience.Permanent(fmt.Errorf("parsing payload: %w", err))
	}
	if req.RequestID == "" {
		req.RequestID = job.ID
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	b, err := w.generator.Generate(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("generating brief: %w", err)
	}
	return Result{BriefID: b.ID, ShareID: b.ShareID, Degraded: b.Degraded}, nil
}

// isFinal reports errors that another attempt cannot fix.
func isFinal(err error) bool {
	return resilience.IsPermanent(err) ||
		errors.Is(err, credits.ErrInsufficientCredits) ||
		errors.Is(err, credits.ErrInvalidUser)
}
