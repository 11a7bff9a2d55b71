// Package worker runs queued persona batches from the SQLite job queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/personas/internal/pipeline"
	"github.com/kalambet/personas/internal/storage"
)

// JobType identifies queued persona generation jobs.
const JobType = "generate_personas"

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// BatchRunner executes a batch under a known ID.
type BatchRunner interface {
	RunBatch(ctx context.Context, batchID string, profiles []pipeline.Profile) (*pipeline.Result, error)
}

// Payload is the JSON body of a generate_personas job.
type Payload struct {
	BatchID  string             `json:"batch_id"`
	Profiles []pipeline.Profile `json:"profiles"`
}

// Enqueue queues a batch for background processing. The job ID is the
// batch ID so callers can poll the batch directly.
func Enqueue(ctx context.Context, store JobStore, batchID string, profiles []pipeline.Profile) error {
	body, err := json.Marshal(Payload{BatchID: batchID, Profiles: profiles})
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}
	return store.EnqueueJob(ctx, storage.Job{
		ID:          batchID,
		Type:        JobType,
		PayloadJSON: string(body),
		MaxAttempts: 1,
	})
}

// Worker processes generate_personas jobs.
type Worker struct {
	store  JobStore
	runner BatchRunner
	poll   time.Duration
}

// New creates a Worker. A non-positive pollInterval defaults to 500ms.
func New(store JobStore, runner BatchRunner, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{store: store, runner: runner, poll: pollInterval}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for ctx.Err() == nil {
		done, err := w.RunOnce(ctx)
		if err != nil {
			slog.Error("worker iteration failed", "error", err)
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

// RunOnce claims and processes a single job. It reports whether a job was
// processed, successfully or not.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobType})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.process(ctx, job); err != nil {
		slog.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error()); failErr != nil {
			slog.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *storage.Job) error {
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if p.BatchID == "" {
		p.BatchID = job.ID
	}
	res, err := w.runner.RunBatch(ctx, p.BatchID, p.Profiles)
	if err != nil {
		return err
	}
	slog.Info("queued batch complete", "batch_id", res.BatchID, "personas", len(res.Personas))
	return nil
}
