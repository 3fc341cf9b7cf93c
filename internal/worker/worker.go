// Package worker runs the single cooperative loop that drains the
// background job queue. One worker per process; the queue's claim
// transaction is what keeps overlapping processes (e.g. during a
// deploy) from double-running a job.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tallyware/tally/internal/store"
)

// Handler processes one claimed job. A returned error marks the job
// failed; anything the handler absorbs (including a conversation
// ending in its error state) leaves the job succeeded.
type Handler func(ctx context.Context, job *store.Job) error

// Worker claims and executes jobs in FIFO order.
type Worker struct {
	store    *store.Store
	handlers map[string]Handler
	poll     time.Duration
	logger   *slog.Logger
}

// New creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func New(st *store.Store, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    st,
		handlers: make(map[string]Handler),
		poll:     pollInterval,
		logger:   logger,
	}
}

// Register binds a handler to a job name.
func (w *Worker) Register(name string, h Handler) {
	w.handlers[name] = h
}

// Run reconciles crashed jobs, then polls the queue until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	requeued, err := w.store.RequeueProcessing()
	if err != nil {
		return fmt.Errorf("requeueing stale jobs: %w", err)
	}
	if requeued > 0 {
		w.logger.Info("requeued jobs left processing by a previous run", "count", requeued)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// claimed, regardless of its outcome.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	h, ok := w.handlers[job.Name]
	if !ok {
		err := fmt.Errorf("no handler for job name %q", job.Name)
		w.logger.Error("unhandleable job", "job_id", job.ID, "name", job.Name)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			return true, fmt.Errorf("marking job failed: %w", failErr)
		}
		return true, nil
	}

	w.logger.Debug("processing job", "job_id", job.ID, "name", job.Name)
	if err := h(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "name", job.Name, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			return true, fmt.Errorf("marking job %s failed: %w", job.ID, failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}
