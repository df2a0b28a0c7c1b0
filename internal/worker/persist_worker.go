package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/reelforge/jobwatch/internal/service"
	"github.com/reelforge/jobwatch/internal/watch"
)

// PersistMarker clears a stored persistence failure.
type PersistMarker interface {
	MarkPersisted(ctx context.Context, h watch.Handle) error
}

// PersistWorker re-runs persistence for Ready jobs whose first attempt
// failed. Job state is never changed here; only the record is written.
type PersistWorker struct {
	persister watch.Persister
	jobs      PersistMarker
	logger    *slog.Logger
}

// NewPersistWorker creates a new persist worker. jobs may be nil.
func NewPersistWorker(persister watch.Persister, jobs PersistMarker, logger *slog.Logger) *PersistWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistWorker{
		persister: persister,
		jobs:      jobs,
		logger:    logger.With("component", "persist_worker"),
	}
}

// ProcessTask handles one persist:retry task.
func (w *PersistWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.PersistRetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	rec := payload.Record
	if rec.JobID == "" || rec.OutputURL == "" {
		return fmt.Errorf("persist task for %s/%q has no output: %w", rec.Kind, rec.JobID, asynq.SkipRetry)
	}

	retry, _ := asynq.GetRetryCount(ctx)
	w.logger.Info("retrying persistence", "kind", rec.Kind, "jobId", rec.JobID, "attempt", retry+1)

	if err := w.persister.Persist(ctx, rec); err != nil {
		w.logger.Warn("persistence retry failed", "kind", rec.Kind, "jobId", rec.JobID, "attempt", retry+1, "error", err)
		return err
	}

	if w.jobs != nil {
		h := watch.Handle{Kind: rec.Kind, JobID: rec.JobID}
		if err := w.jobs.MarkPersisted(ctx, h); err != nil {
			w.logger.Warn("failed to clear persist error", "kind", rec.Kind, "jobId", rec.JobID, "error", err)
		}
	}

	w.logger.Info("persistence retry succeeded", "kind", rec.Kind, "jobId", rec.JobID)
	return nil
}
