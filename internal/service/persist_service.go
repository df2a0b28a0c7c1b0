package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/reelforge/jobwatch/internal/client"
	"github.com/reelforge/jobwatch/internal/watch"
)

const (
	TaskTypePersistRetry = "persist:retry"
	QueuePersist         = "persist"
)

// PersistService is the orchestrator's Persister. For kinds that mirror,
// the output is first copied to object storage and the mirrored URL is
// what gets recorded.
type PersistService struct {
	backend    watch.Persister
	storage    client.StorageClient
	mirror     map[watch.Kind]bool
	httpClient *http.Client
	logger     *slog.Logger
}

func NewPersistService(backend watch.Persister, storage client.StorageClient, mirrorKinds []watch.Kind, logger *slog.Logger) *PersistService {
	if logger == nil {
		logger = slog.Default()
	}
	mirror := make(map[watch.Kind]bool, len(mirrorKinds))
	for _, k := range mirrorKinds {
		mirror[k] = true
	}
	return &PersistService{
		backend:    backend,
		storage:    storage,
		mirror:     mirror,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		logger:     logger.With("component", "persist"),
	}
}

// Persist records rec. Re-running it for the same record overwrites the
// same mirrored object.
func (s *PersistService) Persist(ctx context.Context, rec watch.Record) error {
	if s.mirror[rec.Kind] {
		if s.storage == nil {
			s.logger.Warn("mirroring requested but storage is not configured", "kind", rec.Kind, "jobId", rec.JobID)
		} else {
			url, err := s.mirrorOutput(ctx, rec)
			if err != nil {
				return fmt.Errorf("mirror output: %w", err)
			}
			s.logger.Info("output mirrored", "kind", rec.Kind, "jobId", rec.JobID, "url", url)
			rec.OutputURL = url
		}
	}
	return s.backend.Persist(ctx, rec)
}

func (s *PersistService) mirrorOutput(ctx context.Context, rec watch.Record) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.OutputURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download output: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download output: status %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension("." + outputExt(rec))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return s.storage.Upload(ctx, MirrorKey(rec), resp.Body, contentType)
}

// MirrorKey is the object key a record's output is mirrored under.
func MirrorKey(rec watch.Record) string {
	return fmt.Sprintf("outputs/%s/%s.%s", rec.Kind, rec.JobID, outputExt(rec))
}

func outputExt(rec watch.Record) string {
	if rec.Format == "" {
		return "bin"
	}
	return rec.Format
}

// PersistRetryPayload is the body of a persist:retry task.
type PersistRetryPayload struct {
	Record watch.Record `json:"record"`
	Cause  string       `json:"cause,omitempty"`
}

// NewPersistRetryTask builds the retry task for rec. The task id makes a
// second enqueue for the same job a no-op.
func NewPersistRetryTask(rec watch.Record, cause string, maxRetry int) (*asynq.Task, error) {
	data, err := json.Marshal(PersistRetryPayload{Record: rec, Cause: cause})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePersistRetry, data,
		asynq.Queue(QueuePersist),
		asynq.MaxRetry(maxRetry),
		asynq.TaskID(fmt.Sprintf("persist:%s:%s", rec.Kind, rec.JobID)),
		asynq.Retention(24*time.Hour),
	), nil
}

// Enqueuer is the part of asynq.Client the retry queue uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RetryQueue hands failed persistence calls to the background worker.
type RetryQueue struct {
	client   Enqueuer
	maxRetry int
	logger   *slog.Logger
}

func NewRetryQueue(c Enqueuer, maxRetry int, logger *slog.Logger) *RetryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryQueue{
		client:   c,
		maxRetry: maxRetry,
		logger:   logger.With("component", "persist_retry"),
	}
}

// Notifier adapts the queue to the orchestrator's notifier chain; only
// persistence errors are acted on.
func (q *RetryQueue) Notifier() watch.Notifier {
	return watch.NotifierFuncs{PersistenceError: q.OnPersistenceError}
}

func (q *RetryQueue) OnPersistenceError(s watch.Snapshot, jerr *watch.JobError) {
	if s.Result == nil || s.Result.OutputURL == "" {
		q.logger.Warn("nothing to retry, job has no output url", "kind", s.Kind, "jobId", s.JobID)
		return
	}
	rec := watch.Record{Kind: s.Kind, JobID: s.JobID, OutputURL: s.Result.OutputURL, Format: s.Result.Format}

	task, err := NewPersistRetryTask(rec, jerr.Error(), q.maxRetry)
	if err != nil {
		q.logger.Error("failed to build persist retry task", "kind", s.Kind, "jobId", s.JobID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := q.client.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return
		}
		q.logger.Error("failed to enqueue persist retry", "kind", s.Kind, "jobId", s.JobID, "error", err)
		return
	}
	q.logger.Info("persist retry enqueued", "kind", s.Kind, "jobId", s.JobID)
}
