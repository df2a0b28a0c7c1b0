package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reelforge/jobwatch/internal/model"
	"github.com/reelforge/jobwatch/internal/watch"
)

const (
	jobTTL       = 24 * time.Hour
	storeTimeout = 2 * time.Second
)

// JobService keeps the last known view of every job in Redis so status
// stays readable after the orchestrator forgets a finished job.
type JobService struct {
	redis  *redis.Client
	logger *slog.Logger
}

func NewJobService(redisClient *redis.Client, logger *slog.Logger) *JobService {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobService{
		redis:  redisClient,
		logger: logger.With("component", "job_store"),
	}
}

// Get returns the stored job for h or watch.ErrJobNotFound.
func (s *JobService) Get(ctx context.Context, h watch.Handle) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(h)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", watch.ErrJobNotFound, h)
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Save writes job with a fresh TTL.
func (s *JobService) Save(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	h := watch.Handle{Kind: watch.Kind(job.Kind), JobID: job.ID}
	return s.redis.Set(ctx, jobKey(h), data, jobTTL).Err()
}

// MarkCanceled records a cancellation. Terminal jobs are left unchanged.
func (s *JobService) MarkCanceled(ctx context.Context, h watch.Handle) error {
	job, err := s.Get(ctx, h)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return nil
	}

	now := time.Now()
	job.Status = model.JobStatusCanceled
	job.CompletedAt = &now
	return s.Save(ctx, job)
}

// MarkPersisted clears a recorded persistence failure after a retry
// succeeded.
func (s *JobService) MarkPersisted(ctx context.Context, h watch.Handle) error {
	job, err := s.Get(ctx, h)
	if err != nil {
		return err
	}
	if job.PersistError == nil {
		return nil
	}
	job.PersistError = nil
	return s.Save(ctx, job)
}

// Notifier returns a watch.Notifier that mirrors every lifecycle event into
// the store.
func (s *JobService) Notifier() *StoreNotifier {
	return &StoreNotifier{store: s}
}

// StoreNotifier writes each event's snapshot to the job store.
type StoreNotifier struct {
	store *JobService
}

var (
	_ watch.Notifier            = (*StoreNotifier)(nil)
	_ watch.PersistenceObserver = (*StoreNotifier)(nil)
)

func (n *StoreNotifier) OnSubmitted(s watch.Snapshot) {
	n.save(model.JobFromSnapshot(s))
}

func (n *StoreNotifier) OnProgress(s watch.Snapshot, _ float64) {
	n.save(model.JobFromSnapshot(s))
}

func (n *StoreNotifier) OnSuccess(s watch.Snapshot, _ watch.Result) {
	n.save(model.JobFromSnapshot(s))
}

func (n *StoreNotifier) OnFailure(s watch.Snapshot, _ *watch.JobError) {
	n.save(model.JobFromSnapshot(s))
}

func (n *StoreNotifier) OnPersistenceError(s watch.Snapshot, err *watch.JobError) {
	job := model.JobFromSnapshot(s)
	msg := err.Error()
	job.PersistError = &msg
	n.save(job)
}

func (n *StoreNotifier) save(job *model.Job) {
	if job.ID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := n.store.Save(ctx, job); err != nil {
		n.store.logger.Warn("failed to store job", "kind", job.Kind, "jobId", job.ID, "error", err)
	}
}

func jobKey(h watch.Handle) string {
	return fmt.Sprintf("job:%s:%s", h.Kind, h.JobID)
}
