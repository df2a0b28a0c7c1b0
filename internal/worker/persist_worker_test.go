package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelforge/jobwatch/internal/service"
	"github.com/reelforge/jobwatch/internal/watch"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type markerFunc func(ctx context.Context, h watch.Handle) error

func (f markerFunc) MarkPersisted(ctx context.Context, h watch.Handle) error { return f(ctx, h) }

func retryTask(t *testing.T, rec watch.Record) *asynq.Task {
	t.Helper()
	task, err := service.NewPersistRetryTask(rec, "save failed", 3)
	require.NoError(t, err)
	return task
}

func TestPersistWorker_Success(t *testing.T) {
	rec := watch.Record{Kind: watch.KindRender, JobID: "r-1", OutputURL: "https://cdn/r-1.mp4", Format: "mp4"}

	var got watch.Record
	var marked watch.Handle
	w := NewPersistWorker(
		watch.PersisterFunc(func(ctx context.Context, r watch.Record) error {
			got = r
			return nil
		}),
		markerFunc(func(ctx context.Context, h watch.Handle) error {
			marked = h
			return nil
		}),
		discard,
	)

	require.NoError(t, w.ProcessTask(context.Background(), retryTask(t, rec)))
	assert.Equal(t, rec, got)
	assert.Equal(t, watch.Handle{Kind: watch.KindRender, JobID: "r-1"}, marked)
}

func TestPersistWorker_FailureIsRetried(t *testing.T) {
	boom := errors.New("backend down")
	w := NewPersistWorker(watch.PersisterFunc(func(ctx context.Context, r watch.Record) error {
		return boom
	}), nil, discard)

	err := w.ProcessTask(context.Background(), retryTask(t, watch.Record{Kind: watch.KindRender, JobID: "r-1", OutputURL: "u"}))
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestPersistWorker_BadPayloadSkipsRetry(t *testing.T) {
	w := NewPersistWorker(watch.PersisterFunc(func(ctx context.Context, r watch.Record) error {
		t.Fatal("persister must not be called")
		return nil
	}), nil, discard)

	err := w.ProcessTask(context.Background(), asynq.NewTask(service.TaskTypePersistRetry, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = w.ProcessTask(context.Background(), retryTask(t, watch.Record{Kind: watch.KindRender, JobID: "r-1"}))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestNewPersistRetryTask(t *testing.T) {
	task := retryTask(t, watch.Record{Kind: watch.KindDownload, JobID: "d-1", OutputURL: "u"})
	assert.Equal(t, service.TaskTypePersistRetry, task.Type())
	assert.Contains(t, string(task.Payload()), `"jobId":"d-1"`)
}
