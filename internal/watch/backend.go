package watch

import (
	"context"
	"time"
)

// Submitter issues the create request for a job.
type Submitter interface {
	Submit(ctx context.Context, kind Kind, payload any) (Descriptor, error)
}

// StatusChecker performs one status request for a submitted job.
type StatusChecker interface {
	CheckStatus(ctx context.Context, d Descriptor) (Status, error)
}

// Persister records the result of a Ready job. It must be idempotent.
type Persister interface {
	Persist(ctx context.Context, rec Record) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, rec Record) error

func (f PersisterFunc) Persist(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// Recorder receives orchestration measurements.
type Recorder interface {
	JobSubmitted(kind Kind)
	SubmissionFailed(kind Kind)
	JobCompleted(kind Kind, state State, reason Reason, elapsed time.Duration)
	JobCancelled(kind Kind)
	PollSkipped(kind Kind)
	TransportError(kind Kind)
	PersistFailed(kind Kind)
}

type nopRecorder struct{}

func (nopRecorder) JobSubmitted(Kind)                               {}
func (nopRecorder) SubmissionFailed(Kind)                           {}
func (nopRecorder) JobCompleted(Kind, State, Reason, time.Duration) {}
func (nopRecorder) JobCancelled(Kind)                               {}
func (nopRecorder) PollSkipped(Kind)                                {}
func (nopRecorder) TransportError(Kind)                             {}
func (nopRecorder) PersistFailed(Kind)                              {}
