package watch

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// job is the orchestrator-owned record of one tracked backend job. Every
// mutable field is guarded by mu; notifier calls are serialized by deliver.
// Lock order is deliver before mu, and mu is never held across a notifier
// call, so callbacks may re-enter Get and Cancel.
type job struct {
	handle     Handle
	kind       *kindRuntime
	descriptor Descriptor
	notifier   Notifier

	mu            sync.Mutex
	state         State
	progress      float64
	progressSeen  bool
	result        *Result
	failure       *JobError
	submittedAt   time.Time
	deadlineAt    time.Time
	completedAt   time.Time
	completionRan bool
	cancelled     bool

	// transport retry bookkeeping
	transportFailures int
	nextCheckAt       time.Time
	retryDelay        backoff.BackOff

	deliver sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	poller *Poller
	guard  *TimeoutGuard
}

// closed reports whether further status input must be ignored.
// Caller holds j.mu.
func (j *job) closed() bool {
	return j.completionRan || j.cancelled
}

// snapshot copies the current state. Caller holds j.mu.
func (j *job) snapshot() Snapshot {
	s := Snapshot{
		JobID:       j.handle.JobID,
		Kind:        j.handle.Kind,
		State:       j.state,
		Progress:    j.progress,
		SubmittedAt: j.submittedAt,
		DeadlineAt:  j.deadlineAt,
	}
	if j.result != nil {
		r := *j.result
		s.Result = &r
	}
	if j.failure != nil {
		s.ErrorReason = j.failure.Reason
		s.ErrorMessage = j.failure.Message
	}
	if !j.completedAt.IsZero() {
		t := j.completedAt
		s.CompletedAt = &t
	}
	return s
}

// releaseTimers stops polling and the deadline and aborts in-flight requests.
// Safe from any goroutine, including the poll check itself.
func (j *job) releaseTimers() {
	if j.poller != nil {
		j.poller.Stop()
	}
	if j.guard != nil {
		j.guard.Stop()
	}
	if j.cancel != nil {
		j.cancel()
	}
}
