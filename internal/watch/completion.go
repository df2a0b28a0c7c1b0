package watch

import (
	"context"
	"errors"
	"time"
)

// complete moves j to its terminal state and runs the completion side
// effects. Only the first caller for a job gets past the completionRan
// guard; later poll results, timeouts and cancels are no-ops.
func (o *Orchestrator) complete(j *job, state State, result *Result, failure *JobError) {
	j.deliver.Lock()
	defer j.deliver.Unlock()
	j.mu.Lock()
	if j.closed() {
		j.mu.Unlock()
		return
	}
	j.completionRan = true
	j.state = state
	j.completedAt = time.Now()
	if state == StateReady {
		j.result = result
		j.progress = 1
		j.progressSeen = true
	} else {
		j.failure = failure
	}
	snap := j.snapshot()
	elapsed := j.completedAt.Sub(j.submittedAt)
	j.mu.Unlock()

	j.releaseTimers()

	reason := Reason("")
	if failure != nil {
		reason = failure.Reason
	}
	o.recorder.JobCompleted(j.handle.Kind, state, reason, elapsed)

	if state == StateReady {
		o.logger.Info("job ready", "kind", j.handle.Kind, "jobId", j.handle.JobID,
			"outputUrl", result.OutputURL, "elapsed", elapsed)
		j.notifier.OnSuccess(snap, *result)
		if perr := o.persist(j, *result); perr != nil {
			o.recorder.PersistFailed(j.handle.Kind)
			o.reportPersistenceError(j, snap, perr)
		}
	} else {
		o.logger.Warn("job failed", "kind", j.handle.Kind, "jobId", j.handle.JobID,
			"reason", failure.Reason, "message", failure.Message, "elapsed", elapsed)
		j.notifier.OnFailure(snap, failure)
	}

	o.mu.Lock()
	if o.jobs[j.handle] == j {
		delete(o.jobs, j.handle)
	}
	o.mu.Unlock()
}

// persist records a Ready result. It never changes the job's state.
func (o *Orchestrator) persist(j *job, r Result) *JobError {
	if o.persister == nil {
		return nil
	}
	if r.OutputURL == "" {
		return newJobError(ReasonPersistence, j.handle, "ready status carried no output url", nil)
	}

	ctx, cancel := context.WithTimeout(o.baseCtx, o.persistTimeout)
	defer cancel()

	rec := Record{
		Kind:      j.handle.Kind,
		JobID:     j.handle.JobID,
		OutputURL: r.OutputURL,
		Format:    r.Format,
	}
	if err := o.persister.Persist(ctx, rec); err != nil {
		var je *JobError
		if errors.As(err, &je) && je.Reason == ReasonPersistence {
			return je
		}
		return newJobError(ReasonPersistence, j.handle, err.Error(), err)
	}
	o.logger.Debug("job result persisted", "kind", j.handle.Kind, "jobId", j.handle.JobID)
	return nil
}

func (o *Orchestrator) reportPersistenceError(j *job, snap Snapshot, err *JobError) {
	if obs, ok := j.notifier.(PersistenceObserver); ok {
		obs.OnPersistenceError(snap, err)
		return
	}
	o.logger.Error("persisting job result failed", "kind", j.handle.Kind, "jobId", j.handle.JobID, "error", err)
}
