package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const defaultPersistTimeout = 30 * time.Second

// Config wires an Orchestrator. Submitter, Checker and at least one kind are
// required; a nil Persister skips persistence.
type Config struct {
	Submitter      Submitter
	Checker        StatusChecker
	Persister      Persister
	Kinds          []KindConfig
	Recorder       Recorder
	Logger         *slog.Logger
	PersistTimeout time.Duration
}

type kindRuntime struct {
	cfg        KindConfig
	classifier *Classifier
}

// Orchestrator owns the lifecycle of every tracked job.
type Orchestrator struct {
	submitter      Submitter
	checker        StatusChecker
	persister      Persister
	kinds          map[Kind]*kindRuntime
	recorder       Recorder
	logger         *slog.Logger
	persistTimeout time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	jobs     map[Handle]*job
	shutdown bool
}

// New validates cfg and returns a ready Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Submitter == nil {
		return nil, errors.New("watch: submitter is required")
	}
	if cfg.Checker == nil {
		return nil, errors.New("watch: status checker is required")
	}
	if len(cfg.Kinds) == 0 {
		return nil, errors.New("watch: at least one kind is required")
	}

	kinds := make(map[Kind]*kindRuntime, len(cfg.Kinds))
	for _, kc := range cfg.Kinds {
		if err := kc.Validate(); err != nil {
			return nil, fmt.Errorf("watch: %w", err)
		}
		if _, dup := kinds[kc.Kind]; dup {
			return nil, fmt.Errorf("watch: kind %s registered twice", kc.Kind)
		}
		if kc.Transport.Mode == "" {
			kc.Transport.Mode = TransportAbort
		}
		kinds[kc.Kind] = &kindRuntime{cfg: kc, classifier: NewClassifier(kc.Statuses)}
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	persistTimeout := cfg.PersistTimeout
	if persistTimeout <= 0 {
		persistTimeout = defaultPersistTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		submitter:      cfg.Submitter,
		checker:        cfg.Checker,
		persister:      cfg.Persister,
		kinds:          kinds,
		recorder:       recorder,
		logger:         logger.With("component", "watch"),
		persistTimeout: persistTimeout,
		baseCtx:        ctx,
		baseCancel:     cancel,
		jobs:           make(map[Handle]*job),
	}, nil
}

// Kinds lists the registered kinds in name order.
func (o *Orchestrator) Kinds() []Kind {
	out := make([]Kind, 0, len(o.kinds))
	for k := range o.kinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KindConfig returns the configuration a kind was registered with.
func (o *Orchestrator) KindConfig(kind Kind) (KindConfig, bool) {
	rt, ok := o.kinds[kind]
	if !ok {
		return KindConfig{}, false
	}
	return rt.cfg, true
}

// Submit creates a backend job and starts watching it. On a submission
// failure n.OnFailure is called once before Submit returns the same
// *JobError; no job is tracked and no timer is started.
func (o *Orchestrator) Submit(ctx context.Context, kind Kind, payload any, n Notifier) (Handle, error) {
	rt, ok := o.kinds[kind]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if n == nil {
		n = nopNotifier{}
	}
	if o.isShutdown() {
		return Handle{}, ErrShutdown
	}

	desc, err := o.submitter.Submit(ctx, kind, payload)
	if err == nil && desc.JobID == "" {
		err = errors.New("response carried no job id")
	}
	if err != nil {
		jerr := newJobError(ReasonSubmission, Handle{Kind: kind}, err.Error(), err)
		o.recorder.SubmissionFailed(kind)
		o.logger.Warn("job submission failed", "kind", kind, "error", err)
		n.OnFailure(Snapshot{Kind: kind, State: StateFailed, ErrorReason: ReasonSubmission, ErrorMessage: jerr.Message}, jerr)
		return Handle{}, jerr
	}
	desc.Kind = kind

	now := time.Now()
	h := Handle{Kind: kind, JobID: desc.JobID}
	j := &job{
		handle:      h,
		kind:        rt,
		descriptor:  desc,
		notifier:    n,
		state:       StateQueued,
		submittedAt: now,
		deadlineAt:  now.Add(rt.cfg.Timeout),
	}
	j.ctx, j.cancel = context.WithCancel(o.baseCtx)
	j.poller = NewPoller(rt.cfg.PollInterval, func(ctx context.Context) { o.poll(ctx, j) }, func() { o.recorder.PollSkipped(kind) })

	o.mu.Lock()
	if o.shutdown {
		o.mu.Unlock()
		j.cancel()
		return Handle{}, ErrShutdown
	}
	if _, dup := o.jobs[h]; dup {
		o.mu.Unlock()
		j.cancel()
		jerr := newJobError(ReasonSubmission, h, "backend returned a job id that is already tracked", nil)
		o.recorder.SubmissionFailed(kind)
		n.OnFailure(Snapshot{Kind: kind, JobID: h.JobID, State: StateFailed, ErrorReason: ReasonSubmission, ErrorMessage: jerr.Message}, jerr)
		return Handle{}, jerr
	}
	o.jobs[h] = j
	o.mu.Unlock()

	o.recorder.JobSubmitted(kind)
	o.logger.Info("job submitted", "kind", kind, "jobId", h.JobID, "timeout", rt.cfg.Timeout)

	// Hold deliver so OnSubmitted precedes anything the timers produce.
	j.deliver.Lock()
	j.mu.Lock()
	if !j.cancelled {
		j.guard = StartTimeoutGuard(rt.cfg.Timeout, func() { o.handleTimeout(j) })
		j.poller.Start(j.ctx)
	}
	snap := j.snapshot()
	j.mu.Unlock()
	n.OnSubmitted(snap)
	j.deliver.Unlock()

	return h, nil
}

// Cancel stops watching a job: its timers are released before Cancel returns
// and no completion side effect or notifier outcome follows. It reports
// false when the job is unknown or already terminal.
func (o *Orchestrator) Cancel(h Handle) bool {
	o.mu.Lock()
	j, ok := o.jobs[h]
	if !ok {
		o.mu.Unlock()
		return false
	}
	j.mu.Lock()
	if j.closed() {
		j.mu.Unlock()
		o.mu.Unlock()
		return false
	}
	j.cancelled = true
	delete(o.jobs, h)
	j.mu.Unlock()
	o.mu.Unlock()

	j.releaseTimers()
	o.recorder.JobCancelled(h.Kind)
	o.logger.Info("job cancelled", "kind", h.Kind, "jobId", h.JobID)
	return true
}

// Get returns a snapshot of a tracked job.
func (o *Orchestrator) Get(h Handle) (Snapshot, bool) {
	o.mu.Lock()
	j, ok := o.jobs[h]
	o.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshot(), true
}

// Active returns snapshots of every tracked job, oldest first.
func (o *Orchestrator) Active() []Snapshot {
	o.mu.Lock()
	jobs := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		jobs = append(jobs, j)
	}
	o.mu.Unlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		out = append(out, j.snapshot())
		j.mu.Unlock()
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SubmittedAt.Before(out[k].SubmittedAt) })
	return out
}

// Shutdown cancels every tracked job and waits for their pollers to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shutdown = true
	handles := make([]Handle, 0, len(o.jobs))
	pollers := make([]*Poller, 0, len(o.jobs))
	for h, j := range o.jobs {
		handles = append(handles, h)
		pollers = append(pollers, j.poller)
	}
	o.mu.Unlock()

	for _, h := range handles {
		o.Cancel(h)
	}
	o.baseCancel()

	done := make(chan struct{})
	go func() {
		for _, p := range pollers {
			p.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) isShutdown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shutdown
}

// poll performs one status check for j.
func (o *Orchestrator) poll(ctx context.Context, j *job) {
	j.mu.Lock()
	if j.closed() {
		j.mu.Unlock()
		return
	}
	if !j.nextCheckAt.IsZero() && time.Now().Before(j.nextCheckAt) {
		// backing off after a transport error
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()

	status, err := o.checker.CheckStatus(ctx, j.descriptor)
	if err != nil {
		if ctx.Err() != nil {
			// cancelled or finished while the request was out
			return
		}
		o.handleTransportError(j, err)
		return
	}
	o.handleStatus(j, status)
}

// handleStatus applies one classified status response to j.
func (o *Orchestrator) handleStatus(j *job, st Status) {
	state, known := j.kind.classifier.Classify(st.Raw)
	if !known {
		o.logger.Warn("unknown job status, treating as processing",
			"kind", j.handle.Kind, "jobId", j.handle.JobID, "status", st.Raw)
	}

	switch state {
	case StateReady:
		o.complete(j, StateReady, &Result{OutputURL: st.OutputURL, Format: j.kind.cfg.Format}, nil)
		return
	case StateFailed:
		msg := st.Message
		if msg == "" {
			msg = fmt.Sprintf("backend reported %q", st.Raw)
		}
		o.complete(j, StateFailed, nil, newJobError(ReasonClassified, j.handle, msg, nil))
		return
	}

	j.deliver.Lock()
	defer j.deliver.Unlock()
	j.mu.Lock()
	if j.closed() {
		j.mu.Unlock()
		return
	}
	j.transportFailures = 0
	j.nextCheckAt = time.Time{}
	j.retryDelay = nil
	if state.rank() > j.state.rank() {
		j.state = state
	}

	var (
		emit     bool
		fraction float64
	)
	if st.Progress != nil {
		fraction = j.kind.cfg.fraction(*st.Progress)
		if !j.progressSeen || fraction != j.progress {
			j.progress = fraction
			j.progressSeen = true
			emit = true
		}
	}
	if !emit {
		j.mu.Unlock()
		return
	}
	snap := j.snapshot()
	j.mu.Unlock()
	j.notifier.OnProgress(snap, fraction)
}

// handleTransportError applies the kind's transport policy to a failed
// status request.
func (o *Orchestrator) handleTransportError(j *job, err error) {
	o.recorder.TransportError(j.handle.Kind)
	policy := j.kind.cfg.Transport

	j.mu.Lock()
	if j.closed() {
		j.mu.Unlock()
		return
	}
	j.transportFailures++
	failures := j.transportFailures
	if policy.Mode == TransportRetry && failures <= policy.MaxRetries {
		if j.retryDelay == nil {
			j.retryDelay = policy.newBackOff()
		}
		delay := j.retryDelay.NextBackOff()
		j.nextCheckAt = time.Now().Add(delay)
		j.mu.Unlock()
		o.logger.Warn("status check failed, backing off",
			"kind", j.handle.Kind, "jobId", j.handle.JobID, "attempt", failures, "delay", delay, "error", err)
		return
	}
	j.mu.Unlock()

	o.logger.Error("status check failed",
		"kind", j.handle.Kind, "jobId", j.handle.JobID, "attempts", failures, "error", err)
	o.complete(j, StateFailed, nil, newJobError(ReasonPollingTransport, j.handle, err.Error(), err))
}

// handleTimeout is the TimeoutGuard callback.
func (o *Orchestrator) handleTimeout(j *job) {
	msg := fmt.Sprintf("no terminal status within %s", j.kind.cfg.Timeout)
	o.complete(j, StateFailed, nil, newJobError(ReasonTimeout, j.handle, msg, nil))
}
