package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type step struct {
	status Status
	err    error
	delay  time.Duration
}

// scriptedBackend replays status steps in order, repeating the last one.
type scriptedBackend struct {
	mu          sync.Mutex
	jobID       string
	submitErr   error
	submits     int
	script      []step
	checks      int
	inFlight    int
	maxInFlight int
}

func newScriptedBackend(jobID string, script ...step) *scriptedBackend {
	return &scriptedBackend{jobID: jobID, script: script}
}

func (b *scriptedBackend) Submit(ctx context.Context, kind Kind, payload any) (Descriptor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submits++
	if b.submitErr != nil {
		return Descriptor{}, b.submitErr
	}
	return Descriptor{JobID: b.jobID, StatusPath: "/status/" + b.jobID}, nil
}

func (b *scriptedBackend) CheckStatus(ctx context.Context, d Descriptor) (Status, error) {
	b.mu.Lock()
	i := b.checks
	b.checks++
	if i >= len(b.script) {
		i = len(b.script) - 1
	}
	s := b.script[i]
	b.inFlight++
	if b.inFlight > b.maxInFlight {
		b.maxInFlight = b.inFlight
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.status, s.err
}

func (b *scriptedBackend) checkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checks
}

type recordingPersister struct {
	mu      sync.Mutex
	err     error
	records []Record
}

func (p *recordingPersister) Persist(ctx context.Context, rec Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return p.err
}

func (p *recordingPersister) calls() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Record(nil), p.records...)
}

type event struct {
	name     string
	snap     Snapshot
	fraction float64
	result   Result
	err      *JobError
}

// eventLog records notifier callbacks in arrival order.
type eventLog struct {
	mu     sync.Mutex
	events []event
}

func (l *eventLog) add(e event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) OnSubmitted(s Snapshot) { l.add(event{name: "submitted", snap: s}) }
func (l *eventLog) OnProgress(s Snapshot, f float64) {
	l.add(event{name: "progress", snap: s, fraction: f})
}
func (l *eventLog) OnSuccess(s Snapshot, r Result) { l.add(event{name: "success", snap: s, result: r}) }
func (l *eventLog) OnFailure(s Snapshot, err *JobError) {
	l.add(event{name: "failure", snap: s, err: err})
}
func (l *eventLog) OnPersistenceError(s Snapshot, err *JobError) {
	l.add(event{name: "persistence_error", snap: s, err: err})
}

func (l *eventLog) all() []event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event(nil), l.events...)
}

func (l *eventLog) names() []string {
	var out []string
	for _, e := range l.all() {
		out = append(out, e.name)
	}
	return out
}

func (l *eventLog) count(name string) int {
	n := 0
	for _, e := range l.all() {
		if e.name == name {
			n++
		}
	}
	return n
}

func (l *eventLog) first(name string) (event, bool) {
	for _, e := range l.all() {
		if e.name == name {
			return e, true
		}
	}
	return event{}, false
}

func (l *eventLog) outcomes() int {
	return l.count("success") + l.count("failure")
}

func testKind(interval, timeout time.Duration) KindConfig {
	return KindConfig{
		Kind:         KindGeneration,
		PollInterval: interval,
		Timeout:      timeout,
		Statuses:     GenerationStatuses(),
		Format:       "mp4",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, backend *scriptedBackend, persister Persister, kinds ...KindConfig) *Orchestrator {
	t.Helper()
	cfg := Config{
		Submitter: backend,
		Checker:   backend,
		Kinds:     kinds,
		Logger:    discardLogger(),
	}
	if persister != nil {
		cfg.Persister = persister
	}
	o, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o
}

// trackedJob returns the internal record for h.
func trackedJob(t *testing.T, o *Orchestrator, h Handle) *job {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[h]
	require.True(t, ok, "job %s not tracked", h)
	return j
}

func progress(v float64) *float64 { return &v }

var errBoom = errors.New("connection reset by peer")
