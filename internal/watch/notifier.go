package watch

// Notifier receives lifecycle events for one job. Events for a job arrive in
// order and never concurrently. OnSuccess and OnFailure are mutually
// exclusive and each is delivered at most once.
//
// Callbacks may call back into the Orchestrator, for example Get or Cancel
// on the job being reported. A Cancel from inside OnSubmitted or OnProgress
// suppresses every later event for that job.
type Notifier interface {
	OnSubmitted(s Snapshot)
	OnProgress(s Snapshot, fraction float64)
	OnSuccess(s Snapshot, r Result)
	OnFailure(s Snapshot, err *JobError)
}

// PersistenceObserver is implemented by notifiers that want to hear about a
// Ready job whose result could not be persisted. It follows OnSuccess.
type PersistenceObserver interface {
	OnPersistenceError(s Snapshot, err *JobError)
}

// NotifierFuncs adapts plain functions to Notifier. Nil fields are skipped.
type NotifierFuncs struct {
	Submitted        func(s Snapshot)
	Progress         func(s Snapshot, fraction float64)
	Success          func(s Snapshot, r Result)
	Failure          func(s Snapshot, err *JobError)
	PersistenceError func(s Snapshot, err *JobError)
}

func (f NotifierFuncs) OnSubmitted(s Snapshot) {
	if f.Submitted != nil {
		f.Submitted(s)
	}
}

func (f NotifierFuncs) OnProgress(s Snapshot, fraction float64) {
	if f.Progress != nil {
		f.Progress(s, fraction)
	}
}

func (f NotifierFuncs) OnSuccess(s Snapshot, r Result) {
	if f.Success != nil {
		f.Success(s, r)
	}
}

func (f NotifierFuncs) OnFailure(s Snapshot, err *JobError) {
	if f.Failure != nil {
		f.Failure(s, err)
	}
}

func (f NotifierFuncs) OnPersistenceError(s Snapshot, err *JobError) {
	if f.PersistenceError != nil {
		f.PersistenceError(s, err)
	}
}

type multiNotifier []Notifier

// Notifiers fans every event out to each non-nil notifier in order.
func Notifiers(ns ...Notifier) Notifier {
	out := make(multiNotifier, 0, len(ns))
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

func (m multiNotifier) OnSubmitted(s Snapshot) {
	for _, n := range m {
		n.OnSubmitted(s)
	}
}

func (m multiNotifier) OnProgress(s Snapshot, fraction float64) {
	for _, n := range m {
		n.OnProgress(s, fraction)
	}
}

func (m multiNotifier) OnSuccess(s Snapshot, r Result) {
	for _, n := range m {
		n.OnSuccess(s, r)
	}
}

func (m multiNotifier) OnFailure(s Snapshot, err *JobError) {
	for _, n := range m {
		n.OnFailure(s, err)
	}
}

func (m multiNotifier) OnPersistenceError(s Snapshot, err *JobError) {
	for _, n := range m {
		if o, ok := n.(PersistenceObserver); ok {
			o.OnPersistenceError(s, err)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) OnSubmitted(Snapshot)          {}
func (nopNotifier) OnProgress(Snapshot, float64)  {}
func (nopNotifier) OnSuccess(Snapshot, Result)    {}
func (nopNotifier) OnFailure(Snapshot, *JobError) {}
