// Package watch tracks long-running backend jobs from submission to a single
// terminal outcome. One Orchestrator serves every job kind; kinds differ only
// in the KindConfig they are registered with.
package watch

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Kind identifies a family of backend jobs.
type Kind string

const (
	KindRender     Kind = "render"
	KindGeneration Kind = "generation"
	KindDownload   Kind = "download"
)

// State is the canonical job state every raw backend status reduces to.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateReady      State = "ready"
	StateFailed     State = "failed"
)

// IsTerminal reports whether no further transition can follow s.
func (s State) IsTerminal() bool {
	return s == StateReady || s == StateFailed
}

func (s State) rank() int {
	switch s {
	case StateQueued:
		return 0
	case StateProcessing:
		return 1
	case StateReady, StateFailed:
		return 2
	}
	return -1
}

// ParseState converts a canonical state name.
func ParseState(v string) (State, error) {
	switch s := State(strings.ToLower(strings.TrimSpace(v))); s {
	case StateQueued, StateProcessing, StateReady, StateFailed:
		return s, nil
	}
	return "", fmt.Errorf("unknown canonical state %q", v)
}

// Status is one status response, reduced to what the orchestrator needs.
// Progress is in backend units; KindConfig.ProgressScale converts it.
type Status struct {
	Raw       string
	Progress  *float64
	OutputURL string
	Message   string
}

// Descriptor is returned by a successful submission.
type Descriptor struct {
	JobID      string `json:"jobId"`
	Kind       Kind   `json:"kind"`
	StatusPath string `json:"statusPath,omitempty"`
}

// Result locates the output of a Ready job.
type Result struct {
	OutputURL string `json:"outputUrl"`
	Format    string `json:"format,omitempty"`
}

// Record is what gets persisted once a job is Ready.
type Record struct {
	Kind      Kind   `json:"kind"`
	JobID     string `json:"jobId"`
	OutputURL string `json:"outputUrl"`
	Format    string `json:"format,omitempty"`
}

// Handle identifies a tracked job. The zero Handle refers to nothing.
type Handle struct {
	Kind  Kind
	JobID string
}

func (h Handle) String() string {
	return string(h.Kind) + "/" + h.JobID
}

// IsZero reports whether h was returned by a failed submission.
func (h Handle) IsZero() bool {
	return h.JobID == ""
}

// Snapshot is a read-only copy of a job's state.
type Snapshot struct {
	JobID        string     `json:"jobId,omitempty"`
	Kind         Kind       `json:"kind"`
	State        State      `json:"state"`
	Progress     float64    `json:"progress"`
	Result       *Result    `json:"result,omitempty"`
	ErrorReason  Reason     `json:"errorReason,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	DeadlineAt   time.Time  `json:"deadlineAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// Handle returns the handle of the job the snapshot was taken from.
func (s Snapshot) Handle() Handle {
	return Handle{Kind: s.Kind, JobID: s.JobID}
}

// ClampFraction bounds an advisory progress value to [0,1].
func ClampFraction(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
