package watch

import "strings"

// Classifier maps a kind's raw status vocabulary onto canonical states.
type Classifier struct {
	table map[string]State
}

// NewClassifier builds a classifier from a raw status table. Keys are matched
// case-insensitively.
func NewClassifier(table map[string]State) *Classifier {
	t := make(map[string]State, len(table))
	for raw, state := range table {
		t[normalizeRaw(raw)] = state
	}
	return &Classifier{table: t}
}

// Classify returns the canonical state for raw. Unknown values map to
// StateProcessing with known=false; they are never terminal.
func (c *Classifier) Classify(raw string) (state State, known bool) {
	if s, ok := c.table[normalizeRaw(raw)]; ok {
		return s, true
	}
	return StateProcessing, false
}

func normalizeRaw(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Raw tokens produced by render-style status responses ({done, success}).
const (
	RawRunning   = "running"
	RawSucceeded = "succeeded"
	RawFailed    = "failed"
)

// RenderStatuses is the vocabulary for render-style backends.
func RenderStatuses() map[string]State {
	return map[string]State{
		"queued":     StateQueued,
		RawRunning:   StateProcessing,
		RawSucceeded: StateReady,
		RawFailed:    StateFailed,
	}
}

// GenerationStatuses is the pending/processing/completed/failed vocabulary.
func GenerationStatuses() map[string]State {
	return map[string]State{
		"pending":    StateQueued,
		"processing": StateProcessing,
		"completed":  StateReady,
		"failed":     StateFailed,
	}
}

// DownloadStatuses is the queued/processing/ready/error vocabulary.
func DownloadStatuses() map[string]State {
	return map[string]State{
		"queued":     StateQueued,
		"processing": StateProcessing,
		"ready":      StateReady,
		"error":      StateFailed,
	}
}
