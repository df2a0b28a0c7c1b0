package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifier(t *testing.T) {
	tests := []struct {
		name      string
		table     map[string]State
		raw       string
		want      State
		wantKnown bool
	}{
		{"render running", RenderStatuses(), "running", StateProcessing, true},
		{"render succeeded", RenderStatuses(), "succeeded", StateReady, true},
		{"render failed", RenderStatuses(), "failed", StateFailed, true},
		{"generation pending", GenerationStatuses(), "pending", StateQueued, true},
		{"generation processing", GenerationStatuses(), "processing", StateProcessing, true},
		{"generation completed", GenerationStatuses(), "completed", StateReady, true},
		{"generation failed", GenerationStatuses(), "failed", StateFailed, true},
		{"download queued", DownloadStatuses(), "queued", StateQueued, true},
		{"download ready", DownloadStatuses(), "ready", StateReady, true},
		{"download error", DownloadStatuses(), "error", StateFailed, true},
		{"case and spaces", DownloadStatuses(), "  READY ", StateReady, true},
		{"unknown", DownloadStatuses(), "transcoding", StateProcessing, false},
		{"empty", GenerationStatuses(), "", StateProcessing, false},
		{"vocabularies do not mix", DownloadStatuses(), "completed", StateProcessing, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, known := NewClassifier(tt.table).Classify(tt.raw)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantKnown, known)
		})
	}
}

func TestClassifier_UnknownIsNeverTerminal(t *testing.T) {
	c := NewClassifier(GenerationStatuses())
	for _, raw := range []string{"done", "error", "ok", "success", "cancelled", "???"} {
		got, _ := c.Classify(raw)
		assert.False(t, got.IsTerminal(), raw)
	}
}

func TestClampFraction(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{-1, 0},
		{0, 0},
		{0.3, 0.3},
		{1, 1},
		{1.5, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClampFraction(tt.in))
	}
}

func TestParseState(t *testing.T) {
	s, err := ParseState(" Ready ")
	assert.NoError(t, err)
	assert.Equal(t, StateReady, s)

	_, err = ParseState("done")
	assert.Error(t, err)
}
