package watch

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TransportMode selects what a failed status request does to a job.
type TransportMode string

const (
	// TransportAbort fails the job on the first transport error.
	TransportAbort TransportMode = "abort"
	// TransportRetry tolerates MaxRetries consecutive transport errors,
	// spacing checks with exponential backoff; the next error fails the job.
	TransportRetry TransportMode = "retry"
)

// BackoffConfig bounds the wait between retried status checks. Zero values
// use 500ms and 30s.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

// TransportPolicy is the per-kind answer to a failed status request.
type TransportPolicy struct {
	Mode       TransportMode
	MaxRetries int
	Backoff    BackoffConfig
}

// newBackOff returns a fresh doubling schedule without jitter or elapsed
// time limit; MaxRetries bounds the attempts instead.
func (p TransportPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	if p.Backoff.Initial > 0 {
		b.InitialInterval = p.Backoff.Initial
	}
	if p.Backoff.Max > 0 {
		b.MaxInterval = p.Backoff.Max
	} else {
		b.MaxInterval = 30 * time.Second
	}
	b.Reset()
	return b
}

// AbortOnTransportError fails the job on the first failed status request.
func AbortOnTransportError() TransportPolicy {
	return TransportPolicy{Mode: TransportAbort}
}

// RetryWithBackoff tolerates maxRetries consecutive failed status requests
// and fails the job on the one after.
func RetryWithBackoff(maxRetries int, cfg BackoffConfig) TransportPolicy {
	return TransportPolicy{Mode: TransportRetry, MaxRetries: maxRetries, Backoff: cfg}
}

// KindConfig holds everything that differs between job kinds.
type KindConfig struct {
	Kind          Kind
	PollInterval  time.Duration
	Timeout       time.Duration
	Statuses      map[string]State
	ProgressScale float64
	Format        string
	Transport     TransportPolicy
}

// Validate reports the first impossible setting.
func (c KindConfig) Validate() error {
	if c.Kind == "" {
		return errors.New("kind name is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("kind %s: poll interval must be positive", c.Kind)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("kind %s: timeout must be positive", c.Kind)
	}
	if len(c.Statuses) == 0 {
		return fmt.Errorf("kind %s: status table is empty", c.Kind)
	}
	var ready, failed bool
	for raw, s := range c.Statuses {
		if s.rank() < 0 {
			return fmt.Errorf("kind %s: status %q maps to unknown state %q", c.Kind, raw, s)
		}
		ready = ready || s == StateReady
		failed = failed || s == StateFailed
	}
	if !ready || !failed {
		return fmt.Errorf("kind %s: status table needs both a ready and a failed entry", c.Kind)
	}
	if c.ProgressScale < 0 {
		return fmt.Errorf("kind %s: progress scale must not be negative", c.Kind)
	}
	switch c.Transport.Mode {
	case "", TransportAbort:
	case TransportRetry:
		if c.Transport.MaxRetries < 1 {
			return fmt.Errorf("kind %s: retry policy needs at least one retry", c.Kind)
		}
	default:
		return fmt.Errorf("kind %s: unknown transport policy %q", c.Kind, c.Transport.Mode)
	}
	return nil
}

func (c KindConfig) fraction(raw float64) float64 {
	scale := c.ProgressScale
	if scale == 0 {
		scale = 1
	}
	return ClampFraction(raw / scale)
}

// DefaultKinds returns the render, generation and download kinds with their
// stock intervals, timeouts and vocabularies.
func DefaultKinds() []KindConfig {
	return []KindConfig{
		{
			Kind:         KindRender,
			PollInterval: 2 * time.Second,
			Timeout:      5 * time.Minute,
			Statuses:     RenderStatuses(),
			Format:       "mp4",
			Transport:    AbortOnTransportError(),
		},
		{
			Kind:          KindGeneration,
			PollInterval:  5 * time.Second,
			Timeout:       10 * time.Minute,
			Statuses:      GenerationStatuses(),
			ProgressScale: 100,
			Format:        "mp4",
			Transport:     AbortOnTransportError(),
		},
		{
			Kind:         KindDownload,
			PollInterval: 3 * time.Second,
			Timeout:      5 * time.Minute,
			Statuses:     DownloadStatuses(),
			Format:       "mp4",
			Transport:    AbortOnTransportError(),
		},
	}
}
