package watch

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrSubmission        = errors.New("submission failed")
	ErrPollingTransport  = errors.New("status check failed")
	ErrClassifiedFailure = errors.New("job failed")
	ErrTimeout           = errors.New("job timed out")
	ErrPersistence       = errors.New("persisting result failed")
	ErrUnknownKind       = errors.New("unknown job kind")
	ErrJobNotFound       = errors.New("job not found")
	ErrShutdown          = errors.New("orchestrator shut down")
)

// Reason classifies why a job failed, or why persisting its result failed.
type Reason string

const (
	ReasonSubmission       Reason = "submission_error"
	ReasonPollingTransport Reason = "polling_transport_error"
	ReasonClassified       Reason = "classified_failure"
	ReasonTimeout          Reason = "timeout"
	ReasonPersistence      Reason = "persistence_error"
)

func (r Reason) sentinel() error {
	switch r {
	case ReasonSubmission:
		return ErrSubmission
	case ReasonPollingTransport:
		return ErrPollingTransport
	case ReasonClassified:
		return ErrClassifiedFailure
	case ReasonTimeout:
		return ErrTimeout
	case ReasonPersistence:
		return ErrPersistence
	}
	return nil
}

// JobError is the only error shape handed to notifiers.
type JobError struct {
	Reason  Reason
	Kind    Kind
	JobID   string
	Message string
	Cause   error
}

func (e *JobError) Error() string {
	id := e.JobID
	if id == "" {
		id = "-"
	}
	if e.Message == "" {
		return fmt.Sprintf("%s job %s: %s", e.Kind, id, e.Reason)
	}
	return fmt.Sprintf("%s job %s: %s: %s", e.Kind, id, e.Reason, e.Message)
}

// Unwrap exposes both the reason sentinel and the underlying cause.
func (e *JobError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Reason.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func newJobError(reason Reason, h Handle, message string, cause error) *JobError {
	return &JobError{
		Reason:  reason,
		Kind:    h.Kind,
		JobID:   h.JobID,
		Message: message,
		Cause:   cause,
	}
}

// ReasonOf returns the Reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je.Reason, true
	}
	return "", false
}
