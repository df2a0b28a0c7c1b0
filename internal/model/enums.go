package model

import "github.com/reelforge/jobwatch/internal/watch"

// Job status
type JobStatus string

const (
	JobStatusQueued               = JobStatus(watch.StateQueued)
	JobStatusProcessing           = JobStatus(watch.StateProcessing)
	JobStatusReady                = JobStatus(watch.StateReady)
	JobStatusFailed               = JobStatus(watch.StateFailed)
	JobStatusCanceled   JobStatus = "canceled"
)
