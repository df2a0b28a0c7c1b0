package model

import (
	"math"
	"time"

	"github.com/reelforge/jobwatch/internal/watch"
)

// Job is the stored view of a watched job. It outlives the in-memory
// tracking entry so clients can read the outcome after completion.
type Job struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"` // percent
	OutputURL    string     `json:"outputUrl,omitempty"`
	Format       string     `json:"format,omitempty"`
	ErrorReason  string     `json:"errorReason,omitempty"`
	Error        *string    `json:"error,omitempty"`
	PersistError *string    `json:"persistError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	DeadlineAt   time.Time  `json:"deadlineAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// JobFromSnapshot converts an orchestrator snapshot.
func JobFromSnapshot(s watch.Snapshot) *Job {
	job := &Job{
		ID:          s.JobID,
		Kind:        string(s.Kind),
		Status:      JobStatus(s.State),
		Progress:    int(math.Round(s.Progress * 100)),
		ErrorReason: string(s.ErrorReason),
		CreatedAt:   s.SubmittedAt,
		DeadlineAt:  s.DeadlineAt,
		CompletedAt: s.CompletedAt,
	}
	if s.Result != nil {
		job.OutputURL = s.Result.OutputURL
		job.Format = s.Result.Format
	}
	if s.ErrorMessage != "" {
		msg := s.ErrorMessage
		job.Error = &msg
	}
	return job
}

// IsTerminal reports whether the job can no longer change status.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusReady, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// SubmitResponse is returned by POST /api/jobs/:kind.
type SubmitResponse struct {
	JobID     string    `json:"jobId"`
	Kind      string    `json:"kind"`
	Status    JobStatus `json:"status"`
	StatusURL string    `json:"statusUrl"`
	SocketURL string    `json:"socketUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobListResponse lists the jobs currently being watched.
type JobListResponse struct {
	Jobs  []*Job `json:"jobs"`
	Count int    `json:"count"`
}

// CancelResponse is returned by POST /api/jobs/:kind/:jobId/cancel.
type CancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Kind    string    `json:"kind"`
	Status  JobStatus `json:"status"`
}

// RenderJobRequest composes a project into a video.
type RenderJobRequest struct {
	ProjectID   string `json:"projectId" validate:"required,uuid"`
	Composition string `json:"composition" validate:"required,min=1,max=200"`
	Resolution  string `json:"resolution,omitempty" validate:"omitempty,oneof=720p 1080p 2160p"`
	FPS         int    `json:"fps,omitempty" validate:"omitempty,min=12,max=60"`
}

// GenerationJobRequest asks for a talking-avatar clip.
type GenerationJobRequest struct {
	AvatarID string `json:"avatarId" validate:"required"`
	Script   string `json:"script" validate:"required,min=1,max=5000"`
	Voice    string `json:"voice,omitempty" validate:"omitempty,max=64"`
}

// DownloadJobRequest fetches remote media.
type DownloadJobRequest struct {
	SourceURL string `json:"sourceUrl" validate:"required,url"`
	Format    string `json:"format,omitempty" validate:"omitempty,oneof=mp4 webm mp3"`
}

// NewJobRequest returns an empty request body for kind, or nil when the
// kind takes a free-form payload.
func NewJobRequest(kind string) any {
	switch watch.Kind(kind) {
	case watch.KindRender:
		return &RenderJobRequest{}
	case watch.KindGeneration:
		return &GenerationJobRequest{}
	case watch.KindDownload:
		return &DownloadJobRequest{}
	}
	return nil
}
