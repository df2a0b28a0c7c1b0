package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/reelforge/jobwatch/internal/model"
	"github.com/reelforge/jobwatch/internal/watch"
	"github.com/reelforge/jobwatch/pkg/response"
)

// Watcher is the part of the orchestrator the HTTP layer drives.
type Watcher interface {
	Submit(ctx context.Context, kind watch.Kind, payload any, n watch.Notifier) (watch.Handle, error)
	Get(h watch.Handle) (watch.Snapshot, bool)
	Active() []watch.Snapshot
	Cancel(h watch.Handle) bool
	KindConfig(kind watch.Kind) (watch.KindConfig, bool)
}

// JobStore serves jobs the orchestrator no longer tracks.
type JobStore interface {
	Get(ctx context.Context, h watch.Handle) (*model.Job, error)
	MarkCanceled(ctx context.Context, h watch.Handle) error
}

type JobHandler struct {
	watcher   Watcher
	store     JobStore
	notifier  watch.Notifier
	validator *validator.Validate
	logger    *slog.Logger
}

// NewJobHandler creates the job API handler. store may be nil.
func NewJobHandler(w Watcher, store JobStore, n watch.Notifier, v *validator.Validate, logger *slog.Logger) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{
		watcher:   w,
		store:     store,
		notifier:  n,
		validator: v,
		logger:    logger.With("component", "job_handler"),
	}
}

// Submit handles POST /api/jobs/:kind
// @Summary      Submit job
// @Description  Submit a job to the backend and start watching it
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        kind path string true "Job kind"
// @Success      202 {object} model.SubmitResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{kind} [post]
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	kind := watch.Kind(c.Params("kind"))
	if _, ok := h.watcher.KindConfig(kind); !ok {
		return response.NotFound(c, fmt.Sprintf("Unknown job kind %q", kind))
	}

	payload := model.NewJobRequest(string(kind))
	if payload == nil {
		payload = &map[string]any{}
	}
	if err := c.BodyParser(payload); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if _, typed := payload.(*map[string]any); !typed {
		if err := h.validator.Struct(payload); err != nil {
			return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
		}
	}

	handle, err := h.watcher.Submit(c.UserContext(), kind, payload, h.notifier)
	if err != nil {
		return h.submitError(c, kind, err)
	}

	var createdAt time.Time
	if snap, ok := h.watcher.Get(handle); ok {
		createdAt = snap.SubmittedAt
	}

	return response.Accepted(c, model.SubmitResponse{
		JobID:     handle.JobID,
		Kind:      string(handle.Kind),
		Status:    model.JobStatusQueued,
		StatusURL: fmt.Sprintf("/api/jobs/%s/%s", handle.Kind, handle.JobID),
		SocketURL: fmt.Sprintf("/ws/jobs/%s/%s", handle.Kind, handle.JobID),
		CreatedAt: createdAt,
	})
}

func (h *JobHandler) submitError(c *fiber.Ctx, kind watch.Kind, err error) error {
	switch {
	case errors.Is(err, watch.ErrUnknownKind):
		return response.NotFound(c, fmt.Sprintf("Unknown job kind %q", kind))
	case errors.Is(err, watch.ErrShutdown):
		return response.Unavailable(c, "Service is shutting down")
	case errors.Is(err, watch.ErrSubmission):
		h.logger.Warn("job submission failed", "kind", kind, "error", err)
		return response.SubmissionFailed(c, "Job submission failed", fiber.Map{"reason": watch.ReasonSubmission})
	default:
		return response.ServiceError(c, err.Error())
	}
}

// Status handles GET /api/jobs/:kind/:jobId
// @Summary      Get job status
// @Description  Current state of a watched job, or its last stored state
// @Tags         Jobs
// @Produce      json
// @Param        kind path string true "Job kind"
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.Job
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{kind}/{jobId} [get]
func (h *JobHandler) Status(c *fiber.Ctx) error {
	handle := handleFromParams(c)
	if handle.IsZero() {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	if snap, ok := h.watcher.Get(handle); ok {
		return response.OK(c, model.JobFromSnapshot(snap))
	}

	job, err := h.lookup(c.UserContext(), handle)
	if err != nil {
		if errors.Is(err, watch.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, job)
}

// List handles GET /api/jobs
// @Summary      List active jobs
// @Tags         Jobs
// @Produce      json
// @Param        kind query string false "Filter by kind"
// @Success      200 {object} model.JobListResponse
// @Security     BearerAuth
// @Router       /api/jobs [get]
func (h *JobHandler) List(c *fiber.Ctx) error {
	filter := watch.Kind(c.Query("kind"))

	jobs := make([]*model.Job, 0)
	for _, snap := range h.watcher.Active() {
		if filter != "" && snap.Kind != filter {
			continue
		}
		jobs = append(jobs, model.JobFromSnapshot(snap))
	}
	return response.OK(c, model.JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// Cancel handles POST /api/jobs/:kind/:jobId/cancel
// @Summary      Cancel job
// @Description  Stop watching a job; no outcome is reported afterwards
// @Tags         Jobs
// @Produce      json
// @Param        kind path string true "Job kind"
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.CancelResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{kind}/{jobId}/cancel [post]
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	handle := handleFromParams(c)
	if handle.IsZero() {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	if !h.watcher.Cancel(handle) {
		job, err := h.lookup(c.UserContext(), handle)
		if err != nil {
			if errors.Is(err, watch.ErrJobNotFound) {
				return response.NotFound(c, "Job not found")
			}
			return response.ServiceError(c, err.Error())
		}
		if job.IsTerminal() {
			return response.Conflict(c, "Job already completed")
		}
		return response.NotFound(c, "Job is not being watched")
	}

	if h.store != nil {
		if err := h.store.MarkCanceled(c.UserContext(), handle); err != nil {
			h.logger.Warn("failed to store cancellation", "job", handle.String(), "error", err)
		}
	}

	h.logger.Info("job cancelled", "kind", handle.Kind, "jobId", handle.JobID)
	return response.OK(c, model.CancelResponse{
		Success: true,
		JobID:   handle.JobID,
		Kind:    string(handle.Kind),
		Status:  model.JobStatusCanceled,
	})
}

func (h *JobHandler) lookup(ctx context.Context, handle watch.Handle) (*model.Job, error) {
	if h.store == nil {
		return nil, watch.ErrJobNotFound
	}
	return h.store.Get(ctx, handle)
}

func handleFromParams(c *fiber.Ctx) watch.Handle {
	return watch.Handle{Kind: watch.Kind(c.Params("kind")), JobID: c.Params("jobId")}
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
