package handler

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sonicsplit/api/internal/middleware"
	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/internal/service"
	"github.com/sonicsplit/api/pkg/response"
)

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
	logger    *slog.Logger
}

func NewJobHandler(svc *service.JobService, v *validator.Validate, logger *slog.Logger) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
		logger:    logger.With(slog.String("component", "job_handler")),
	}
}

// Create handles POST /api/jobs with a multipart "file" field. The job is
// returned as soon as it is recorded; processing runs in the background.
func (h *JobHandler) Create(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	form := model.UploadJobForm{FileName: file.Filename, Size: file.Size}
	if err := h.validator.Struct(form); err != nil {
		return response.ValidationError(c, "Invalid file", formatValidationErrors(err))
	}

	if file.Size > h.service.MaxUploadBytes() {
		return response.TooLarge(c, fmt.Sprintf("File size exceeds %d bytes", h.service.MaxUploadBytes()))
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	job, err := h.service.UploadAndCreateJob(c.UserContext(), middleware.GetUserID(c), &model.Upload{
		FileName:    file.Filename,
		ContentType: file.Header.Get("Content-Type"),
		Size:        file.Size,
		Body:        f,
	})
	if err != nil {
		return h.jobError(c, err)
	}

	return response.Created(c, job)
}

// List handles GET /api/jobs
func (h *JobHandler) List(c *fiber.Ctx) error {
	jobs, err := h.service.List(c.UserContext(), middleware.GetUserID(c))
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, model.JobListResponse{Jobs: jobs, Count: len(jobs)})
}

// Get handles GET /api/jobs/:jobId
func (h *JobHandler) Get(c *fiber.Ctx) error {
	job, err := h.service.Get(c.UserContext(), middleware.GetUserID(c), c.Params("jobId"))
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, job)
}

// Cancel handles POST /api/jobs/:jobId/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	job, err := h.service.Cancel(c.UserContext(), middleware.GetUserID(c), c.Params("jobId"))
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, job)
}

func (h *JobHandler) jobError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, model.ErrSignedOut):
		return response.Unauthorized(c, "Sign in required")
	case errors.Is(err, model.ErrInvalidUpload):
		return response.ValidationError(c, err.Error(), nil)
	case errors.Is(err, model.ErrFileTooLarge):
		return response.TooLarge(c, err.Error())
	case errors.Is(err, model.ErrUnsupportedMediaType):
		return response.UnsupportedMediaType(c, err.Error())
	case errors.Is(err, model.ErrUploadFailed):
		return response.UploadFailed(c, "Failed to store the file")
	case errors.Is(err, model.ErrJobCreateFailed):
		return response.JobCreateFailed(c, "Failed to create the job")
	case errors.Is(err, model.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, model.ErrAlreadyTerminal):
		return response.Conflict(c, "Job already finished")
	}
	h.logger.Error("job request failed", slog.String("path", c.Path()), slog.Any("error", err))
	return response.ServiceError(c, "Internal server error")
}

func formatValidationErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
