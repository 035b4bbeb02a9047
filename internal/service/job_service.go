package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sonicsplit/api/internal/client"
	"github.com/sonicsplit/api/internal/config"
	"github.com/sonicsplit/api/internal/lifecycle"
	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/internal/store"
)

const defaultMaxUploadBytes = 10 * 1024 * 1024

// Canceller stops a processing job
type Canceller interface {
	Cancel(ctx context.Context, jobID string) (*model.Job, error)
}

// JobService runs the upload pipeline and exposes owner-scoped job access
type JobService struct {
	jobs      store.JobStore
	storage   client.StorageClient
	starter   lifecycle.Starter
	canceller Canceller
	maxBytes  int64
	accepted  []string
	logger    *slog.Logger
	now       func() time.Time

	triggers sync.WaitGroup
}

// NewJobService creates a job service
func NewJobService(
	jobs store.JobStore,
	storage client.StorageClient,
	starter lifecycle.Starter,
	canceller Canceller,
	cfg config.UploadConfig,
	logger *slog.Logger,
) *JobService {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	accepted := cfg.AcceptedTypes
	if len(accepted) == 0 {
		accepted = []string{"audio/*"}
	}
	return &JobService{
		jobs:      jobs,
		storage:   storage,
		starter:   starter,
		canceller: canceller,
		maxBytes:  maxBytes,
		accepted:  accepted,
		logger:    logger.With(slog.String("component", "job_service")),
		now:       time.Now,
	}
}

// MaxUploadBytes returns the upload size ceiling
func (s *JobService) MaxUploadBytes() int64 {
	return s.maxBytes
}

// UploadAndCreateJob stores the artifact, records a processing job for it and
// triggers processing without waiting for it. A failed put creates no job. A
// failed create leaves the stored blob behind and reports ErrJobCreateFailed.
func (s *JobService) UploadAndCreateJob(ctx context.Context, owner string, upload *model.Upload) (*model.Job, error) {
	if owner == "" {
		return nil, model.ErrSignedOut
	}
	if upload == nil || upload.Body == nil {
		return nil, fmt.Errorf("%w: no file selected", model.ErrInvalidUpload)
	}
	if upload.Size > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", model.ErrFileTooLarge, upload.Size, s.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(upload.Body, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read file: %v", model.ErrInvalidUpload, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", model.ErrInvalidUpload)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", model.ErrFileTooLarge, s.maxBytes)
	}

	contentType, err := s.detectType(data, upload.ContentType)
	if err != nil {
		return nil, err
	}

	log := s.logger.With(slog.String("owner", owner), slog.String("file_name", upload.FileName))

	key := client.SourceKey(owner, upload.FileName, s.now())
	sourceURL, err := s.storage.Upload(ctx, key, bytes.NewReader(data), contentType)
	if err != nil {
		log.Error("blob upload failed", slog.String("key", key), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", model.ErrUploadFailed, err)
	}

	job, err := s.jobs.Create(ctx, model.NewJob{
		Owner:       owner,
		FileName:    upload.FileName,
		ContentType: contentType,
		Size:        int64(len(data)),
		SourceKey:   key,
		SourceURL:   sourceURL,
	})
	if err != nil {
		log.Error("job create failed, blob left orphaned", slog.String("key", key), slog.Any("error", err))
		return nil, fmt.Errorf("%w: %v", model.ErrJobCreateFailed, err)
	}

	log.Info("job created", slog.String("job_id", job.ID), slog.Int64("size", job.Size))

	s.triggers.Add(1)
	go func() {
		defer s.triggers.Done()
		s.trigger(context.WithoutCancel(ctx), job.ID)
	}()

	return job, nil
}

// Wait blocks until every pending trigger has been handed to the starter
func (s *JobService) Wait() {
	s.triggers.Wait()
}

func (s *JobService) trigger(ctx context.Context, jobID string) {
	err := s.starter.Start(ctx, jobID)
	switch {
	case err == nil:
	case errors.Is(err, lifecycle.ErrAlreadyRunning):
		s.logger.Debug("job already running", slog.String("job_id", jobID))
	default:
		// The job stays processing; the recovery sweep retries it
		s.logger.Error("failed to trigger processing", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// detectType sniffs the payload. The declared type is only trusted when the
// content itself is not recognized.
func (s *JobService) detectType(data []byte, declared string) (string, error) {
	detected := mimetype.Detect(data)

	if detected.Is("application/octet-stream") && declared != "" {
		if s.isAccepted(declared) {
			return declared, nil
		}
		return "", fmt.Errorf("%w: %s", model.ErrUnsupportedMediaType, declared)
	}

	for m := detected; m != nil; m = m.Parent() {
		if s.isAccepted(m.String()) {
			return stripParams(detected.String()), nil
		}
	}
	return "", fmt.Errorf("%w: %s", model.ErrUnsupportedMediaType, detected.String())
}

func (s *JobService) isAccepted(contentType string) bool {
	ct := strings.ToLower(stripParams(contentType))
	for _, pattern := range s.accepted {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		switch {
		case pattern == ct:
			return true
		case strings.HasSuffix(pattern, "/*") && strings.HasPrefix(ct, strings.TrimSuffix(pattern, "*")):
			return true
		}
	}
	return false
}

func stripParams(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType)
}

// List returns the owner's jobs, newest first
func (s *JobService) List(ctx context.Context, owner string) ([]model.Job, error) {
	if owner == "" {
		return nil, model.ErrSignedOut
	}
	return s.jobs.List(ctx, owner)
}

// Get returns one job. Jobs of other owners are reported as not found.
func (s *JobService) Get(ctx context.Context, owner, jobID string) (*model.Job, error) {
	if owner == "" {
		return nil, model.ErrSignedOut
	}
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Owner != owner {
		return nil, model.ErrJobNotFound
	}
	return job, nil
}

// Cancel stops one of the owner's processing jobs
func (s *JobService) Cancel(ctx context.Context, owner, jobID string) (*model.Job, error) {
	if _, err := s.Get(ctx, owner, jobID); err != nil {
		return nil, err
	}
	return s.canceller.Cancel(ctx, jobID)
}

// Subscribe streams the owner's job snapshots
func (s *JobService) Subscribe(ctx context.Context, owner string) (store.Subscription, error) {
	if owner == "" {
		return nil, model.ErrSignedOut
	}
	return s.jobs.Subscribe(ctx, owner)
}
