package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/sonicsplit/api/internal/lifecycle"
	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/internal/store"
)

const (
	TaskTypeSeparation = "separation:process"
	QueueSeparation    = "separation"
)

// SeparationPayload is the asynq task body
type SeparationPayload struct {
	JobID string `json:"jobId"`
}

// NewSeparationTask creates the task driving one job
func NewSeparationTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(SeparationPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSeparation, payload), nil
}

// Enqueuer is the part of asynq.Client the dispatcher needs
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher starts jobs by enqueueing them for the worker server. The job
// id doubles as the task id, so a job can never be queued twice.
type Dispatcher struct {
	client Enqueuer
	jobs   store.JobStore
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher on top of an asynq client
func NewDispatcher(client Enqueuer, jobs store.JobStore, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client: client,
		jobs:   jobs,
		logger: logger.With(slog.String("component", "dispatcher")),
	}
}

// Start enqueues the job. It fails with ErrAlreadyRunning when a task for
// the job is still pending or active.
func (d *Dispatcher) Start(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, model.ErrAlreadyTerminal)
	}

	task, err := NewSeparationTask(jobID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	info, err := d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueSeparation),
		asynq.TaskID(jobID),
		asynq.MaxRetry(3),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("job %s: %w", jobID, lifecycle.ErrAlreadyRunning)
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	d.logger.Info("job enqueued", slog.String("job_id", jobID), slog.String("queue", info.Queue))
	return nil
}
