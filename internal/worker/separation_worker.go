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

// SeparationWorker processes separation tasks
type SeparationWorker struct {
	engine *lifecycle.Engine
	jobs   store.JobStore
	logger *slog.Logger
}

// NewSeparationWorker creates a new separation worker
func NewSeparationWorker(engine *lifecycle.Engine, jobs store.JobStore, logger *slog.Logger) *SeparationWorker {
	return &SeparationWorker{
		engine: engine,
		jobs:   jobs,
		logger: logger.With(slog.String("component", "separation_worker")),
	}
}

// ProcessTask drives the job until it is terminal. A task whose job is
// already finished, or already driven by this process, is acknowledged.
func (w *SeparationWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload SeparationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.JobID == "" {
		return fmt.Errorf("invalid separation payload %q: %w", t.Payload(), asynq.SkipRetry)
	}

	log := w.logger.With(slog.String("job_id", payload.JobID))

	err := w.engine.Run(ctx, payload.JobID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, model.ErrAlreadyTerminal), errors.Is(err, lifecycle.ErrAlreadyRunning):
		log.Info("nothing to do", slog.Any("reason", err))
		return nil
	case errors.Is(err, model.ErrJobNotFound):
		return fmt.Errorf("job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}

	// The engine records driver failures on the job itself; only retry when
	// the job is still processing, e.g. the store was unreachable.
	job, getErr := w.jobs.Get(context.WithoutCancel(ctx), payload.JobID)
	if getErr == nil && job.IsTerminal() {
		log.Warn("job ended with error", slog.String("status", string(job.Status)), slog.Any("error", err))
		return nil
	}

	log.Error("separation task failed, will retry", slog.Any("error", err))
	return err
}
