package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/sonicsplit/api/internal/lifecycle"
	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/internal/store"
	"golang.org/x/sync/singleflight"
)

// Recovery re-triggers jobs left processing without a driver, e.g. after a
// restart. Processing resumes from the stored progress.
type Recovery struct {
	jobs     store.JobStore
	starter  lifecycle.Starter
	cron     *cron.Cron
	schedule string
	logger   *slog.Logger
	group    singleflight.Group
}

// NewRecovery creates a recovery sweeper
func NewRecovery(jobs store.JobStore, starter lifecycle.Starter, c *cron.Cron, schedule string, logger *slog.Logger) *Recovery {
	return &Recovery{
		jobs:     jobs,
		starter:  starter,
		cron:     c,
		schedule: schedule,
		logger:   logger.With(slog.String("component", "recovery")),
	}
}

// Schedule registers the periodic sweep on the cron. The cron is started by
// the caller.
func (r *Recovery) Schedule(ctx context.Context) error {
	if r.schedule == "" {
		return nil
	}
	_, err := r.cron.AddFunc(r.schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error("recovery sweep failed", slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid recovery schedule %q: %w", r.schedule, err)
	}
	return nil
}

// Sweep starts every processing job that has no active driver and returns
// how many were started. Overlapping sweeps share one run.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	v, err, _ := r.group.Do("sweep", func() (any, error) {
		return r.sweep(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (r *Recovery) sweep(ctx context.Context) (int, error) {
	jobs, err := r.jobs.ListProcessing(ctx)
	if err != nil {
		return 0, fmt.Errorf("list processing jobs: %w", err)
	}

	started := 0
	for _, job := range jobs {
		err := r.starter.Start(ctx, job.ID)
		switch {
		case err == nil:
			started++
			r.logger.Info("resumed job", slog.String("job_id", job.ID), slog.Int("progress", job.Progress))
		case errors.Is(err, lifecycle.ErrAlreadyRunning), errors.Is(err, model.ErrAlreadyTerminal):
		default:
			r.logger.Warn("could not resume job", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}

	if started > 0 {
		r.logger.Info("recovery sweep finished", slog.Int("started", started), slog.Int("processing", len(jobs)))
	}
	return started, nil
}
