package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/internal/store"
)

// ErrAlreadyRunning is returned when a driver is already active for the job
var ErrAlreadyRunning = errors.New("job already running")

const maxBackoff = 5 * time.Second

// Starter triggers processing of a freshly created job
type Starter interface {
	Start(ctx context.Context, jobID string) error
}

// Config tunes the engine loop
type Config struct {
	TickInterval  time.Duration
	WriteAttempts int
	WriteBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 800 * time.Millisecond
	}
	if c.WriteAttempts <= 0 {
		c.WriteAttempts = 5
	}
	if c.WriteBackoff <= 0 {
		c.WriteBackoff = 200 * time.Millisecond
	}
	return c
}

// Engine advances processing jobs through the driver and persists every step.
// At most one loop runs per job in this process.
type Engine struct {
	store  store.JobStore
	driver Driver
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a lifecycle engine
func NewEngine(jobs store.JobStore, driver Driver, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:  jobs,
		driver: driver,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "lifecycle")),
		active: make(map[string]context.CancelFunc),
	}
}

// Start begins advancing the job in the background and returns immediately.
// The loop outlives ctx; use Cancel or Shutdown to stop it.
func (e *Engine) Start(ctx context.Context, jobID string) error {
	runCtx, job, release, err := e.acquire(ctx, context.WithoutCancel(ctx), jobID)
	if err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer release()
		if err := e.drive(runCtx, job); err != nil && !errors.Is(err, context.Canceled) {
			e.logger.Error("job processing stopped", slog.String("job_id", jobID), slog.Any("error", err))
		}
	}()
	return nil
}

// Run advances the job until it is terminal or ctx ends
func (e *Engine) Run(ctx context.Context, jobID string) error {
	runCtx, job, release, err := e.acquire(ctx, ctx, jobID)
	if err != nil {
		return err
	}
	defer release()

	e.wg.Add(1)
	defer e.wg.Done()
	return e.drive(runCtx, job)
}

// acquire claims the job and only then reads it, so the loop starts from the
// progress committed by any loop that held the claim before
func (e *Engine) acquire(ctx, parent context.Context, jobID string) (context.Context, *model.Job, func(), error) {
	runCtx, release, err := e.claim(parent, jobID)
	if err != nil {
		return nil, nil, nil, err
	}
	job, err := e.load(ctx, jobID)
	if err != nil {
		release()
		return nil, nil, nil, err
	}
	return runCtx, job, release, nil
}

// Cancel moves a processing job to cancelled and stops its local loop
func (e *Engine) Cancel(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := e.store.Update(ctx, jobID, model.CancelPatch())
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if cancel, ok := e.active[jobID]; ok {
		cancel()
	}
	e.mu.Unlock()

	e.logger.Info("job cancelled", slog.String("job_id", jobID), slog.String("owner", job.Owner))
	return job, nil
}

// Active returns the number of jobs currently driven by this engine
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// IsActive reports whether this engine is driving jobID
func (e *Engine) IsActive(jobID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[jobID]
	return ok
}

// Wait blocks until every loop has returned
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown stops every loop and waits for them, or until ctx ends. Jobs stay
// processing in the store and are picked up again by recovery.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.active {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) load(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := e.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, model.ErrAlreadyTerminal)
	}
	return job, nil
}

func (e *Engine) claim(ctx context.Context, jobID string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.active[jobID]; ok {
		return nil, nil, fmt.Errorf("job %s: %w", jobID, ErrAlreadyRunning)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.active[jobID] = cancel

	release := func() {
		cancel()
		e.mu.Lock()
		delete(e.active, jobID)
		e.mu.Unlock()
		if r, ok := e.driver.(Releaser); ok {
			r.Release(jobID)
		}
	}
	return runCtx, release, nil
}

// drive ticks the driver until the job is terminal. A write rejected because
// the job is already terminal ends the loop without error.
func (e *Engine) drive(ctx context.Context, job *model.Job) error {
	log := e.logger.With(slog.String("job_id", job.ID), slog.String("owner", job.Owner))
	log.Info("job processing started", slog.Int("progress", job.Progress))

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	driverFailures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		adv, err := e.driver.Advance(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			driverFailures++
			if IsPermanent(err) || driverFailures >= e.cfg.WriteAttempts {
				return e.fail(ctx, log, job.ID, err)
			}
			log.Warn("driver step failed", slog.Int("attempt", driverFailures), slog.Any("error", err))
			continue
		}
		driverFailures = 0

		var patch model.JobPatch
		switch {
		case adv.Result != nil:
			patch = model.CompletionPatch(*adv.Result)
		case adv.Progress == job.Progress:
			continue
		default:
			patch = model.ProgressPatch(adv.Progress)
		}

		updated, err := e.write(ctx, log, job.ID, patch)
		switch {
		case err == nil:
			job = updated
		case errors.Is(err, model.ErrAlreadyTerminal):
			log.Info("job finished elsewhere, stopping")
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return e.fail(ctx, log, job.ID, err)
		}

		if job.IsTerminal() {
			log.Info("job completed")
			return nil
		}
	}
}

// write persists patch, retrying transient store failures with exponential backoff
func (e *Engine) write(ctx context.Context, log *slog.Logger, jobID string, patch model.JobPatch) (*model.Job, error) {
	backoff := e.cfg.WriteBackoff
	var lastErr error

	for attempt := 1; attempt <= e.cfg.WriteAttempts; attempt++ {
		job, err := e.store.Update(ctx, jobID, patch)
		if err == nil {
			return job, nil
		}
		if errors.Is(err, model.ErrAlreadyTerminal) || errors.Is(err, model.ErrInvalidPatch) ||
			errors.Is(err, model.ErrJobNotFound) {
			return nil, err
		}
		lastErr = err

		if attempt == e.cfg.WriteAttempts {
			break
		}
		log.Warn("job write failed, retrying", slog.Int("attempt", attempt), slog.Any("error", err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return nil, fmt.Errorf("write failed after %d attempts: %w", e.cfg.WriteAttempts, lastErr)
}

// fail records the failure on the job. The original cause is returned either way.
func (e *Engine) fail(ctx context.Context, log *slog.Logger, jobID string, cause error) error {
	log.Error("job failed", slog.Any("error", cause))

	_, err := e.write(ctx, log, jobID, model.FailurePatch(cause.Error()))
	switch {
	case err == nil, errors.Is(err, model.ErrAlreadyTerminal):
	default:
		log.Error("could not mark job failed", slog.Any("error", err))
	}
	return cause
}
