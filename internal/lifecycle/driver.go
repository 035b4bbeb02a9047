// Package lifecycle drives processing jobs from upload to a terminal state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sonicsplit/api/internal/client"
	"github.com/sonicsplit/api/internal/model"
)

// Advance is the outcome of one driver step. A non-nil Result means the job
// is done and Progress is ignored.
type Advance struct {
	Progress int
	Result   *model.SeparationResult
}

// Driver moves a job one step forward. It must not write to the store.
type Driver interface {
	Advance(ctx context.Context, job *model.Job) (Advance, error)
}

// Releaser is implemented by drivers that keep per-job state
type Releaser interface {
	Release(jobID string)
}

// PermanentError marks a driver failure that retrying will not fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the engine fails the job without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked permanent
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// SimulatedDriver adds Step points per call and completes the job on the
// step that reaches 100. Result URLs point at the keys a real separation
// would write.
type SimulatedDriver struct {
	Step    int
	Storage client.StorageClient
	Stems   []string
}

// NewSimulatedDriver creates a driver advancing step points per tick
func NewSimulatedDriver(step int, storage client.StorageClient) *SimulatedDriver {
	if step <= 0 {
		step = 10
	}
	return &SimulatedDriver{Step: step, Storage: storage, Stems: model.DefaultStems}
}

func (d *SimulatedDriver) Advance(ctx context.Context, job *model.Job) (Advance, error) {
	if err := ctx.Err(); err != nil {
		return Advance{}, err
	}

	next := job.Progress + d.Step
	if next < 100 {
		return Advance{Progress: next}, nil
	}

	stems := make(map[string]string, len(d.Stems))
	for _, stem := range d.Stems {
		stems[stem] = d.Storage.GetPublicURL(client.StemKey(job.Owner, job.ID, stem))
	}
	return Advance{
		Progress: 100,
		Result: &model.SeparationResult{
			Stems:    stems,
			ScoreURL: d.Storage.GetPublicURL(client.ScoreKey(job.Owner, job.ID)),
		},
	}, nil
}

// RemoteDriver delegates separation to the external service: the first step
// submits the source, later steps poll the task.
type RemoteDriver struct {
	separator client.Separator
	storage   client.StorageClient

	mu    sync.Mutex
	tasks map[string]string // job id -> task id
}

// NewRemoteDriver creates a driver backed by the separation service
func NewRemoteDriver(separator client.Separator, storage client.StorageClient) *RemoteDriver {
	return &RemoteDriver{
		separator: separator,
		storage:   storage,
		tasks:     make(map[string]string),
	}
}

func (d *RemoteDriver) Advance(ctx context.Context, job *model.Job) (Advance, error) {
	d.mu.Lock()
	taskID, ok := d.tasks[job.ID]
	d.mu.Unlock()

	if !ok {
		stemKeys := make(map[string]string, len(model.DefaultStems))
		for _, stem := range model.DefaultStems {
			stemKeys[stem] = client.StemKey(job.Owner, job.ID, stem)
		}
		task, err := d.separator.Submit(ctx, &client.SeparationRequest{
			JobID:     job.ID,
			SourceURL: job.SourceURL,
			StemKeys:  stemKeys,
			ScoreKey:  client.ScoreKey(job.Owner, job.ID),
		})
		if err != nil {
			return Advance{}, classify(fmt.Errorf("submit separation: %w", err))
		}

		d.mu.Lock()
		d.tasks[job.ID] = task.TaskID
		d.mu.Unlock()
		return Advance{Progress: job.Progress}, nil
	}

	status, err := d.separator.Status(ctx, taskID)
	if err != nil {
		return Advance{}, classify(fmt.Errorf("poll separation %s: %w", taskID, err))
	}

	switch status.Status {
	case client.SeparationDone:
		return Advance{Progress: 100, Result: d.result(job, status)}, nil
	case client.SeparationFailed:
		reason := status.Error
		if reason == "" {
			reason = "separation failed"
		}
		return Advance{}, Permanent(errors.New(reason))
	default:
		// Reported progress may lag or overshoot; keep it monotonic and
		// leave 100 for the terminal write.
		p := status.Progress
		if p < job.Progress {
			p = job.Progress
		}
		if p > 99 {
			p = 99
		}
		return Advance{Progress: p}, nil
	}
}

// Release forgets the task of a finished job
func (d *RemoteDriver) Release(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tasks, jobID)
}

func (d *RemoteDriver) result(job *model.Job, status *client.SeparationStatus) *model.SeparationResult {
	stems := make(map[string]string, len(model.DefaultStems))
	for _, stem := range model.DefaultStems {
		if url, ok := status.Stems[stem]; ok && url != "" {
			stems[stem] = url
			continue
		}
		stems[stem] = d.storage.GetPublicURL(client.StemKey(job.Owner, job.ID, stem))
	}

	score := status.ScoreURL
	if score == "" {
		score = d.storage.GetPublicURL(client.ScoreKey(job.Owner, job.ID))
	}
	return &model.SeparationResult{Stems: stems, ScoreURL: score}
}

// classify marks 4xx answers from the service as permanent
func classify(err error) error {
	var svcErr *client.ServiceError
	if errors.As(err, &svcErr) && !svcErr.Temporary() {
		return Permanent(err)
	}
	return err
}
