package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/sonicsplit/api/internal/model"
)

// MemoryStore keeps jobs in process memory. It backs development mode and
// tests, and can inject write and subscription failures.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*model.Job
	notifier *notifier
	opts     options

	createErr   error
	failUpdates int
	updateErr   error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		jobs:     make(map[string]*model.Job),
		notifier: newNotifier(),
		opts:     defaultOptions(opts),
	}
}

// Create stores a new processing job
func (s *MemoryStore) Create(ctx context.Context, n model.NewJob) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return nil, s.createErr
	}

	job := n.Build(s.opts.newID(), s.opts.now())
	s.jobs[job.ID] = job
	s.notifyLocked(job.Owner)
	return job.Clone(), nil
}

// Get returns a copy of the job
func (s *MemoryStore) Get(ctx context.Context, id string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	return job.Clone(), nil
}

// Update applies patch atomically
func (s *MemoryStore) Update(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpdates > 0 {
		s.failUpdates--
		return nil, s.updateErr
	}

	job, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrJobNotFound
	}

	next := job.Clone()
	if err := next.Apply(patch, s.opts.now()); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	s.notifyLocked(next.Owner)
	return next.Clone(), nil
}

// List returns the owner's jobs, newest first
func (s *MemoryStore) List(ctx context.Context, owner string) ([]model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(owner), nil
}

// ListProcessing returns every job that has not reached a terminal state
func (s *MemoryStore) ListProcessing(ctx context.Context) ([]model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Job
	for _, job := range s.jobs {
		if !job.IsTerminal() {
			out = append(out, *job.Clone())
		}
	}
	model.SortJobs(out)
	return out, nil
}

// Subscribe streams snapshots of the owner's jobs
func (s *MemoryStore) Subscribe(ctx context.Context, owner string) (Subscription, error) {
	if owner == "" {
		return nil, fmt.Errorf("subscribe: empty owner: %w", model.ErrSignedOut)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := model.Snapshot{Owner: owner, Jobs: s.listLocked(owner), At: s.opts.now()}
	return s.notifier.subscribe(ctx, snap)
}

// Close ends every subscription
func (s *MemoryStore) Close() error {
	s.notifier.close()
	return nil
}

// SetCreateError makes every following Create fail with err. nil restores normal behavior.
func (s *MemoryStore) SetCreateError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

// FailNextUpdates makes the next n Update calls fail with err
func (s *MemoryStore) FailNextUpdates(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdates = n
	s.updateErr = err
}

// BreakSubscriptions ends every live subscription with ErrSubscriptionLost
func (s *MemoryStore) BreakSubscriptions() {
	s.notifier.breakAll(fmt.Errorf("feed interrupted: %w", model.ErrSubscriptionLost))
}

func (s *MemoryStore) listLocked(owner string) []model.Job {
	out := make([]model.Job, 0)
	for _, job := range s.jobs {
		if job.Owner == owner {
			out = append(out, *job.Clone())
		}
	}
	model.SortJobs(out)
	return out
}

func (s *MemoryStore) notifyLocked(owner string) {
	if !s.notifier.watched(owner) {
		return
	}
	s.notifier.publish(model.Snapshot{Owner: owner, Jobs: s.listLocked(owner), At: s.opts.now()})
}
