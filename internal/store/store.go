// Package store persists job records and notifies owners of every change.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sonicsplit/api/internal/config"
	"github.com/sonicsplit/api/internal/feed"
	"github.com/sonicsplit/api/internal/model"
)

// Store drivers
const (
	DriverRedis  = "redis"
	DriverBadger = "badger"
	DriverMemory = "memory"
)

// JobStore is the shared record of job state. Every Update is an atomic
// read-modify-write that validates the patch against the stored record.
type JobStore interface {
	Create(ctx context.Context, job model.NewJob) (*model.Job, error)
	Get(ctx context.Context, id string) (*model.Job, error)
	Update(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error)
	List(ctx context.Context, owner string) ([]model.Job, error)
	ListProcessing(ctx context.Context) ([]model.Job, error)
	Subscribe(ctx context.Context, owner string) (Subscription, error)
	Close() error
}

// Subscription streams full snapshots of one owner's jobs. The first value is
// the current state. The channel is closed when the subscription ends; Err
// then tells a caller-initiated close (nil) from a broken feed.
type Subscription interface {
	Snapshots() <-chan model.Snapshot
	Err() error
	Close()
}

// Open builds the store selected by cfg.Driver
func Open(cfg config.StoreConfig, rdb *redis.Client, logger *slog.Logger) (JobStore, error) {
	switch cfg.Driver {
	case DriverRedis, "":
		if rdb == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisStore(rdb, logger), nil
	case DriverBadger:
		return NewBadgerStore(cfg.DataDir, logger)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// Option configures a store
type Option func(*options)

type options struct {
	now   func() time.Time
	newID func() string
}

func defaultOptions(opts []Option) options {
	o := options{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock overrides the time source used for createdAt and updatedAt
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides job id generation
func WithIDGenerator(newID func() string) Option {
	return func(o *options) { o.newID = newID }
}

type subscription struct {
	watcher *feed.Watcher[model.Snapshot]
	ctx     context.Context
	cancel  context.CancelFunc

	mu  sync.Mutex
	err error
}

func newSubscription(ctx context.Context, w *feed.Watcher[model.Snapshot]) *subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &subscription{watcher: w, ctx: ctx, cancel: cancel}
	context.AfterFunc(ctx, w.Close)
	return s
}

func (s *subscription) Snapshots() <-chan model.Snapshot {
	return s.watcher.C()
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() {
	s.cancel()
	s.watcher.Close()
}

// fail records err before the channel is closed so readers observe it
func (s *subscription) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.Close()
}

// notifier keeps one feed per owner for the in-process stores. Callers
// serialize commit and publish so snapshots reach watchers in commit order.
type notifier struct {
	mu     sync.Mutex
	feeds  map[string]*feed.Feed[model.Snapshot]
	subs   map[*subscription]struct{}
	closed bool
}

func newNotifier() *notifier {
	return &notifier{
		feeds: make(map[string]*feed.Feed[model.Snapshot]),
		subs:  make(map[*subscription]struct{}),
	}
}

func (n *notifier) subscribe(ctx context.Context, initial model.Snapshot) (*subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, fmt.Errorf("store closed: %w", model.ErrSubscriptionLost)
	}

	f, ok := n.feeds[initial.Owner]
	if !ok {
		f = feed.New[model.Snapshot]()
		n.feeds[initial.Owner] = f
	}
	sub := newSubscription(ctx, f.WatchWith(initial))
	n.subs[sub] = struct{}{}
	context.AfterFunc(sub.ctx, func() {
		sub.watcher.Close()
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, sub)
		// The owner's feed goes with its last watcher
		if n.feeds[initial.Owner] == f && f.Count() == 0 {
			delete(n.feeds, initial.Owner)
			f.Close()
		}
	})
	return sub, nil
}

// owners returns the number of owners with a live feed
func (n *notifier) owners() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.feeds)
}

func (n *notifier) publish(s model.Snapshot) {
	n.mu.Lock()
	f, ok := n.feeds[s.Owner]
	n.mu.Unlock()
	if ok {
		f.Publish(s)
	}
}

func (n *notifier) watched(owner string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	f, ok := n.feeds[owner]
	return ok && f.Count() > 0
}

// breakAll ends every live subscription with err
func (n *notifier) breakAll(err error) {
	n.mu.Lock()
	subs := make([]*subscription, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	for _, s := range subs {
		s.fail(err)
	}
}

func (n *notifier) close() {
	n.breakAll(fmt.Errorf("store closed: %w", model.ErrSubscriptionLost))

	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for owner, f := range n.feeds {
		f.Close()
		delete(n.feeds, owner)
	}
}
