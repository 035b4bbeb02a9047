package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/sonicsplit/api/internal/feed"
	"github.com/sonicsplit/api/internal/model"
)

const (
	jobKeyPrefix      = "job:"
	ownerIndexPrefix  = "jobs:owner:"
	processingSetKey  = "jobs:processing"
	changeChannelBase = "jobs:changed:"

	maxTxRetries = 10
)

// RedisStore keeps jobs in Redis and fans changes out with Pub/Sub, so every
// API and worker process sharing the instance sees the same records.
type RedisStore struct {
	redis  *redis.Client
	logger *slog.Logger
	opts   options
}

// NewRedisStore creates a store on top of an existing client
func NewRedisStore(rdb *redis.Client, logger *slog.Logger, opts ...Option) *RedisStore {
	return &RedisStore{
		redis:  rdb,
		logger: logger.With(slog.String("component", "redis_store")),
		opts:   defaultOptions(opts),
	}
}

func jobKey(id string) string { return jobKeyPrefix + id }

func ownerIndexKey(owner string) string { return ownerIndexPrefix + owner }

func changeChannel(owner string) string { return changeChannelBase + owner }

// Create stores a new processing job and indexes it by owner
func (s *RedisStore) Create(ctx context.Context, n model.NewJob) (*model.Job, error) {
	job := n.Build(s.opts.newID(), s.opts.now())

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), data, 0)
		pipe.ZAdd(ctx, ownerIndexKey(job.Owner), redis.Z{
			Score:  float64(job.CreatedAt.UnixMilli()),
			Member: job.ID,
		})
		pipe.SAdd(ctx, processingSetKey, job.ID)
		pipe.Publish(ctx, changeChannel(job.Owner), job.ID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	return job, nil
}

// Get loads a job by id
func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Update applies patch inside an optimistic WATCH/MULTI transaction
func (s *RedisStore) Update(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	key := jobKey(id)

	for i := 0; i < maxTxRetries; i++ {
		var updated *model.Job

		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return model.ErrJobNotFound
			}
			if err != nil {
				return err
			}

			var job model.Job
			if err := json.Unmarshal(data, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job: %w", err)
			}
			if err := job.Apply(patch, s.opts.now()); err != nil {
				return err
			}

			next, err := json.Marshal(&job)
			if err != nil {
				return fmt.Errorf("failed to marshal job: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, next, 0)
				if job.IsTerminal() {
					pipe.SRem(ctx, processingSetKey, id)
				}
				pipe.Publish(ctx, changeChannel(job.Owner), id)
				return nil
			})
			if err == nil {
				updated = &job
			}
			return err
		}, key)

		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, err
		}
	}

	return nil, fmt.Errorf("update job %s: too much contention", id)
}

// List returns the owner's jobs, newest first
func (s *RedisStore) List(ctx context.Context, owner string) ([]model.Job, error) {
	ids, err := s.redis.ZRevRange(ctx, ownerIndexKey(owner), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return s.loadAll(ctx, ids)
}

// ListProcessing returns every job still in the processing set
func (s *RedisStore) ListProcessing(ctx context.Context) ([]model.Job, error) {
	ids, err := s.redis.SMembers(ctx, processingSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list processing jobs: %w", err)
	}

	jobs, err := s.loadAll(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := jobs[:0]
	for _, job := range jobs {
		if !job.IsTerminal() {
			out = append(out, job)
		}
	}
	return out, nil
}

func (s *RedisStore) loadAll(ctx context.Context, ids []string) ([]model.Job, error) {
	jobs := make([]model.Job, 0, len(ids))
	if len(ids) == 0 {
		return jobs, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}

	values, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			s.logger.Warn("skipping corrupt job record", slog.String("job_id", ids[i]), slog.Any("error", err))
			continue
		}
		jobs = append(jobs, job)
	}

	model.SortJobs(jobs)
	return jobs, nil
}

// Subscribe listens on the owner's change channel and reloads the full list
// after every notification. The channel is joined before the initial load so
// no commit can fall between the two.
func (s *RedisStore) Subscribe(ctx context.Context, owner string) (Subscription, error) {
	if owner == "" {
		return nil, fmt.Errorf("subscribe: empty owner: %w", model.ErrSignedOut)
	}

	pubsub := s.redis.Subscribe(ctx, changeChannel(owner))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", owner, errors.Join(model.ErrSubscriptionLost, err))
	}

	jobs, err := s.List(ctx, owner)
	if err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("initial snapshot: %w", errors.Join(model.ErrSubscriptionLost, err))
	}

	f := feed.New[model.Snapshot]()
	sub := newSubscription(ctx, f.WatchWith(model.Snapshot{Owner: owner, Jobs: jobs, At: s.opts.now()}))

	go s.pump(sub, f, pubsub, owner)
	return sub, nil
}

// pump reloads the snapshot on every change notification. go-redis
// reconnects and resubscribes on its own after a dropped connection; each
// resubscribe confirmation also triggers a reload, since notifications
// published while the connection was down are gone.
func (s *RedisStore) pump(sub *subscription, f *feed.Feed[model.Snapshot], pubsub *redis.PubSub, owner string) {
	defer f.Close()
	defer pubsub.Close()

	log := s.logger.With(slog.String("owner", owner))
	ch := pubsub.ChannelWithSubscriptions()
	for {
		select {
		case <-sub.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				sub.fail(fmt.Errorf("pubsub closed: %w", model.ErrSubscriptionLost))
				return
			}
			if !reloadNeeded(msg) {
				continue
			}
			if _, resubscribed := msg.(*redis.Subscription); resubscribed {
				log.Info("change channel resubscribed, reloading snapshot")
			}
			// Notifications are coalesced: one reload covers every commit
			// announced so far.
			if !drain(ch) {
				sub.fail(fmt.Errorf("pubsub closed: %w", model.ErrSubscriptionLost))
				return
			}
			jobs, err := s.List(sub.ctx, owner)
			if err != nil {
				if sub.ctx.Err() != nil {
					return
				}
				log.Warn("snapshot reload failed", slog.Any("error", err))
				sub.fail(errors.Join(model.ErrSubscriptionLost, err))
				return
			}
			if sub.ctx.Err() != nil {
				return
			}
			f.Publish(model.Snapshot{Owner: owner, Jobs: jobs, At: s.opts.now()})
		}
	}
}

// reloadNeeded reports whether a pubsub event can mean missed commits: a
// change message, or a subscribe confirmation after a reconnect. The first
// confirmation is consumed by Subscribe.
func reloadNeeded(msg any) bool {
	switch m := msg.(type) {
	case *redis.Message:
		return true
	case *redis.Subscription:
		return m.Kind == "subscribe"
	default:
		return false
	}
}

// drain empties ch and reports false if it was closed
func drain(ch <-chan any) bool {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

// Close is a no-op. The client is owned by the caller.
func (s *RedisStore) Close() error {
	return nil
}
