package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/sonicsplit/api/internal/model"
)

const (
	badgerJobPrefix        = "jobs/"
	badgerOwnerPrefix      = "owners/"
	badgerProcessingPrefix = "processing/"
)

// BadgerStore keeps jobs in an embedded badger database for single-node
// deployments. Notifications stay in process.
type BadgerStore struct {
	db       *badger.DB
	logger   *slog.Logger
	opts     options
	notifier *notifier

	// serializes commit notification so snapshots are published in order
	notifyMu sync.Mutex
}

// NewBadgerStore opens (or creates) a database under dataDir
func NewBadgerStore(dataDir string, logger *slog.Logger, opts ...Option) (*BadgerStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	bopts := badger.DefaultOptions(filepath.Join(dataDir, "badger"))
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	return &BadgerStore{
		db:       db,
		logger:   logger.With(slog.String("component", "badger_store")),
		opts:     defaultOptions(opts),
		notifier: newNotifier(),
	}, nil
}

func badgerJobKey(id string) []byte {
	return []byte(badgerJobPrefix + id)
}

// Owner index keys sort by creation time so a reverse scan yields newest first
func badgerOwnerKey(job *model.Job) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", badgerOwnerPrefix, job.Owner, job.CreatedAt.UnixNano(), job.ID))
}

func badgerOwnerScan(owner string) []byte {
	return []byte(badgerOwnerPrefix + owner + "/")
}

func badgerProcessingKey(id string) []byte {
	return []byte(badgerProcessingPrefix + id)
}

// Create stores a new processing job
func (s *BadgerStore) Create(ctx context.Context, n model.NewJob) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	job := n.Build(s.opts.newID(), s.opts.now())
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal job: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(badgerJobKey(job.ID), data); err != nil {
			return err
		}
		if err := txn.Set(badgerOwnerKey(job), []byte(job.ID)); err != nil {
			return err
		}
		return txn.Set(badgerProcessingKey(job.ID), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("store job: %w", err)
	}

	s.notify(job.Owner)
	return job, nil
}

// Get loads a job by id
func (s *BadgerStore) Get(ctx context.Context, id string) (*model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var job *model.Job
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		job, err = getJob(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Update applies patch in a serializable transaction, retrying on conflict
func (s *BadgerStore) Update(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	for i := 0; i < maxTxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var updated *model.Job
		err := s.db.Update(func(txn *badger.Txn) error {
			job, err := getJob(txn, id)
			if err != nil {
				return err
			}
			if err := job.Apply(patch, s.opts.now()); err != nil {
				return err
			}

			data, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("marshal job: %w", err)
			}
			if err := txn.Set(badgerJobKey(id), data); err != nil {
				return err
			}
			if job.IsTerminal() {
				if err := txn.Delete(badgerProcessingKey(id)); err != nil {
					return err
				}
			}
			updated = job
			return nil
		})

		switch {
		case err == nil:
			s.notify(updated.Owner)
			return updated, nil
		case errors.Is(err, badger.ErrConflict):
			continue
		default:
			return nil, err
		}
	}

	return nil, fmt.Errorf("update job %s: too much contention", id)
}

// List returns the owner's jobs, newest first
func (s *BadgerStore) List(ctx context.Context, owner string) ([]model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jobs := make([]model.Job, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := badgerOwnerScan(owner)

		itOpts := badger.DefaultIteratorOptions
		itOpts.Reverse = true
		itOpts.Prefix = prefix
		it := txn.NewIterator(itOpts)
		defer it.Close()

		// Reverse iteration starts from the last key below prefix+0xff
		for it.Seek(append(append([]byte{}, prefix...), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			var id string
			if err := it.Item().Value(func(val []byte) error {
				id = string(val)
				return nil
			}); err != nil {
				return err
			}

			job, err := getJob(txn, id)
			if errors.Is(err, model.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			jobs = append(jobs, *job)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	model.SortJobs(jobs)
	return jobs, nil
}

// ListProcessing returns every job still indexed as processing
func (s *BadgerStore) ListProcessing(ctx context.Context) ([]model.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var jobs []model.Job
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(badgerProcessingPrefix)

		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			job, err := getJob(txn, id)
			if errors.Is(err, model.ErrJobNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if !job.IsTerminal() {
				jobs = append(jobs, *job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list processing jobs: %w", err)
	}

	model.SortJobs(jobs)
	return jobs, nil
}

// Subscribe streams snapshots of the owner's jobs
func (s *BadgerStore) Subscribe(ctx context.Context, owner string) (Subscription, error) {
	if owner == "" {
		return nil, fmt.Errorf("subscribe: empty owner: %w", model.ErrSignedOut)
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	jobs, err := s.List(ctx, owner)
	if err != nil {
		return nil, errors.Join(model.ErrSubscriptionLost, err)
	}
	return s.notifier.subscribe(ctx, model.Snapshot{Owner: owner, Jobs: jobs, At: s.opts.now()})
}

// Close ends every subscription and closes the database
func (s *BadgerStore) Close() error {
	s.notifier.close()
	return s.db.Close()
}

func (s *BadgerStore) notify(owner string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	if !s.notifier.watched(owner) {
		return
	}
	jobs, err := s.List(context.Background(), owner)
	if err != nil {
		s.logger.Error("snapshot reload failed", slog.String("owner", owner), slog.Any("error", err))
		s.notifier.breakAll(errors.Join(model.ErrSubscriptionLost, err))
		return
	}
	s.notifier.publish(model.Snapshot{Owner: owner, Jobs: jobs, At: s.opts.now()})
}

func getJob(txn *badger.Txn, id string) (*model.Job, error) {
	item, err := txn.Get(badgerJobKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	var job model.Job
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &job)
	})
	if err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}
