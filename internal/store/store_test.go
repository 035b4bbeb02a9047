package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock hands out strictly increasing timestamps
func stepClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%03d", prefix, n.Add(1))
	}
}

type storeFactory func(t *testing.T) JobStore

func storeFactories(t *testing.T) map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) JobStore {
			return NewMemoryStore(WithClock(stepClock()), WithIDGenerator(sequentialIDs(t.Name())))
		},
		"badger": func(t *testing.T) JobStore {
			s, err := NewBadgerStore(t.TempDir(), logger.Discard(), WithClock(stepClock()), WithIDGenerator(sequentialIDs(t.Name())))
			require.NoError(t, err)
			return s
		},
		"redis": func(t *testing.T) JobStore {
			rdb := testRedis(t)
			return NewRedisStore(rdb, logger.Discard(), WithClock(stepClock()), WithIDGenerator(sequentialIDs(t.Name())))
		},
	}
}

// testRedis connects to a local Redis on DB 15, or to an in-process
// miniredis when none is running
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		mr := miniredis.RunT(t)
		rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return rdb
	}
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	return rdb
}

func forEachStore(t *testing.T, fn func(t *testing.T, s JobStore)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func result() model.SeparationResult {
	return model.SeparationResult{
		Stems: map[string]string{
			model.StemVocals: "v.wav",
			model.StemDrums:  "d.wav",
			model.StemBass:   "b.wav",
		},
		ScoreURL: "score.mid",
	}
}

func nextSnapshot(t *testing.T, sub Subscription) model.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return snap
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return model.Snapshot{}
	}
}

// waitFor reads snapshots until cond holds
func waitFor(t *testing.T, sub Subscription, cond func(model.Snapshot) bool) model.Snapshot {
	t.Helper()
	for {
		snap := nextSnapshot(t, sub)
		if cond(snap) {
			return snap
		}
	}
}

func TestCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()

		job, err := s.Create(ctx, model.NewJob{Owner: "u1", FileName: "a.mp3", SourceURL: "https://blob/a"})
		require.NoError(t, err)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, model.JobStatusProcessing, job.Status)
		assert.Equal(t, 0, job.Progress)
		assert.False(t, job.CreatedAt.IsZero())

		got, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, "u1", got.Owner)
		assert.Equal(t, "https://blob/a", got.SourceURL)

		_, err = s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, model.ErrJobNotFound))
	})
}

func TestUpdateLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		job, err := s.Create(ctx, model.NewJob{Owner: "u1", FileName: "a.mp3"})
		require.NoError(t, err)

		updated, err := s.Update(ctx, job.ID, model.ProgressPatch(10))
		require.NoError(t, err)
		assert.Equal(t, 10, updated.Progress)

		_, err = s.Update(ctx, job.ID, model.ProgressPatch(5))
		assert.True(t, errors.Is(err, model.ErrInvalidPatch))

		done, err := s.Update(ctx, job.ID, model.CompletionPatch(result()))
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, done.Status)
		assert.Equal(t, 100, done.Progress)

		_, err = s.Update(ctx, job.ID, model.ProgressPatch(50))
		assert.True(t, errors.Is(err, model.ErrAlreadyTerminal))

		stored, err := s.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, stored.Status)
		assert.Equal(t, "score.mid", stored.ScoreURL)
		assert.Len(t, stored.Stems, 3)

		_, err = s.Update(ctx, "missing", model.ProgressPatch(10))
		assert.True(t, errors.Is(err, model.ErrJobNotFound))
	})
}

func TestConcurrentTerminalWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		job, err := s.Create(ctx, model.NewJob{Owner: "u1", FileName: "a.mp3"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var wins atomic.Int32
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				patch := model.CompletionPatch(result())
				if i%2 == 1 {
					patch = model.FailurePatch("boom")
				}
				if _, err := s.Update(ctx, job.ID, patch); err == nil {
					wins.Add(1)
				} else {
					assert.True(t, errors.Is(err, model.ErrAlreadyTerminal), "unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load(), "exactly one terminal write must win")
	})
}

func TestListOrderingAndIsolation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		first, err := s.Create(ctx, model.NewJob{Owner: "alice", FileName: "1.mp3"})
		require.NoError(t, err)
		_, err = s.Create(ctx, model.NewJob{Owner: "bob", FileName: "bob.mp3"})
		require.NoError(t, err)
		second, err := s.Create(ctx, model.NewJob{Owner: "alice", FileName: "2.mp3"})
		require.NoError(t, err)

		jobs, err := s.List(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, second.ID, jobs[0].ID)
		assert.Equal(t, first.ID, jobs[1].ID)
		for _, j := range jobs {
			assert.Equal(t, "alice", j.Owner)
		}

		empty, err := s.List(ctx, "nobody")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestListProcessing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s JobStore) {
		ctx := context.Background()
		a, err := s.Create(ctx, model.NewJob{Owner: "u1", FileName: "a.mp3"})
		require.NoError(t, err)
		b, err := s.Create(ctx, model.NewJob{Owner: "u2", FileName: "b.mp3"})
		require.NoError(t, err)
		_, err = s.Update(ctx, a.ID, model.CancelPatch())
		require.NoError(t, err)

		jobs, err := s.ListProcessing(ctx)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, b.ID, jobs[0].ID)
	})
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	forEachStore(t, func(t *testing.T, s JobStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		existing, err := s.Create(ctx, model.NewJob{Owner: "u1", FileName: "old.mp3"})
		require.NoError(t, err)

		sub, err := s.Subscribe(ctx, "u1")
		require.NoError(t, err)
		defer sub.Close()

		initial := nextSnapshot(t, sub)
		require.Len(t, initial.Jobs, 1)
		assert.Equal(t, existing.ID, initial.Jobs[0].ID)

		// Another owner's commits never reach this subscription
		_, err = s.Create(ctx, model.NewJob{Owner: "u2", FileName: "other.mp3"})
		require.NoError(t, err)

		created, err := s.Create(ctx, model.NewJob{Owner: "u1", FileName: "new.mp3"})
		require.NoError(t, err)
		snap := waitFor(t, sub, func(s model.Snapshot) bool { return len(s.Jobs) == 2 })
		assert.Equal(t, created.ID, snap.Jobs[0].ID)
		for _, j := range snap.Jobs {
			assert.Equal(t, "u1", j.Owner)
		}

		_, err = s.Update(ctx, created.ID, model.ProgressPatch(30))
		require.NoError(t, err)
		snap = waitFor(t, sub, func(s model.Snapshot) bool { return s.Jobs[0].Progress == 30 })
		assert.Equal(t, model.JobStatusProcessing, snap.Jobs[0].Status)
	})
}

func TestSubscribeProgressIsMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s JobStore) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		job, err := s.Create(ctx, model.NewJob{Owner: "u1", FileName: "a.mp3"})
		require.NoError(t, err)

		sub, err := s.Subscribe(ctx, "u1")
		require.NoError(t, err)
		defer sub.Close()

		go func() {
			for p := 10; p < 100; p += 10 {
				s.Update(ctx, job.ID, model.ProgressPatch(p))
			}
			s.Update(ctx, job.ID, model.CompletionPatch(result()))
		}()

		last := -1
		for {
			snap := nextSnapshot(t, sub)
			require.Len(t, snap.Jobs, 1)
			j := snap.Jobs[0]
			assert.GreaterOrEqual(t, j.Progress, last)
			last = j.Progress
			if j.Status == model.JobStatusCompleted {
				assert.Equal(t, 100, j.Progress)
				assert.Len(t, j.Stems, 3)
				return
			}
			assert.Less(t, j.Progress, 100)
			assert.Empty(t, j.Stems)
		}
	})
}

func TestSubscriptionCloseIsClean(t *testing.T) {
	forEachStore(t, func(t *testing.T, s JobStore) {
		sub, err := s.Subscribe(context.Background(), "u1")
		require.NoError(t, err)
		nextSnapshot(t, sub)

		sub.Close()
		for range sub.Snapshots() {
		}
		assert.NoError(t, sub.Err())
	})
}

func TestSubscribeRejectsEmptyOwner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s JobStore) {
		_, err := s.Subscribe(context.Background(), "")
		assert.True(t, errors.Is(err, model.ErrSignedOut))
	})
}

func TestMemoryStoreBreakSubscriptions(t *testing.T) {
	s := NewMemoryStore()
	sub, err := s.Subscribe(context.Background(), "u1")
	require.NoError(t, err)
	nextSnapshot(t, sub)

	s.BreakSubscriptions()

	for range sub.Snapshots() {
	}
	assert.True(t, errors.Is(sub.Err(), model.ErrSubscriptionLost))

	again, err := s.Subscribe(context.Background(), "u1")
	require.NoError(t, err)
	defer again.Close()
	nextSnapshot(t, again)
}

func TestMemoryStoreFailureInjection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("unavailable")

	s.SetCreateError(boom)
	_, err := s.Create(ctx, model.NewJob{Owner: "u1"})
	assert.ErrorIs(t, err, boom)
	s.SetCreateError(nil)

	job, err := s.Create(ctx, model.NewJob{Owner: "u1"})
	require.NoError(t, err)

	s.FailNextUpdates(2, boom)
	_, err = s.Update(ctx, job.ID, model.ProgressPatch(10))
	assert.ErrorIs(t, err, boom)
	_, err = s.Update(ctx, job.ID, model.ProgressPatch(10))
	assert.ErrorIs(t, err, boom)
	_, err = s.Update(ctx, job.ID, model.ProgressPatch(10))
	assert.NoError(t, err)
}

func TestStoreCloseBreaksSubscriptions(t *testing.T) {
	s, err := NewBadgerStore(t.TempDir(), logger.Discard())
	require.NoError(t, err)

	sub, err := s.Subscribe(context.Background(), "u1")
	require.NoError(t, err)
	nextSnapshot(t, sub)

	require.NoError(t, s.Close())
	for range sub.Snapshots() {
	}
	assert.True(t, errors.Is(sub.Err(), model.ErrSubscriptionLost))
}

func TestOwnerFeedsArePrunedWithLastWatcher(t *testing.T) {
	memory := NewMemoryStore()
	badgerStore, err := NewBadgerStore(t.TempDir(), logger.Discard())
	require.NoError(t, err)
	defer badgerStore.Close()

	cases := map[string]struct {
		store    JobStore
		notifier *notifier
	}{
		"memory": {memory, memory.notifier},
		"badger": {badgerStore, badgerStore.notifier},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a1, err := tc.store.Subscribe(ctx, "alice")
			require.NoError(t, err)
			a2, err := tc.store.Subscribe(ctx, "alice")
			require.NoError(t, err)
			b, err := tc.store.Subscribe(ctx, "bob")
			require.NoError(t, err)
			assert.Equal(t, 2, tc.notifier.owners())

			a1.Close()
			b.Close()
			require.Eventually(t, func() bool { return tc.notifier.owners() == 1 }, time.Second, time.Millisecond)

			// The remaining watcher still receives commits
			_, err = tc.store.Create(ctx, model.NewJob{Owner: "alice", FileName: "a.mp3"})
			require.NoError(t, err)
			waitFor(t, a2, func(s model.Snapshot) bool { return len(s.Jobs) == 1 })

			a2.Close()
			require.Eventually(t, func() bool { return tc.notifier.owners() == 0 }, time.Second, time.Millisecond)

			// A fresh subscription starts a new feed
			again, err := tc.store.Subscribe(ctx, "alice")
			require.NoError(t, err)
			defer again.Close()
			assert.Len(t, nextSnapshot(t, again).Jobs, 1)
			_, err = tc.store.Create(ctx, model.NewJob{Owner: "alice", FileName: "b.mp3"})
			require.NoError(t, err)
			waitFor(t, again, func(s model.Snapshot) bool { return len(s.Jobs) == 2 })
		})
	}
}
