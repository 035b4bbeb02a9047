package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sonicsplit/api/internal/client"
	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/internal/store"
	"github.com/sonicsplit/api/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{
	TickInterval:  5 * time.Millisecond,
	WriteAttempts: 3,
	WriteBackoff:  time.Millisecond,
}

// recordingStore keeps every successful update so tests can check the exact
// sequence of committed states
type recordingStore struct {
	store.JobStore

	mu      sync.Mutex
	commits []model.Job
}

func (r *recordingStore) Update(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	job, err := r.JobStore.Update(ctx, id, patch)
	if err == nil {
		r.mu.Lock()
		r.commits = append(r.commits, *job.Clone())
		r.mu.Unlock()
	}
	return job, err
}

func (r *recordingStore) history() []model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Job(nil), r.commits...)
}

type driverFunc func(ctx context.Context, job *model.Job) (Advance, error)

func (f driverFunc) Advance(ctx context.Context, job *model.Job) (Advance, error) {
	return f(ctx, job)
}

func setup(t *testing.T, driver Driver) (*Engine, *store.MemoryStore, *recordingStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	rec := &recordingStore{JobStore: mem}
	if driver == nil {
		driver = NewSimulatedDriver(10, client.NewMemoryStorage("https://cdn.test"))
	}
	e := NewEngine(rec, driver, testConfig, logger.Discard())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return e, mem, rec
}

func createJob(t *testing.T, s store.JobStore) *model.Job {
	t.Helper()
	job, err := s.Create(context.Background(), model.NewJob{Owner: "u1", FileName: "a.mp3", SourceURL: "https://cdn.test/a.mp3"})
	require.NoError(t, err)
	return job
}

func waitForJob(t *testing.T, s store.JobStore, id string, cond func(*model.Job) bool) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = s.Get(context.Background(), id)
		return err == nil && cond(job)
	}, 3*time.Second, 2*time.Millisecond)
	return job
}

func TestRunSimulatedSequence(t *testing.T) {
	e, mem, rec := setup(t, nil)
	job := createJob(t, mem)

	require.NoError(t, e.Run(context.Background(), job.ID))

	history := rec.history()
	require.Len(t, history, 10)
	for i, j := range history[:9] {
		assert.Equal(t, (i+1)*10, j.Progress)
		assert.Equal(t, model.JobStatusProcessing, j.Status)
		assert.Empty(t, j.Stems)
		assert.Empty(t, j.ScoreURL)
	}

	final := history[9]
	assert.Equal(t, model.JobStatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, map[string]string{
		"vocals": "https://cdn.test/stems/u1/" + job.ID + "/vocals.wav",
		"drums":  "https://cdn.test/stems/u1/" + job.ID + "/drums.wav",
		"bass":   "https://cdn.test/stems/u1/" + job.ID + "/bass.wav",
	}, final.Stems)
	assert.Equal(t, "https://cdn.test/scores/u1/"+job.ID+".mid", final.ScoreURL)
	assert.Equal(t, 0, e.Active())
}

func TestStartReturnsImmediately(t *testing.T) {
	e, mem, _ := setup(t, nil)
	job := createJob(t, mem)

	require.NoError(t, e.Start(context.Background(), job.ID))
	assert.True(t, e.IsActive(job.ID))

	stored, err := mem.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, stored.Status)

	waitForJob(t, mem, job.ID, func(j *model.Job) bool { return j.Status == model.JobStatusCompleted })
	e.Wait()
	assert.Equal(t, 0, e.Active())
}

func TestStartOutlivesCallerContext(t *testing.T) {
	e, mem, _ := setup(t, nil)
	job := createJob(t, mem)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx, job.ID))
	cancel()

	waitForJob(t, mem, job.ID, func(j *model.Job) bool { return j.Status == model.JobStatusCompleted })
}

func TestAtMostOneDriverPerJob(t *testing.T) {
	block := make(chan struct{})
	driver := driverFunc(func(ctx context.Context, job *model.Job) (Advance, error) {
		select {
		case <-block:
		case <-ctx.Done():
			return Advance{}, ctx.Err()
		}
		next := job.Progress + 10
		if next >= 100 {
			return Advance{Progress: 100, Result: &model.SeparationResult{
				Stems:    map[string]string{"vocals": "v", "drums": "d", "bass": "b"},
				ScoreURL: "s",
			}}, nil
		}
		return Advance{Progress: next}, nil
	})
	e, mem, rec := setup(t, driver)
	job := createJob(t, mem)

	sub, err := mem.Subscribe(context.Background(), job.Owner)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, e.Start(context.Background(), job.ID))

	err = e.Start(context.Background(), job.ID)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	err = e.Run(context.Background(), job.ID)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
	assert.Equal(t, 1, e.Active())

	// Keep competing for the job while the first loop runs to completion
	stop := make(chan struct{})
	var competitors sync.WaitGroup
	for i := 0; i < 4; i++ {
		competitors.Add(1)
		go func() {
			defer competitors.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				err := e.Start(context.Background(), job.ID)
				if err == nil {
					t.Error("a second driver was started")
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	close(block)

	last := 0
	for snap := range sub.Snapshots() {
		require.Len(t, snap.Jobs, 1)
		j := snap.Jobs[0]
		assert.LessOrEqual(t, j.Progress, 100)
		assert.GreaterOrEqual(t, j.Progress, last)
		last = j.Progress
		if j.IsTerminal() {
			assert.Equal(t, model.JobStatusCompleted, j.Status)
			break
		}
	}
	close(stop)
	competitors.Wait()
	e.Wait()

	terminal := 0
	for _, j := range rec.history() {
		assert.LessOrEqual(t, j.Progress, 100)
		if j.IsTerminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)

	err = e.Start(context.Background(), job.ID)
	assert.True(t, errors.Is(err, model.ErrAlreadyTerminal))
	assert.Equal(t, 0, e.Active())
}

// claimCheckingStore records whether the engine already held the job when it
// read the stored record
type claimCheckingStore struct {
	store.JobStore
	engine *Engine

	mu        sync.Mutex
	unclaimed int
}

func (s *claimCheckingStore) Get(ctx context.Context, id string) (*model.Job, error) {
	if s.engine != nil && !s.engine.IsActive(id) {
		s.mu.Lock()
		s.unclaimed++
		s.mu.Unlock()
	}
	return s.JobStore.Get(ctx, id)
}

func TestClaimPrecedesLoad(t *testing.T) {
	mem := store.NewMemoryStore()
	checking := &claimCheckingStore{JobStore: mem}
	e := NewEngine(checking, NewSimulatedDriver(10, client.NewMemoryStorage("https://cdn.test")), testConfig, logger.Discard())
	checking.engine = e
	job := createJob(t, mem)

	require.NoError(t, e.Run(context.Background(), job.ID))
	require.NoError(t, e.Start(context.Background(), createJob(t, mem).ID))
	e.Wait()

	checking.mu.Lock()
	defer checking.mu.Unlock()
	assert.Zero(t, checking.unclaimed)
}

func TestLoadFailureReleasesClaim(t *testing.T) {
	e, mem, _ := setup(t, nil)
	job := createJob(t, mem)
	_, err := mem.Update(context.Background(), job.ID, model.CancelPatch())
	require.NoError(t, err)

	err = e.Run(context.Background(), job.ID)
	assert.True(t, errors.Is(err, model.ErrAlreadyTerminal))
	assert.False(t, e.IsActive(job.ID))

	err = e.Start(context.Background(), "missing")
	assert.True(t, errors.Is(err, model.ErrJobNotFound))
	assert.Equal(t, 0, e.Active())
}

func TestResumesFromProgressCommittedByPreviousLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	driver := driverFunc(func(_ context.Context, job *model.Job) (Advance, error) {
		next := job.Progress + 10
		if next == 30 {
			// The first loop is cut off right after its second commit
			cancel()
		}
		if next >= 100 {
			return Advance{Progress: 100, Result: &model.SeparationResult{Stems: map[string]string{"vocals": "v"}, ScoreURL: "s"}}, nil
		}
		return Advance{Progress: next}, nil
	})
	e, mem, rec := setup(t, driver)
	job := createJob(t, mem)

	err := e.Run(ctx, job.ID)
	require.True(t, errors.Is(err, context.Canceled))

	require.NoError(t, e.Run(context.Background(), job.ID))
	stored, err := mem.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)

	prev := 0
	for _, j := range rec.history() {
		assert.GreaterOrEqual(t, j.Progress, prev)
		prev = j.Progress
	}
}

func TestStartRejectsTerminalAndMissing(t *testing.T) {
	e, mem, _ := setup(t, nil)
	job := createJob(t, mem)
	_, err := mem.Update(context.Background(), job.ID, model.FailurePatch("x"))
	require.NoError(t, err)

	err = e.Start(context.Background(), job.ID)
	assert.True(t, errors.Is(err, model.ErrAlreadyTerminal))

	err = e.Start(context.Background(), "missing")
	assert.True(t, errors.Is(err, model.ErrJobNotFound))
	assert.Equal(t, 0, e.Active())
}

func TestResumeFromStoredProgress(t *testing.T) {
	e, mem, rec := setup(t, nil)
	job := createJob(t, mem)
	_, err := mem.Update(context.Background(), job.ID, model.ProgressPatch(60))
	require.NoError(t, err)

	require.NoError(t, e.Run(context.Background(), job.ID))

	history := rec.history()
	require.Len(t, history, 4)
	assert.Equal(t, 70, history[0].Progress)
	assert.Equal(t, model.JobStatusCompleted, history[3].Status)
}

func TestCancel(t *testing.T) {
	e, mem, _ := setup(t, nil)
	job := createJob(t, mem)

	require.NoError(t, e.Start(context.Background(), job.ID))
	waitForJob(t, mem, job.ID, func(j *model.Job) bool { return j.Progress >= 20 })

	cancelled, err := e.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, cancelled.Status)

	e.Wait()
	stored, err := mem.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, stored.Status)
	assert.GreaterOrEqual(t, stored.Progress, 20)
	assert.Less(t, stored.Progress, 100)
	assert.Empty(t, stored.Stems)

	_, err = e.Cancel(context.Background(), job.ID)
	assert.True(t, errors.Is(err, model.ErrAlreadyTerminal))
}

func TestWriteRetrySucceeds(t *testing.T) {
	e, mem, rec := setup(t, nil)
	job := createJob(t, mem)
	mem.FailNextUpdates(2, errors.New("connection reset"))

	require.NoError(t, e.Run(context.Background(), job.ID))

	history := rec.history()
	require.Len(t, history, 10)
	assert.Equal(t, 10, history[0].Progress)
	assert.Equal(t, model.JobStatusCompleted, history[9].Status)
}

func TestWriteExhaustionFailsJob(t *testing.T) {
	e, mem, _ := setup(t, nil)
	job := createJob(t, mem)
	mem.FailNextUpdates(testConfig.WriteAttempts, errors.New("store unavailable"))

	err := e.Run(context.Background(), job.ID)
	require.Error(t, err)

	stored, err := mem.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	assert.Equal(t, 0, stored.Progress)
	assert.Contains(t, stored.Error, "store unavailable")
}

func TestPermanentDriverErrorFailsJob(t *testing.T) {
	driver := driverFunc(func(ctx context.Context, job *model.Job) (Advance, error) {
		return Advance{}, Permanent(errors.New("unsupported codec"))
	})
	e, mem, _ := setup(t, driver)
	job := createJob(t, mem)

	err := e.Run(context.Background(), job.ID)
	assert.True(t, IsPermanent(err))

	stored, _ := mem.Get(context.Background(), job.ID)
	assert.Equal(t, model.JobStatusFailed, stored.Status)
	assert.Equal(t, "unsupported codec", stored.Error)
}

func TestTransientDriverErrorsAreRetried(t *testing.T) {
	calls := 0
	driver := driverFunc(func(ctx context.Context, job *model.Job) (Advance, error) {
		calls++
		if calls <= 2 {
			return Advance{}, errors.New("timeout")
		}
		return Advance{Progress: 100, Result: &model.SeparationResult{
			Stems:    map[string]string{"vocals": "v"},
			ScoreURL: "s",
		}}, nil
	})
	e, mem, _ := setup(t, driver)
	job := createJob(t, mem)

	require.NoError(t, e.Run(context.Background(), job.ID))
	stored, _ := mem.Get(context.Background(), job.ID)
	assert.Equal(t, model.JobStatusCompleted, stored.Status)
	assert.Equal(t, 3, calls)
}

func TestTerminalWriteElsewhereStopsLoop(t *testing.T) {
	e, mem, _ := setup(t, nil)
	job := createJob(t, mem)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background(), job.ID) }()

	waitForJob(t, mem, job.ID, func(j *model.Job) bool { return j.Progress >= 10 })
	_, err := mem.Update(context.Background(), job.ID, model.CompletionPatch(model.SeparationResult{
		Stems:    map[string]string{"vocals": "elsewhere"},
		ScoreURL: "elsewhere",
	}))
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not stop")
	}

	stored, _ := mem.Get(context.Background(), job.ID)
	assert.Equal(t, "elsewhere", stored.ScoreURL)
}

func TestShutdownLeavesJobsProcessing(t *testing.T) {
	driver := driverFunc(func(ctx context.Context, job *model.Job) (Advance, error) {
		return Advance{Progress: job.Progress}, nil
	})
	e, mem, _ := setup(t, driver)
	a := createJob(t, mem)
	b := createJob(t, mem)

	require.NoError(t, e.Start(context.Background(), a.ID))
	require.NoError(t, e.Start(context.Background(), b.ID))
	assert.Equal(t, 2, e.Active())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
	assert.Equal(t, 0, e.Active())

	jobs, err := mem.ListProcessing(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
