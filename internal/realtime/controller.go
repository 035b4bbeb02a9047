// Package realtime keeps a signed-in user's job list in sync with the
// backend and runs uploads on their behalf.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sonicsplit/api/internal/feed"
	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/internal/store"
)

// ErrAlreadySignedIn is returned by SignIn while a session is active
var ErrAlreadySignedIn = errors.New("already signed in")

// Identity yields a stable user id once signed in
type Identity interface {
	SignIn(ctx context.Context) (string, error)
	SignOut(ctx context.Context) error
}

// Uploader runs the upload, create and trigger pipeline
type Uploader interface {
	UploadAndCreateJob(ctx context.Context, owner string, upload *model.Upload) (*model.Job, error)
}

// Subscriber opens an owner-scoped snapshot feed
type Subscriber interface {
	Subscribe(ctx context.Context, owner string) (store.Subscription, error)
}

// State is the session state of a controller
type State string

const (
	StateSignedOut State = "signedOut"
	StateSigningIn State = "signingIn"
	StateSignedIn  State = "signedIn"
	// StateSyncLost means signed in, but the job list is stale until the
	// feed comes back
	StateSyncLost State = "syncLost"
)

// View is an immutable picture of the session
type View struct {
	State     State
	UserID    string
	Jobs      []model.Job
	Uploading bool
	// LastError holds the most recent sign-in or synchronization failure
	LastError error
}

// Config tunes reconnection
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxAttempts is the number of consecutive feed failures after which
	// the view is flagged as syncLost
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Controller bridges sign-in, sign-out and uploads with the pushed job feed
type Controller struct {
	identity   Identity
	uploader   Uploader
	subscriber Subscriber
	cfg        Config
	logger     *slog.Logger

	mu        sync.Mutex
	view      View
	gen       uint64
	uploads   int
	cancel    context.CancelFunc
	pumpDone  chan struct{}
	views     *feed.Feed[View]
	closeOnce sync.Once
}

// NewController creates a signed-out controller
func NewController(identity Identity, uploader Uploader, subscriber Subscriber, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		identity:   identity,
		uploader:   uploader,
		subscriber: subscriber,
		cfg:        cfg.withDefaults(),
		logger:     logger.With(slog.String("component", "realtime")),
		view:       View{State: StateSignedOut},
		views:      feed.New[View](),
	}
}

// View returns the current view
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Watch returns a watcher primed with the current view. Slow watchers only
// skip superseded views.
func (c *Controller) Watch() *feed.Watcher[View] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.views.WatchWith(c.view)
}

// setLocked must be called with c.mu held
func (c *Controller) setLocked(v View) {
	c.view = v
	c.views.Publish(v)
}

// SignIn signs in and starts the job feed
func (c *Controller) SignIn(ctx context.Context) error {
	c.mu.Lock()
	if c.view.State != StateSignedOut {
		c.mu.Unlock()
		return ErrAlreadySignedIn
	}
	c.gen++
	gen := c.gen
	c.setLocked(View{State: StateSigningIn})
	c.mu.Unlock()

	userID, err := c.identity.SignIn(ctx)
	if err == nil && userID == "" {
		err = errors.New("identity returned an empty user id")
	}

	c.mu.Lock()
	if c.gen != gen {
		// Signed out while the identity call was in flight
		c.mu.Unlock()
		if err == nil {
			_ = c.identity.SignOut(context.WithoutCancel(ctx))
		}
		return model.ErrSignedOut
	}
	if err != nil {
		c.setLocked(View{State: StateSignedOut, LastError: err})
		c.mu.Unlock()
		return fmt.Errorf("sign in: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.cancel = cancel
	c.pumpDone = done
	c.setLocked(View{State: StateSignedIn, UserID: userID, Jobs: []model.Job{}})
	c.mu.Unlock()

	c.logger.Info("signed in", slog.String("user_id", userID))
	go c.pump(pumpCtx, done, gen, userID)
	return nil
}

// SignOut tears down the job feed, then clears the identity. No snapshot
// received before the call returns is applied afterwards.
func (c *Controller) SignOut(ctx context.Context) error {
	c.mu.Lock()
	if c.view.State == StateSignedOut {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	cancel, done := c.cancel, c.pumpDone
	c.cancel, c.pumpDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	err := c.identity.SignOut(ctx)

	c.mu.Lock()
	c.uploads = 0
	c.setLocked(View{State: StateSignedOut})
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("identity sign out failed", slog.Any("error", err))
		return fmt.Errorf("sign out: %w", err)
	}
	c.logger.Info("signed out")
	return nil
}

// Close stops the feed and closes every watcher. The identity is left as is.
func (c *Controller) Close() {
	c.mu.Lock()
	c.gen++
	cancel, done := c.cancel, c.pumpDone
	c.cancel, c.pumpDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.closeOnce.Do(c.views.Close)
}

// UploadAndCreateJob uploads a file as the signed-in user. Errors are
// returned to the caller only; the view just tracks whether uploads are in
// flight.
func (c *Controller) UploadAndCreateJob(ctx context.Context, upload *model.Upload) (*model.Job, error) {
	c.mu.Lock()
	if c.view.State != StateSignedIn && c.view.State != StateSyncLost {
		c.mu.Unlock()
		return nil, model.ErrSignedOut
	}
	gen, owner := c.gen, c.view.UserID
	c.uploads++
	v := c.view
	v.Uploading = true
	c.setLocked(v)
	c.mu.Unlock()

	job, err := c.uploader.UploadAndCreateJob(ctx, owner, upload)

	c.mu.Lock()
	if c.gen == gen {
		c.uploads--
		v := c.view
		v.Uploading = c.uploads > 0
		c.setLocked(v)
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("upload failed", slog.String("owner", owner), slog.Any("error", err))
		return nil, err
	}
	return job, nil
}

// pump keeps one subscription open for the session and reconnects with
// exponential backoff when it breaks
func (c *Controller) pump(ctx context.Context, done chan struct{}, gen uint64, owner string) {
	defer close(done)

	failures := 0
	backoff := c.cfg.InitialBackoff
	for {
		received, err := c.consume(ctx, gen, owner)
		if ctx.Err() != nil {
			return
		}
		if received {
			failures = 0
			backoff = c.cfg.InitialBackoff
		}
		failures++
		c.markFailure(gen, err, failures)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// consume reads one subscription until it ends. It reports whether any
// snapshot arrived and why the feed ended.
func (c *Controller) consume(ctx context.Context, gen uint64, owner string) (bool, error) {
	sub, err := c.subscriber.Subscribe(ctx, owner)
	if err != nil {
		if !errors.Is(err, model.ErrSubscriptionLost) {
			err = fmt.Errorf("%w: %v", model.ErrSubscriptionLost, err)
		}
		return false, err
	}
	defer sub.Close()

	received := false
	for {
		select {
		case <-ctx.Done():
			return received, ctx.Err()
		case snap, ok := <-sub.Snapshots():
			if !ok {
				err := sub.Err()
				if err == nil {
					err = fmt.Errorf("%w: feed closed", model.ErrSubscriptionLost)
				}
				return received, err
			}
			received = true
			c.apply(gen, owner, snap)
		}
	}
}

// apply replaces the job list with snap when it belongs to the live session
func (c *Controller) apply(gen uint64, owner string, snap model.Snapshot) {
	jobs := make([]model.Job, 0, len(snap.Jobs))
	for _, j := range snap.Jobs {
		if j.Owner == owner {
			jobs = append(jobs, j)
		}
	}
	model.SortJobs(jobs)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	v := c.view
	if v.State == StateSyncLost {
		c.logger.Info("synchronization restored", slog.String("owner", owner))
	}
	v.State = StateSignedIn
	v.Jobs = jobs
	v.LastError = nil
	c.setLocked(v)
}

func (c *Controller) markFailure(gen uint64, err error, failures int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	v := c.view
	v.LastError = err
	if failures >= c.cfg.MaxAttempts && v.State != StateSyncLost {
		v.State = StateSyncLost
		c.logger.Error("synchronization lost", slog.Int("attempts", failures), slog.Any("error", err))
	} else {
		c.logger.Warn("job feed interrupted, reconnecting", slog.Int("attempt", failures), slog.Any("error", err))
	}
	c.setLocked(v)
}
