package store

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sonicsplit/api/internal/model"
	"github.com/sonicsplit/api/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyProxy forwards TCP to a Redis server and can drop every connection
// and refuse new ones for a while
type flakyProxy struct {
	ln     net.Listener
	target string

	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	downUntil time.Time
}

func newFlakyProxy(t *testing.T, target string) *flakyProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	p := &flakyProxy{ln: ln, target: target, conns: make(map[net.Conn]struct{})}
	go p.serve()
	t.Cleanup(func() {
		ln.Close()
		p.cut(0)
	})
	return p
}

func (p *flakyProxy) Addr() string { return p.ln.Addr().String() }

func (p *flakyProxy) serve() {
	for {
		down, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		refusing := time.Now().Before(p.downUntil)
		p.mu.Unlock()
		if refusing {
			down.Close()
			continue
		}

		up, err := net.Dial("tcp", p.target)
		if err != nil {
			down.Close()
			continue
		}
		p.mu.Lock()
		p.conns[down] = struct{}{}
		p.conns[up] = struct{}{}
		p.mu.Unlock()

		go p.pipe(down, up)
		go p.pipe(up, down)
	}
}

func (p *flakyProxy) pipe(dst, src net.Conn) {
	_, _ = io.Copy(dst, src)
	dst.Close()
	src.Close()
	p.mu.Lock()
	delete(p.conns, dst)
	delete(p.conns, src)
	p.mu.Unlock()
}

// cut closes every open connection and refuses new ones for d
func (p *flakyProxy) cut(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downUntil = time.Now().Add(d)
	for c := range p.conns {
		c.Close()
		delete(p.conns, c)
	}
}

func TestRedisSubscriptionReloadsAfterReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	proxy := newFlakyProxy(t, mr.Addr())

	apiClient := redis.NewClient(&redis.Options{Addr: proxy.Addr()})
	defer apiClient.Close()
	workerClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer workerClient.Close()

	api := NewRedisStore(apiClient, logger.Discard())
	worker := NewRedisStore(workerClient, logger.Discard())
	ctx := context.Background()

	job, err := worker.Create(ctx, model.NewJob{Owner: "u1", FileName: "a.mp3"})
	require.NoError(t, err)

	sub, err := api.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer sub.Close()
	first := nextSnapshot(t, sub)
	require.Len(t, first.Jobs, 1)
	assert.Equal(t, 0, first.Jobs[0].Progress)

	// The commit lands while the API process is cut off, so its
	// notification is never delivered
	proxy.cut(350 * time.Millisecond)
	_, err = worker.Update(ctx, job.ID, model.ProgressPatch(90))
	require.NoError(t, err)

	snap := waitFor(t, sub, func(s model.Snapshot) bool {
		return len(s.Jobs) == 1 && s.Jobs[0].Progress == 90
	})
	assert.Equal(t, model.JobStatusProcessing, snap.Jobs[0].Status)
	assert.NoError(t, sub.Err())

	// Live notifications resume on the new connection
	_, err = worker.Update(ctx, job.ID, model.CompletionPatch(result()))
	require.NoError(t, err)
	waitFor(t, sub, func(s model.Snapshot) bool {
		return len(s.Jobs) == 1 && s.Jobs[0].Status == model.JobStatusCompleted
	})
}

func TestReloadNeeded(t *testing.T) {
	tests := []struct {
		name string
		msg  any
		want bool
	}{
		{"change message", &redis.Message{Channel: "jobs:changed:u1", Payload: "j1"}, true},
		{"resubscribed", &redis.Subscription{Kind: "subscribe", Channel: "jobs:changed:u1", Count: 1}, true},
		{"unsubscribed", &redis.Subscription{Kind: "unsubscribe", Channel: "jobs:changed:u1"}, false},
		{"pong", &redis.Pong{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reloadNeeded(tt.msg))
		})
	}
}
