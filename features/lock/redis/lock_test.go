package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/toolflow/runtime/lock"
)

func TestAcquireContention(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	l, err := New(Options{Client: srv, KeyPrefix: "lock:"})
	require.NoError(t, err)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "s1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "s1", time.Minute)
	assert.ErrorIs(t, err, lock.ErrBusy)

	require.NoError(t, h.Release(ctx))
	_, err = l.Acquire(ctx, "s1", time.Minute)
	assert.NoError(t, err)
}

func TestRenewRequiresOwnership(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	l, err := New(Options{Client: srv})
	require.NoError(t, err)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "s1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, h.Renew(ctx))

	// Simulate takeover after expiry: another owner now holds the key.
	srv.mu.Lock()
	srv.values["s1"] = "someone-else"
	srv.mu.Unlock()

	assert.ErrorIs(t, h.Renew(ctx), lock.ErrLost)
}

func TestReleaseOfLostLockIsNotAnError(t *testing.T) {
	t.Parallel()

	srv := newFakeServer()
	l, err := New(Options{Client: srv})
	require.NoError(t, err)
	ctx := context.Background()

	h, err := l.Acquire(ctx, "s1", time.Minute)
	require.NoError(t, err)

	srv.mu.Lock()
	delete(srv.values, "s1")
	srv.mu.Unlock()

	assert.NoError(t, h.Release(ctx))
}

func TestNewRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(Options{})
	assert.Error(t, err)
}

// fakeServer implements Commands with the same conditional semantics as the
// Lua scripts the locker sends to Redis.
type fakeServer struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeServer() *fakeServer {
	return &fakeServer{values: make(map[string]string)}
}

func (f *fakeServer) SetNX(_ context.Context, key string, value any, _ time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; ok {
		return goredis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeServer) Eval(_ context.Context, script string, keys []string, args ...any) *goredis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, _ := args[0].(string)
	if f.values[keys[0]] != owner {
		return goredis.NewCmdResult(int64(0), nil)
	}
	if script == releaseScript {
		delete(f.values, keys[0])
	}
	return goredis.NewCmdResult(int64(1), nil)
}
