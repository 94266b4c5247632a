// Package redis provides the Redis-backed distributed locker.
//
// Locks are conditional set-if-absent keys with a millisecond TTL and a
// per-acquisition owner token. Renew and release are compare-and-act Lua
// scripts so a handle can never extend or free a lock another process has
// since taken over.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/toolflow/runtime/lock"
)

type (
	// Commands is the minimal Redis contract required by the locker.
	//
	// Commands is satisfied by *redis.Client. It is defined here so the
	// locker is unit-testable without Redis.
	Commands interface {
		SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
		Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	}

	// Options configures the locker.
	Options struct {
		// Client is the Redis connection. Required.
		Client Commands
		// KeyPrefix scopes every lock key. Optional.
		KeyPrefix string
	}

	// Locker implements lock.Locker over Redis.
	Locker struct {
		client Commands
		prefix string
	}

	handle struct {
		client Commands
		key    string
		owner  string
		ttl    time.Duration
	}
)

// Compare-and-act scripts: the lock key must still carry this handle's owner
// token for the operation to apply.
const (
	renewScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`
	releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`
)

// New constructs a Redis locker. The Client field in opts is required.
func New(opts Options) (*Locker, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Locker{client: opts.Client, prefix: opts.KeyPrefix}, nil
}

// Compile-time check that Locker implements lock.Locker.
var _ lock.Locker = (*Locker)(nil)

// Acquire implements lock.Locker via SET NX PX. Contention returns
// lock.ErrBusy without waiting; transport failures are surfaced as errors so
// callers can distinguish "held elsewhere" from "backend unreachable".
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (lock.Handle, error) {
	key := l.prefix + name
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %q: %w", key, err)
	}
	if !ok {
		return nil, lock.ErrBusy
	}
	return &handle{client: l.client, key: key, owner: owner, ttl: ttl}, nil
}

// Renew implements lock.Handle.
func (h *handle) Renew(ctx context.Context) error {
	res, err := h.client.Eval(ctx, renewScript, []string{h.key}, h.owner, h.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lock %q: %w", h.key, err)
	}
	if res == 0 {
		return lock.ErrLost
	}
	return nil
}

// Release implements lock.Handle. Releasing a lock that already expired or
// was taken over is not an error; the TTL is the fallback release path.
func (h *handle) Release(ctx context.Context) error {
	if _, err := h.client.Eval(ctx, releaseScript, []string{h.key}, h.owner).Int64(); err != nil {
		return fmt.Errorf("release lock %q: %w", h.key, err)
	}
	return nil
}
