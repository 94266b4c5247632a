// Package redis provides the Redis-backed tiered cache.
//
// The remote Redis tier is the source of truth; an optional in-process local
// tier serves reads without a network round trip and keeps the last known
// value available while Redis is unreachable. Remote failures on reads are
// logged and degrade to the local tier, never surfaced to the caller; remote
// failures on writes are surfaced as cache.ErrUnavailable because durability
// was not achieved.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/toolflow/runtime/cache"
	"goa.design/toolflow/runtime/telemetry"
)

type (
	// Commands is the minimal Redis contract required by the tiered cache.
	//
	// Commands is satisfied by *redis.Client. It is defined here to keep the
	// cache unit-testable without Redis and to avoid coupling callers to a
	// concrete client type.
	Commands interface {
		Get(ctx context.Context, key string) *redis.StringCmd
		Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
		PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
		Del(ctx context.Context, keys ...string) *redis.IntCmd
	}

	// Options configures the tiered cache.
	Options struct {
		// Client is the Redis connection backing the remote tier. Required.
		Client Commands
		// KeyPrefix scopes every key written by this cache. Optional.
		KeyPrefix string
		// DefaultTTL applies when Set is called with a zero ttl.
		DefaultTTL time.Duration
		// EnableLocal turns on the in-process read-through tier.
		EnableLocal bool
		// LocalTTL bounds local tier entries. When zero or longer than the
		// entry's remote TTL, the remote TTL is used.
		LocalTTL time.Duration
		// OperationTimeout bounds individual Redis operations. Zero means no
		// timeout beyond the caller's context.
		OperationTimeout time.Duration
		// Logger receives degradation warnings. When nil, logging is suppressed.
		Logger telemetry.Logger
	}

	// Cache is the tiered cache.Cache implementation.
	Cache struct {
		remote     Commands
		local      *cache.Local
		prefix     string
		defaultTTL time.Duration
		localTTL   time.Duration
		timeout    time.Duration
		logger     telemetry.Logger
	}
)

// New constructs a tiered cache. The Client field in opts is required.
func New(opts Options) (*Cache, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	c := &Cache{
		remote:     opts.Client,
		prefix:     opts.KeyPrefix,
		defaultTTL: opts.DefaultTTL,
		localTTL:   opts.LocalTTL,
		timeout:    opts.OperationTimeout,
		logger:     opts.Logger,
	}
	if opts.EnableLocal {
		c.local = cache.NewLocal()
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	return c, nil
}

// Compile-time check that Cache implements cache.Cache.
var _ cache.Cache = (*Cache)(nil)

// Get retrieves the entry for key: local tier first, then remote with local
// back-fill. When the remote tier fails the last locally cached value is
// served even if expired; Get only fails when no value exists anywhere.
func (c *Cache) Get(ctx context.Context, key string) (cache.Entry, error) {
	full := c.prefix + key
	if c.local != nil {
		if e, err := c.local.Get(ctx, full); err == nil {
			return e, nil
		}
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	val, err := c.remote.Get(opCtx, full).Bytes()
	switch {
	case err == nil:
		if c.local != nil {
			_ = c.local.Set(ctx, full, val, c.localEntryTTL(c.defaultTTL))
		}
		return cache.Entry{Key: full, Value: val, Tier: cache.TierRemote}, nil
	case errors.Is(err, redis.Nil):
		// Clean remote miss: the remote tier is authoritative, so a stale
		// local value must not resurrect a deleted or expired entry.
		return cache.Entry{}, cache.ErrNotFound
	default:
		c.logger.Warn(ctx, "cache remote get failed, falling back to local tier",
			"key", full, "err", err)
		if c.local != nil {
			if stale, ok := c.local.GetStale(ctx, full); ok {
				return stale, nil
			}
		}
		return cache.Entry{}, cache.ErrNotFound
	}
}

// GetFresh retrieves the entry for key from the remote tier, bypassing the
// local tier while the remote is reachable. An authoritative remote miss
// drops any local copy so a stale value cannot resurrect the entry; a remote
// failure degrades to the last locally cached value like Get.
func (c *Cache) GetFresh(ctx context.Context, key string) (cache.Entry, error) {
	full := c.prefix + key

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	val, err := c.remote.Get(opCtx, full).Bytes()
	switch {
	case err == nil:
		if c.local != nil {
			_ = c.local.Set(ctx, full, val, c.localEntryTTL(c.defaultTTL))
		}
		return cache.Entry{Key: full, Value: val, Tier: cache.TierRemote}, nil
	case errors.Is(err, redis.Nil):
		if c.local != nil {
			_ = c.local.Delete(ctx, full)
		}
		return cache.Entry{}, cache.ErrNotFound
	default:
		c.logger.Warn(ctx, "cache remote get failed, falling back to local tier",
			"key", full, "err", err)
		if c.local != nil {
			if stale, ok := c.local.GetStale(ctx, full); ok {
				return stale, nil
			}
		}
		return cache.Entry{}, cache.ErrNotFound
	}
}

// Set writes value to the remote tier and, when local tiering is enabled,
// populates the local tier with the same or a shorter TTL.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	full := c.prefix + key

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.remote.Set(opCtx, full, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %q: %v", cache.ErrUnavailable, full, err)
	}
	if c.local != nil {
		_ = c.local.Set(ctx, full, value, c.localEntryTTL(ttl))
	}
	return nil
}

// Touch extends the remote TTL of key in place. The record itself is never
// rewritten, so a touch can not overwrite a concurrent writer's value. The
// local tier's expiry is extended alongside when the entry is cached there.
func (c *Cache) Touch(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if ttl <= 0 {
		// No expiry configured: nothing to refresh.
		return nil
	}
	full := c.prefix + key

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	ok, err := c.remote.PExpire(opCtx, full, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: touch %q: %v", cache.ErrUnavailable, full, err)
	}
	if !ok {
		return cache.ErrNotFound
	}
	if c.local != nil {
		_ = c.local.Touch(ctx, full, c.localEntryTTL(ttl))
	}
	return nil
}

// Delete removes key from the local tier synchronously and from the remote
// tier best-effort. Local deletion wins even when the remote delete fails so
// a stale local value is never served after an explicit delete.
func (c *Cache) Delete(ctx context.Context, key string) error {
	full := c.prefix + key
	if c.local != nil {
		_ = c.local.Delete(ctx, full)
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()
	if err := c.remote.Del(opCtx, full).Err(); err != nil {
		c.logger.Warn(ctx, "cache remote delete failed", "key", full, "err", err)
	}
	return nil
}

func (c *Cache) localEntryTTL(remoteTTL time.Duration) time.Duration {
	if c.localTTL > 0 && (remoteTTL <= 0 || c.localTTL < remoteTTL) {
		return c.localTTL
	}
	return remoteTTL
}

func (c *Cache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, func() {}
}
