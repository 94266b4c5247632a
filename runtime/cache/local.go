package cache

import (
	"context"
	"sync"
	"time"
)

// Local is the in-process cache tier: a mutex-guarded map with per-entry
// expiry enforced lazily on access. It implements Cache and is safe for
// concurrent use.
type Local struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewLocal returns an empty local tier.
func NewLocal() *Local {
	return &Local{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Get implements Cache. Expired entries report ErrNotFound but are kept so
// GetStale can still serve them while the remote tier is down; they are
// replaced on the next Set and removed on Delete.
func (l *Local) Get(_ context.Context, key string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if !e.ExpiresAt.IsZero() && l.now().After(e.ExpiresAt) {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// GetFresh implements Cache. The local tier is single-layered so GetFresh is
// equivalent to Get.
func (l *Local) GetFresh(ctx context.Context, key string) (Entry, error) {
	return l.Get(ctx, key)
}

// GetStale returns the entry for key even when it has expired. The tiered
// cache uses it to serve a last-known value while the remote tier is
// unreachable.
func (l *Local) GetStale(_ context.Context, key string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[key]
	return e, ok
}

// Set implements Cache.
func (l *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{Key: key, Value: value, Tier: TierLocal}
	if ttl > 0 {
		e.ExpiresAt = l.now().Add(ttl)
	}
	l.entries[key] = e
	return nil
}

// Touch implements Cache.
func (l *Local) Touch(_ context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || (!e.ExpiresAt.IsZero() && l.now().After(e.ExpiresAt)) {
		return ErrNotFound
	}
	if ttl > 0 {
		e.ExpiresAt = l.now().Add(ttl)
	} else {
		e.ExpiresAt = time.Time{}
	}
	l.entries[key] = e
	return nil
}

// Delete implements Cache.
func (l *Local) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.entries, key)
	return nil
}

// Len reports the number of entries currently held, including expired ones
// that have not been evicted yet.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
