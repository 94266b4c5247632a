// Package lock defines the advisory mutual-exclusion contract used to bound
// concurrent execution of a session across processes.
//
// Coordination is advisory, not linearizable: locks are TTL-bounded markers,
// not a consensus protocol. A lock that expires before its holder finishes
// degrades the guarantee from at-most-one to at-least-once concurrent
// execution; holders renew the lock while working to keep that window small.
package lock

import (
	"context"
	"errors"
	"time"
)

type (
	// Handle represents one acquired lock. Handles are single-use: after
	// Release (or expiry) the handle is dead and Renew fails.
	Handle interface {
		// Renew extends the lock's TTL. Returns ErrLost when the lock is no
		// longer owned by this handle (expired or taken over).
		Renew(ctx context.Context) error
		// Release frees the lock if this handle still owns it. Releasing a
		// lost lock is not an error.
		Release(ctx context.Context) error
	}

	// Locker acquires named TTL-bounded locks.
	//
	// Implementations must be safe for concurrent use.
	Locker interface {
		// Acquire attempts to take the named lock for ttl without waiting.
		// Returns ErrBusy immediately when the lock is held elsewhere.
		Acquire(ctx context.Context, name string, ttl time.Duration) (Handle, error)
	}
)

var (
	// ErrBusy indicates the lock is currently held elsewhere. Callers are
	// expected to retry later rather than queue.
	ErrBusy = errors.New("lock busy")

	// ErrLost indicates the lock expired or was taken over before the
	// operation completed.
	ErrLost = errors.New("lock lost")
)
