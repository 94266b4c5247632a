// Package cache defines the tiered key/value cache contract used by the
// durable session stores and exposes the in-process local tier.
//
// A cache is a performance and availability optimization, never the sole
// source of truth: correctness-critical state belongs to the session store's
// backing value. Values are opaque serialized payloads under a per-entry TTL.
package cache

import (
	"context"
	"errors"
	"time"
)

type (
	// Tier identifies which cache layer served or holds an entry. It is
	// diagnostic only and never part of entry identity.
	Tier string

	// Entry is one cached key/value pair.
	Entry struct {
		// Key is the full cache key, including any configured prefix.
		Key string
		// Value is the opaque serialized payload.
		Value []byte
		// ExpiresAt is when the entry becomes unavailable. Zero means no expiry.
		ExpiresAt time.Time
		// Tier records which layer produced the entry.
		Tier Tier
	}

	// Cache is a key/value store with per-entry TTL.
	//
	// Implementations must be safe for concurrent use.
	Cache interface {
		// Get retrieves the entry for key, fastest tier first. Returns
		// ErrNotFound when no live value exists in any tier.
		Get(ctx context.Context, key string) (Entry, error)
		// GetFresh retrieves the entry for key from the authoritative tier,
		// bypassing faster tiers while it is reachable. Callers whose
		// correctness depends on the latest shared value use GetFresh; Get is
		// for reads where a bounded-staleness answer is acceptable.
		GetFresh(ctx context.Context, key string) (Entry, error)
		// Set stores value under key for ttl. Zero ttl means no expiry.
		Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
		// Touch extends the TTL of an existing entry without rewriting its
		// value. Returns ErrNotFound when no live value exists.
		Touch(ctx context.Context, key string, ttl time.Duration) error
		// Delete removes key from all tiers.
		Delete(ctx context.Context, key string) error
	}
)

const (
	// TierLocal is the in-process tier.
	TierLocal Tier = "local"
	// TierRemote is the shared durable tier.
	TierRemote Tier = "remote"
)

var (
	// ErrNotFound indicates no live value exists for the requested key.
	ErrNotFound = errors.New("cache entry not found")

	// ErrUnavailable indicates the remote tier could not be reached. Reads
	// degrade to the local tier instead of surfacing it; writes surface it so
	// callers know durability was not achieved.
	ErrUnavailable = errors.New("cache backend unavailable")
)
