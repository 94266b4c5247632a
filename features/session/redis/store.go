// Package redis provides the durable Redis-backed session store.
//
// Each session is one JSON record under the configured key prefix with a
// sliding TTL enforced by Redis key expiry. A companion index set holds the
// ids of live sessions; it is updated on create/delete and reconciled lazily
// on List, since expired records vanish from Redis without touching the index.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/toolflow/runtime/cache"
	"goa.design/toolflow/runtime/session"
	"goa.design/toolflow/runtime/telemetry"
)

type (
	// Sets is the minimal Redis set contract required by the live-id index.
	//
	// Sets is satisfied by *redis.Client. It is defined here so the store is
	// unit-testable without Redis.
	Sets interface {
		SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
		SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
		SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	}

	// Options configures the store.
	Options struct {
		// Cache is the tiered cache holding session records. Required.
		Cache cache.Cache
		// Sets is the Redis connection maintaining the live-id index. Required.
		Sets Sets
		// IndexKey is the absolute Redis key of the live-id set.
		// Defaults to "toolflow:session:index".
		IndexKey string
		// RecordPrefix is prepended to session ids to form cache keys.
		// Defaults to "session:". The cache applies its own key prefix on top.
		RecordPrefix string
		// TTL is the sliding expiry applied to every session.
		TTL time.Duration
		// Logger receives reconciliation diagnostics. When nil, logging is
		// suppressed.
		Logger telemetry.Logger
	}

	// Store implements session.Store over the tiered cache.
	Store struct {
		cache    cache.Cache
		sets     Sets
		indexKey string
		prefix   string
		ttl      time.Duration
		logger   telemetry.Logger
		now      func() time.Time
	}
)

const (
	defaultIndexKey     = "toolflow:session:index"
	defaultRecordPrefix = "session:"
)

// New constructs a Store. The Cache and Sets fields in opts are required.
func New(opts Options) (*Store, error) {
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if opts.Sets == nil {
		return nil, errors.New("redis set client is required")
	}
	indexKey := opts.IndexKey
	if indexKey == "" {
		indexKey = defaultIndexKey
	}
	prefix := opts.RecordPrefix
	if prefix == "" {
		prefix = defaultRecordPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{
		cache:    opts.Cache,
		sets:     opts.Sets,
		indexKey: indexKey,
		prefix:   prefix,
		ttl:      opts.TTL,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Compile-time check that Store implements session.Store.
var _ session.Store = (*Store)(nil)

// Create implements session.Store. An existing live session is returned
// unchanged so Create is idempotent per id.
func (s *Store) Create(ctx context.Context, id string) (session.Session, error) {
	if id != "" {
		existing, err := s.Load(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return session.Session{}, err
		}
	}
	sess := session.New(id, s.ttl, s.now())
	if err := s.Save(ctx, sess); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

// Load implements session.Store. The record is read from the authoritative
// tier and its sliding TTL is refreshed in place; a read never writes the
// record back, so it can not overwrite a concurrent process's save with the
// local tier's copy.
func (s *Store) Load(ctx context.Context, id string) (session.Session, error) {
	entry, err := s.cache.GetFresh(ctx, s.prefix+id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return session.Session{}, session.ErrNotFound
		}
		return session.Session{}, fmt.Errorf("load session %q: %w", id, err)
	}
	var sess session.Session
	if err := json.Unmarshal(entry.Value, &sess); err != nil {
		return session.Session{}, fmt.Errorf("unmarshal session %q: %w", id, err)
	}
	sess.LastAccessedAt = s.now().UTC()
	ttl := sess.TTL
	if ttl == 0 {
		ttl = s.ttl
	}
	if err := s.cache.Touch(ctx, s.prefix+id, ttl); err != nil {
		// The read succeeded; a failed TTL refresh is a degradation, not a
		// lost session.
		s.logger.Warn(ctx, "session ttl refresh failed", "session_id", id, "err", err)
	}
	return sess, nil
}

// Save implements session.Store. The index membership is re-asserted on every
// save so the index survives process restarts that raced a delete.
func (s *Store) Save(ctx context.Context, sess session.Session) error {
	sess.LastAccessedAt = s.now().UTC()
	if sess.TTL == 0 {
		sess.TTL = s.ttl
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session %q: %w", sess.ID, err)
	}
	if err := s.cache.Set(ctx, s.prefix+sess.ID, b, sess.TTL); err != nil {
		return fmt.Errorf("save session %q: %w", sess.ID, err)
	}
	if err := s.sets.SAdd(ctx, s.indexKey, sess.ID).Err(); err != nil {
		return fmt.Errorf("index session %q: %w", sess.ID, err)
	}
	return nil
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	_, err := s.cache.GetFresh(ctx, s.prefix+id)
	existed := err == nil
	if err := s.cache.Delete(ctx, s.prefix+id); err != nil {
		return false, fmt.Errorf("delete session %q: %w", id, err)
	}
	if err := s.sets.SRem(ctx, s.indexKey, id).Err(); err != nil {
		return false, fmt.Errorf("unindex session %q: %w", id, err)
	}
	return existed, nil
}

// List implements session.Store. Index members whose record has expired are
// removed from the index as they are discovered.
func (s *Store) List(ctx context.Context) ([]string, error) {
	members, err := s.sets.SMembers(ctx, s.indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	live := make([]string, 0, len(members))
	for _, id := range members {
		if _, err := s.cache.GetFresh(ctx, s.prefix+id); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				if remErr := s.sets.SRem(ctx, s.indexKey, id).Err(); remErr != nil {
					s.logger.Warn(ctx, "session index reconciliation failed",
						"session_id", id, "err", remErr)
				}
				continue
			}
			return nil, fmt.Errorf("list sessions: check %q: %w", id, err)
		}
		live = append(live, id)
	}
	return live, nil
}
