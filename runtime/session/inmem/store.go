// Package inmem provides an in-memory implementation of session.Store.
//
// It is the degradation target when no durable backend is reachable at
// startup, and is also used in tests and local development. Sessions live in
// process memory only: they do not survive restarts and are not visible to
// other processes. TTL semantics match the durable stores (sliding window,
// expired sessions indistinguishable from absent ones).
package inmem

import (
	"context"
	"sync"
	"time"

	"goa.design/toolflow/runtime/session"
)

type (
	// Store is an in-memory implementation of session.Store.
	// It is safe for concurrent use.
	Store struct {
		mu       sync.RWMutex
		sessions map[string]session.Session
		ttl      time.Duration
		now      func() time.Time
		stop     chan struct{}
		stopOnce sync.Once
	}

	// Options configures the in-memory store.
	Options struct {
		// TTL is the sliding expiry applied to every session. Zero disables
		// expiry.
		TTL time.Duration
		// SweepInterval is how often the background sweeper evicts expired
		// sessions. Zero disables the sweeper; expiry is then enforced lazily
		// on access only.
		SweepInterval time.Duration
	}
)

// New returns an empty Store. When opts.SweepInterval is positive a background
// goroutine evicts expired sessions until Close is called.
func New(opts Options) *Store {
	s := &Store{
		sessions: make(map[string]session.Session),
		ttl:      opts.TTL,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		go s.sweep(opts.SweepInterval)
	}
	return s
}

// Create implements session.Store. An existing live session is returned
// unchanged so Create is idempotent per id.
func (s *Store) Create(_ context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if id != "" {
		if existing, ok := s.sessions[id]; ok && !existing.Expired(now) {
			return existing.Clone(), nil
		}
	}
	sess := session.New(id, s.ttl, now)
	s.sessions[sess.ID] = sess
	return sess.Clone(), nil
}

// Load implements session.Store. The sliding TTL is refreshed on hit.
func (s *Store) Load(_ context.Context, id string) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrNotFound
	}
	if existing.Expired(now) {
		delete(s.sessions, id)
		return session.Session{}, session.ErrNotFound
	}
	existing.LastAccessedAt = now.UTC()
	s.sessions[id] = existing
	return existing.Clone(), nil
}

// Save implements session.Store.
func (s *Store) Save(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.LastAccessedAt = s.now().UTC()
	if sess.TTL == 0 {
		sess.TTL = s.ttl
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Delete implements session.Store.
func (s *Store) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	delete(s.sessions, id)
	return !existing.Expired(s.now()), nil
}

// List implements session.Store. Expired sessions are evicted, not listed.
func (s *Store) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ids := make([]string, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close stops the background sweeper. It is safe to call multiple times.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Store) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := s.now()
			for id, sess := range s.sessions {
				if sess.Expired(now) {
					delete(s.sessions, id)
				}
			}
			s.mu.Unlock()
		}
	}
}
