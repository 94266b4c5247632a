package lock

import (
	"context"
	"sync"
	"time"
)

type (
	// InMem is a process-local Locker. It provides the same at-most-one
	// guarantee as the distributed locker but only within one process; it is
	// the degradation target when no shared backend is available.
	InMem struct {
		mu   sync.Mutex
		held map[string]*inmemHandle
		now  func() time.Time
	}

	inmemHandle struct {
		locker    *InMem
		name      string
		ttl       time.Duration
		expiresAt time.Time
		released  bool
	}
)

// NewInMem returns an empty in-process locker.
func NewInMem() *InMem {
	return &InMem{held: make(map[string]*inmemHandle), now: time.Now}
}

// Compile-time check that InMem implements Locker.
var _ Locker = (*InMem)(nil)

// Acquire implements Locker.
func (l *InMem) Acquire(_ context.Context, name string, ttl time.Duration) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[name]; ok && !h.released && h.expiresAt.After(now) {
		return nil, ErrBusy
	}
	h := &inmemHandle{locker: l, name: name, ttl: ttl, expiresAt: now.Add(ttl)}
	l.held[name] = h
	return h, nil
}

// Renew implements Handle.
func (h *inmemHandle) Renew(_ context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	now := h.locker.now()
	if h.released || h.locker.held[h.name] != h || !h.expiresAt.After(now) {
		return ErrLost
	}
	h.expiresAt = now.Add(h.ttl)
	return nil
}

// Release implements Handle.
func (h *inmemHandle) Release(_ context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	if h.released {
		return nil
	}
	h.released = true
	if h.locker.held[h.name] == h {
		delete(h.locker.held, h.name)
	}
	return nil
}
