package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/toolflow/runtime/session"
)

func TestCreateGeneratesIDAndEmptyContext(t *testing.T) {
	t.Parallel()

	s := New(Options{TTL: time.Minute})
	defer s.Close()

	sess, err := s.Create(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, session.StateIdle, sess.Context.State)
	assert.Empty(t, sess.Context.SelectedTool)
	assert.Empty(t, sess.Context.History)
}

func TestCreateIsIdempotentPerID(t *testing.T) {
	t.Parallel()

	s := New(Options{TTL: time.Minute})
	defer s.Close()
	ctx := context.Background()

	first, err := s.Create(ctx, "s1")
	require.NoError(t, err)
	first.Context.SelectedTool = "search-code"
	first.Context.State = session.StateToolSelected
	require.NoError(t, s.Save(ctx, first))

	again, err := s.Create(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "search-code", again.Context.SelectedTool)
}

func TestLoadMissReturnsNotFound(t *testing.T) {
	t.Parallel()

	s := New(Options{TTL: time.Minute})
	defer s.Close()

	_, err := s.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestLoadAfterTTLReturnsNotFound(t *testing.T) {
	t.Parallel()

	s := New(Options{TTL: time.Minute})
	defer s.Close()
	ctx := context.Background()

	_, err := s.Create(ctx, "s1")
	require.NoError(t, err)

	// Advance the store clock past the sliding window.
	base := time.Now()
	s.now = func() time.Time { return base.Add(2 * time.Minute) }

	_, err = s.Load(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestLoadRefreshesSlidingWindow(t *testing.T) {
	t.Parallel()

	s := New(Options{TTL: time.Minute})
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	_, err := s.Create(ctx, "s1")
	require.NoError(t, err)

	// Touch the session at t+45s, then read again at t+90s: still live
	// because the window restarted on the first read.
	s.now = func() time.Time { return base.Add(45 * time.Second) }
	_, err = s.Load(ctx, "s1")
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(90 * time.Second) }
	_, err = s.Load(ctx, "s1")
	assert.NoError(t, err)
}

func TestDeleteReportsLiveRemoval(t *testing.T) {
	t.Parallel()

	s := New(Options{TTL: time.Minute})
	defer s.Close()
	ctx := context.Background()

	_, err := s.Create(ctx, "s1")
	require.NoError(t, err)

	removed, err := s.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestListOmitsExpired(t *testing.T) {
	t.Parallel()

	s := New(Options{TTL: time.Minute})
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	_, err := s.Create(ctx, "old")
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = s.Create(ctx, "fresh")
	require.NoError(t, err)

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids)
}

func TestSaveClonesContext(t *testing.T) {
	t.Parallel()

	s := New(Options{TTL: time.Minute})
	defer s.Close()
	ctx := context.Background()

	sess, err := s.Create(ctx, "s1")
	require.NoError(t, err)
	sess.Context.Parameters = map[string]any{"query": "foo"}
	require.NoError(t, s.Save(ctx, sess))

	// Mutating the caller's copy must not leak into the store.
	sess.Context.Parameters["query"] = "bar"

	got, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "foo", got.Context.Parameters["query"])
}
