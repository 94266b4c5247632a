package toolflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/toolflow/runtime/lock"
	"goa.design/toolflow/runtime/session"
	"goa.design/toolflow/runtime/session/inmem"
)

func TestNewDistributedValidatesOptions(t *testing.T) {
	t.Parallel()

	store := inmem.New(inmem.Options{})
	_, err := NewDistributed(DistributedOptions{Locker: lock.NewInMem()})
	assert.EqualError(t, err, "session store is required")
	_, err = NewDistributed(DistributedOptions{Store: store})
	assert.EqualError(t, err, "locker is required")
	_, err = NewDistributed(DistributedOptions{Store: store, Locker: lock.NewInMem()})
	assert.NoError(t, err)
}

func TestWriteThroughPersistsEveryTransition(t *testing.T) {
	t.Parallel()

	store := inmem.New(inmem.Options{})
	d, err := NewDistributed(DistributedOptions{Store: store, Locker: lock.NewInMem()})
	require.NoError(t, err)
	ctx := context.Background()

	svc, err := d.Session(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, svc.SelectTool(ctx, "search-code"))

	persisted, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateToolSelected, persisted.Context.State)
	assert.Equal(t, "search-code", persisted.Context.SelectedTool)

	require.NoError(t, svc.SetParameters(ctx, map[string]any{"query": "foo"}))
	_, err = svc.Execute(ctx, func(context.Context, map[string]any) (any, error) {
		return map[string]any{"matches": []any{}}, nil
	})
	require.NoError(t, err)

	persisted, err = store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, persisted.Context.State)
	require.Len(t, persisted.Context.History, 1)
}

func TestRehydrationAcrossManagers(t *testing.T) {
	t.Parallel()

	// Two managers over one store stand in for two processes.
	store := inmem.New(inmem.Options{})
	a, err := NewDistributed(DistributedOptions{Store: store, Locker: lock.NewInMem()})
	require.NoError(t, err)
	b, err := NewDistributed(DistributedOptions{Store: store, Locker: lock.NewInMem()})
	require.NoError(t, err)
	ctx := context.Background()

	svcA, err := a.Session(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, svcA.SelectTool(ctx, "search-code"))
	require.NoError(t, svcA.SetParameters(ctx, map[string]any{"query": "foo"}))
	_, err = svcA.Execute(ctx, func(context.Context, map[string]any) (any, error) {
		return "result", nil
	})
	require.NoError(t, err)

	svcB, err := b.Lookup(ctx, "s1")
	require.NoError(t, err)
	cx := svcB.Context()
	assert.Equal(t, session.StateCompleted, cx.State)
	assert.Equal(t, "search-code", cx.SelectedTool)
	require.Len(t, cx.History, 1)
}

func TestRehydrationAbsentSessionStartsIdle(t *testing.T) {
	t.Parallel()

	store := inmem.New(inmem.Options{})
	d, err := NewDistributed(DistributedOptions{Store: store, Locker: lock.NewInMem()})
	require.NoError(t, err)

	svc, err := d.Session(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, svc.State())
	assert.Empty(t, svc.History(0))
}

func TestRehydrationDemotesInterruptedExecution(t *testing.T) {
	t.Parallel()

	store := inmem.New(inmem.Options{})
	ctx := context.Background()

	// A crashed process left the session persisted as Executing.
	sess, err := store.Create(ctx, "s1")
	require.NoError(t, err)
	sess.Context.State = session.StateExecuting
	sess.Context.SelectedTool = "search-code"
	require.NoError(t, store.Save(ctx, sess))

	d, err := NewDistributed(DistributedOptions{Store: store, Locker: lock.NewInMem()})
	require.NoError(t, err)
	svc, err := d.Session(ctx, "s1")
	require.NoError(t, err)

	cx := svc.Context()
	assert.Equal(t, session.StateFailed, cx.State)
	require.NotNil(t, cx.Err)
	assert.Equal(t, KindExecution, cx.Err.Kind)

	persisted, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, persisted.Context.State)
}

func TestRehydrationKeepsLiveExecution(t *testing.T) {
	t.Parallel()

	store := inmem.New(inmem.Options{})
	locker := lock.NewInMem()
	ctx := context.Background()

	sess, err := store.Create(ctx, "s1")
	require.NoError(t, err)
	sess.Context.State = session.StateExecuting
	sess.Context.SelectedTool = "search-code"
	require.NoError(t, store.Save(ctx, sess))

	// Another process still holds the execution lock: not interrupted.
	h, err := locker.Acquire(ctx, "s1", time.Minute)
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Release(ctx)) }()

	d, err := NewDistributed(DistributedOptions{Store: store, Locker: locker})
	require.NoError(t, err)
	svc, err := d.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateExecuting, svc.State())
}

func TestConcurrentExecuteOneWinnerOneBusy(t *testing.T) {
	t.Parallel()

	// Shared store and locker, two managers: at most one execution per
	// session id at a time.
	store := inmem.New(inmem.Options{})
	locker := lock.NewInMem()
	a, err := NewDistributed(DistributedOptions{Store: store, Locker: locker})
	require.NoError(t, err)
	b, err := NewDistributed(DistributedOptions{Store: store, Locker: locker})
	require.NoError(t, err)
	ctx := context.Background()

	svcA, err := a.Session(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, svcA.SelectTool(ctx, "search-code"))
	require.NoError(t, svcA.SetParameters(ctx, map[string]any{"query": "foo"}))

	// B rehydrates the session while it is still ParametersSet.
	svcB, err := b.Session(ctx, "s1")
	require.NoError(t, err)

	started := make(chan struct{})
	block := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := svcA.Execute(ctx, func(context.Context, map[string]any) (any, error) {
			close(started)
			<-block
			return map[string]any{"matches": []any{}}, nil
		})
		errCh <- err
	}()
	<-started

	_, err = svcB.Execute(ctx, func(context.Context, map[string]any) (any, error) {
		return "must not run", nil
	})
	require.ErrorIs(t, err, ErrSessionBusy)
	assert.Empty(t, svcB.History(0), "losing caller performs no history mutation")

	close(block)
	require.NoError(t, <-errCh)
	assert.Len(t, svcA.History(0), 1, "winning execution grows history by exactly one")

	// The lock is released once the winner leaves Executing.
	h, err := locker.Acquire(ctx, "s1", time.Second)
	require.NoError(t, err)
	require.NoError(t, h.Release(ctx))
}

func TestDistributedClearRemovesFromStore(t *testing.T) {
	t.Parallel()

	store := inmem.New(inmem.Options{})
	d, err := NewDistributed(DistributedOptions{Store: store, Locker: lock.NewInMem()})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = d.Session(ctx, "s1")
	require.NoError(t, err)

	removed, err := d.Clear(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = store.Load(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrNotFound)
}
