package toolflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/toolflow/runtime/session"
	"goa.design/toolflow/runtime/telemetry"
)

func TestNewForcedMemory(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RedisURL = "redis://localhost:6379"
	cfg.ForceMemory = true

	ctx := context.Background()
	rt, err := New(ctx, cfg, WithLogger(telemetry.NewNoopLogger()))
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close(ctx)) }()

	assert.False(t, rt.Distributed)
	assert.Empty(t, rt.Pingers())

	svc, err := rt.Exec.Session(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, svc.SelectTool(ctx, "search-code"))
	require.NoError(t, svc.SetParameters(ctx, map[string]any{"query": "foo"}))
	env, err := svc.Execute(ctx, func(context.Context, map[string]any) (any, error) {
		return map[string]any{"matches": []any{}}, nil
	})
	require.NoError(t, err)
	assert.True(t, env.Status.Success)

	// The factory wired the in-memory store as write-through target.
	persisted, err := rt.Store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, persisted.Context.State)
}

func TestNewFallsBackWhenBackendUnreachable(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.RedisURL = "redis://127.0.0.1:1"

	ctx := context.Background()
	rt, err := New(ctx, cfg,
		WithLogger(telemetry.NewNoopLogger()),
		WithProbeTimeout(200*time.Millisecond),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close(ctx)) }()

	assert.False(t, rt.Distributed, "unreachable backend degrades to in-memory")
	_, err = rt.Exec.Session(ctx, "")
	require.NoError(t, err)
}

func TestNewWithoutBackendIsInMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rt, err := New(ctx, DefaultConfig(), WithLogger(telemetry.NewNoopLogger()))
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close(ctx)) }()

	assert.False(t, rt.Distributed)

	ids, err := rt.Store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
