package toolflow

import (
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/toolflow/runtime/session"
)

func TestFreshContextIsEmpty(t *testing.T) {
	t.Parallel()

	cx := session.NewContext()
	assert.Equal(t, session.StateIdle, cx.State)
	assert.Empty(t, cx.SelectedTool)
	assert.Empty(t, cx.History)
}

func TestHappyPathTransitions(t *testing.T) {
	t.Parallel()

	cx := session.NewContext()

	cx, err := transition(cx, selectTool{name: "search-code"})
	require.NoError(t, err)
	assert.Equal(t, session.StateToolSelected, cx.State)
	assert.Equal(t, "search-code", cx.SelectedTool)

	cx, err = transition(cx, setParameters{params: map[string]any{"query": "foo"}})
	require.NoError(t, err)
	assert.Equal(t, session.StateParametersSet, cx.State)

	cx, err = transition(cx, beginExecute{})
	require.NoError(t, err)
	assert.Equal(t, session.StateExecuting, cx.State)

	now := time.Now()
	cx, err = transition(cx, receivedResult{result: "ok", tool: "search-code", now: now})
	require.NoError(t, err)
	assert.Equal(t, session.StateCompleted, cx.State)
	require.Len(t, cx.History, 1)
	assert.Equal(t, "search-code", cx.History[0].Tool)
	assert.Nil(t, cx.Err)
}

func TestExecuteWithoutToolIsRejected(t *testing.T) {
	t.Parallel()

	cx := session.NewContext()
	out, err := transition(cx, beginExecute{})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, session.StateIdle, out.State)
}

func TestSelectToolWhileExecutingIsRejected(t *testing.T) {
	t.Parallel()

	cx := executingContext(t, "search-code")
	_, err := transition(cx, selectTool{name: "other"})

	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSelectToolClearsPreviousAttempt(t *testing.T) {
	t.Parallel()

	cx := executingContext(t, "search-code")
	cx, err := transition(cx, execFailed{err: &session.ExecError{Message: "boom", Kind: KindExecution}})
	require.NoError(t, err)
	assert.Equal(t, session.StateFailed, cx.State)
	assert.Empty(t, cx.History, "failed executions never append")

	cx, err = transition(cx, selectTool{name: "build-graph"})
	require.NoError(t, err)
	assert.Equal(t, "build-graph", cx.SelectedTool)
	assert.Nil(t, cx.Parameters)
	assert.Nil(t, cx.Result)
	assert.Nil(t, cx.Err)
}

func TestSetParametersReplaces(t *testing.T) {
	t.Parallel()

	cx := session.NewContext()
	cx, err := transition(cx, selectTool{name: "t"})
	require.NoError(t, err)
	cx, err = transition(cx, setParameters{params: map[string]any{"a": 1, "b": 2}})
	require.NoError(t, err)
	cx, err = transition(cx, setParameters{params: map[string]any{"c": 3}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"c": 3}, cx.Parameters)
}

func TestCancelOnlyActsWhileExecuting(t *testing.T) {
	t.Parallel()

	cx := executingContext(t, "t")
	cx, err := transition(cx, cancelExec{})
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelled, cx.State)
	assert.Empty(t, cx.History)

	// Elsewhere cancel is a no-op, not an error.
	idle := session.NewContext()
	out, err := transition(idle, cancelExec{})
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, out.State)
}

func TestResetRetainsHistory(t *testing.T) {
	t.Parallel()

	cx := executingContext(t, "t")
	cx, err := transition(cx, receivedResult{result: "r", tool: "t", now: time.Now()})
	require.NoError(t, err)

	cx, err = transition(cx, resetSession{})
	require.NoError(t, err)
	assert.Equal(t, session.StateIdle, cx.State)
	assert.Empty(t, cx.SelectedTool)
	assert.Nil(t, cx.Result)
	require.Len(t, cx.History, 1)
}

func TestTransitionProperties(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	genEvents := gen.SliceOf(gen.IntRange(0, 6).Map(func(i int) event {
		switch i {
		case 0:
			return selectTool{name: "t"}
		case 1:
			return setParameters{params: map[string]any{"k": "v"}}
		case 2:
			return beginExecute{}
		case 3:
			return receivedResult{result: "r", tool: "t", now: time.Now()}
		case 4:
			return execFailed{err: &session.ExecError{Message: "boom", Kind: KindExecution}}
		case 5:
			return cancelExec{}
		default:
			return resetSession{}
		}
	}))

	properties.Property("history never shrinks or reorders", prop.ForAll(
		func(events []event) bool {
			cx := session.NewContext()
			for _, ev := range events {
				prev := cx.History
				next, err := transition(cx, ev)
				if err != nil {
					continue
				}
				if len(next.History) < len(prev) {
					return false
				}
				for i := range prev {
					if !reflect.DeepEqual(next.History[i], prev[i]) {
						return false
					}
				}
				cx = next
			}
			return true
		},
		genEvents,
	))

	properties.Property("rejected events leave the context unchanged", prop.ForAll(
		func(events []event) bool {
			cx := session.NewContext()
			for _, ev := range events {
				next, err := transition(cx, ev)
				if err != nil {
					if !reflect.DeepEqual(next, cx) {
						return false
					}
					continue
				}
				cx = next
			}
			return true
		},
		genEvents,
	))

	properties.Property("history grows only when a result is received", prop.ForAll(
		func(events []event) bool {
			cx := session.NewContext()
			for _, ev := range events {
				prev := len(cx.History)
				next, err := transition(cx, ev)
				if err != nil {
					continue
				}
				if _, isResult := ev.(receivedResult); !isResult && len(next.History) != prev {
					return false
				}
				cx = next
			}
			return true
		},
		genEvents,
	))

	properties.TestingRun(t)
}

func executingContext(t *testing.T, tool string) session.ExecutionContext {
	t.Helper()
	cx := session.NewContext()
	cx, err := transition(cx, selectTool{name: tool})
	require.NoError(t, err)
	cx, err = transition(cx, beginExecute{})
	require.NoError(t, err)
	return cx
}
