package toolflow

import (
	"time"

	"goa.design/toolflow/runtime/session"
)

// The lifecycle machine is a pure function over the execution context: each
// event either returns the updated context or a *ValidationError leaving the
// input untouched. Every effect of a transition is applied by the transition
// itself.
type (
	event interface {
		isEvent()
	}

	selectTool struct {
		name string
	}

	setParameters struct {
		params map[string]any
	}

	beginExecute struct{}

	receivedResult struct {
		result any
		tool   string
		now    time.Time
	}

	execFailed struct {
		err *session.ExecError
	}

	cancelExec struct{}

	resetSession struct{}
)

func (selectTool) isEvent()     {}
func (setParameters) isEvent()  {}
func (beginExecute) isEvent()   {}
func (receivedResult) isEvent() {}
func (execFailed) isEvent()     {}
func (cancelExec) isEvent()     {}
func (resetSession) isEvent()   {}

// transition applies ev to cx and returns the resulting context. Invalid
// events return a *ValidationError and the context unchanged. Cancel outside
// Executing is a no-op, not an error.
func transition(cx session.ExecutionContext, ev event) (session.ExecutionContext, error) {
	switch e := ev.(type) {
	case selectTool:
		if cx.State == session.StateExecuting {
			return cx, NewValidationError("cannot select tool while executing")
		}
		cx.SelectedTool = e.name
		cx.Parameters = nil
		cx.Result = nil
		cx.Err = nil
		cx.State = session.StateToolSelected
		return cx, nil

	case setParameters:
		if cx.State != session.StateToolSelected && cx.State != session.StateParametersSet {
			return cx, NewValidationError("cannot set parameters in state %q", cx.State)
		}
		cx.Parameters = e.params
		cx.State = session.StateParametersSet
		return cx, nil

	case beginExecute:
		if cx.SelectedTool == "" {
			return cx, NewValidationError("no tool selected")
		}
		if cx.State != session.StateToolSelected && cx.State != session.StateParametersSet {
			return cx, NewValidationError("cannot execute in state %q", cx.State)
		}
		cx.State = session.StateExecuting
		return cx, nil

	case receivedResult:
		if cx.State != session.StateExecuting {
			return cx, NewValidationError("result received in state %q", cx.State)
		}
		cx.Result = e.result
		cx.Err = nil
		cx.History = append(cx.History, session.ExecutionRecord{
			Tool:      e.tool,
			Result:    e.result,
			Timestamp: e.now.UTC(),
		})
		cx.State = session.StateCompleted
		return cx, nil

	case execFailed:
		if cx.State != session.StateExecuting {
			return cx, NewValidationError("failure received in state %q", cx.State)
		}
		cx.Err = e.err
		cx.State = session.StateFailed
		return cx, nil

	case cancelExec:
		if cx.State != session.StateExecuting {
			return cx, nil
		}
		cx.State = session.StateCancelled
		return cx, nil

	case resetSession:
		cx.SelectedTool = ""
		cx.Parameters = nil
		cx.Result = nil
		cx.Err = nil
		cx.State = session.StateIdle
		return cx, nil

	default:
		return cx, NewValidationError("unknown event %T", ev)
	}
}
