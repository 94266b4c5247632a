package toolflow

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// ValidationError reports a request that was rejected before any state
	// change: no tool selected, parameters violating a registered schema, or
	// an event sent from a state that does not accept it.
	ValidationError struct {
		// Message describes the rejected request.
		Message string
	}

	// ExecutionError reports a failed execution attempt. The session has
	// moved to Failed (or Cancelled) and the failure is recorded on its
	// context; history is unchanged.
	ExecutionError struct {
		// Tool is the tool whose execution failed.
		Tool string
		// Message is the normalized failure message.
		Message string
		// Kind classifies the failure ("execution", "timeout", "cancelled").
		Kind string

		cause error
	}
)

// Failure kinds recorded on the session context.
const (
	KindExecution = "execution"
	KindTimeout   = "timeout"
	KindCancelled = "cancelled"
)

var (
	// ErrSessionBusy indicates another process holds the session's execution
	// lock. The condition is retryable; callers are expected to retry later
	// rather than queue.
	ErrSessionBusy = errors.New("session busy")

	// ErrExecuteTimeout indicates the external tool call did not settle
	// within the configured timeout. The call may still be running; its
	// eventual settlement is discarded.
	ErrExecuteTimeout = errors.New("execution timed out")
)

// NewValidationError builds a ValidationError from a format string.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Error implements error.
func (e *ValidationError) Error() string {
	return e.Message
}

// Error implements error.
func (e *ExecutionError) Error() string {
	if e.Tool == "" {
		return e.Message
	}
	return fmt.Sprintf("tool %q: %s", e.Tool, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/errors.As chains.
func (e *ExecutionError) Unwrap() error {
	return e.cause
}

// normalizeMessage strips the generic "Error:" prefix some collaborators
// prepend so the same failure is not reported as "Error: Error: ...".
func normalizeMessage(msg string) string {
	trimmed := strings.TrimSpace(msg)
	for {
		rest, ok := strings.CutPrefix(trimmed, "Error:")
		if !ok {
			return trimmed
		}
		trimmed = strings.TrimSpace(rest)
	}
}
