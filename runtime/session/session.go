// Package session defines the durable session data model and store contract.
//
// A Session is the continuity context spanning multiple tool invocations: an
// opaque-id-addressed record holding the execution context (selected tool,
// parameters, last result, history) under a sliding TTL. Sessions are created
// on first reference and destroyed by explicit delete or TTL expiry; a session
// absent for longer than its TTL is indistinguishable from one that never
// existed.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type (
	// State is the tool-invocation lifecycle state of a session.
	State string

	// Session captures the persisted state of one logical session.
	//
	// Contract:
	// - Exactly one logical session exists per ID at any time.
	// - TTL is sliding: Load and Save both refresh the expiry.
	// - Mutations flow through lifecycle transitions; stores persist blindly.
	Session struct {
		// ID is the opaque unique identifier of the session.
		ID string `json:"id"`
		// Context is the tool-invocation execution context.
		Context ExecutionContext `json:"context"`
		// CreatedAt records when the session was first created.
		CreatedAt time.Time `json:"created_at"`
		// LastAccessedAt records the most recent read or write.
		LastAccessedAt time.Time `json:"last_accessed_at"`
		// TTL is the sliding inactivity window after which the session expires.
		TTL time.Duration `json:"ttl"`
	}

	// ExecutionContext carries the tool-invocation state of a session.
	ExecutionContext struct {
		// State is the current lifecycle state.
		State State `json:"state"`
		// SelectedTool names the tool chosen for the next execution, if any.
		SelectedTool string `json:"selected_tool,omitempty"`
		// Parameters holds the parameter map for the next execution, if set.
		Parameters map[string]any `json:"parameters,omitempty"`
		// Result holds the outcome of the most recent completed execution.
		Result any `json:"result,omitempty"`
		// Err holds the failure of the most recent execution, if any.
		Err *ExecError `json:"error,omitempty"`
		// History is the append-only record of completed executions. It is
		// never reordered and grows without bound; readers slice a suffix.
		History []ExecutionRecord `json:"history"`
	}

	// ExecutionRecord is one completed execution. A record is appended if and
	// only if an execution reaches the Completed state; failed or cancelled
	// executions never append.
	ExecutionRecord struct {
		// Tool is the tool name that produced the result.
		Tool string `json:"tool"`
		// Result is the opaque tool result as recorded in history.
		Result any `json:"result"`
		// Timestamp is when the execution completed.
		Timestamp time.Time `json:"timestamp"`
	}

	// ExecError is the serializable form of an execution failure.
	ExecError struct {
		// Message is the normalized failure message.
		Message string `json:"message"`
		// Kind classifies the failure ("execution", "timeout", "cancelled").
		Kind string `json:"kind,omitempty"`
	}

	// Store persists sessions under a sliding TTL.
	//
	// Implementations must treat expired sessions as absent: Load returns
	// ErrNotFound for them and List omits them. Backend failures are surfaced
	// as errors; stores never silently swallow them.
	Store interface {
		// Create persists a fresh session. When id is empty a new unique id
		// is generated. Creating an id that already exists returns the
		// existing session unchanged.
		Create(ctx context.Context, id string) (Session, error)
		// Load retrieves a session and refreshes its TTL.
		// Returns ErrNotFound when the session does not exist or has expired.
		Load(ctx context.Context, id string) (Session, error)
		// Save persists the session, replacing any previous value and
		// refreshing the TTL.
		Save(ctx context.Context, sess Session) error
		// Delete removes the session. Reports whether a live session was
		// removed.
		Delete(ctx context.Context, id string) (bool, error)
		// List returns the ids of all currently live sessions.
		List(ctx context.Context) ([]string, error)
	}
)

const (
	// StateIdle is the initial state: no tool selected.
	StateIdle State = "idle"
	// StateToolSelected indicates a tool has been chosen.
	StateToolSelected State = "tool_selected"
	// StateParametersSet indicates parameters have been supplied.
	StateParametersSet State = "parameters_set"
	// StateExecuting indicates an external tool call is in flight.
	StateExecuting State = "executing"
	// StateCompleted indicates the last execution succeeded.
	StateCompleted State = "completed"
	// StateFailed indicates the last execution failed.
	StateFailed State = "failed"
	// StateCancelled indicates the last execution was cancelled.
	StateCancelled State = "cancelled"
)

// ErrNotFound indicates a session does not exist or has expired.
var ErrNotFound = errors.New("session not found")

// NewID returns a globally unique session identifier.
func NewID() string {
	return uuid.NewString()
}

// New returns a fresh session with an empty Idle context.
func New(id string, ttl time.Duration, now time.Time) Session {
	if id == "" {
		id = NewID()
	}
	return Session{
		ID:             id,
		Context:        NewContext(),
		CreatedAt:      now.UTC(),
		LastAccessedAt: now.UTC(),
		TTL:            ttl,
	}
}

// NewContext returns an empty Idle execution context.
func NewContext() ExecutionContext {
	return ExecutionContext{State: StateIdle, History: []ExecutionRecord{}}
}

// Clone returns a deep copy of the session so callers can mutate the result
// without aliasing store-held state.
func (s Session) Clone() Session {
	out := s
	out.Context = s.Context.Clone()
	return out
}

// Clone returns a deep copy of the execution context. Result values are opaque
// and shared; parameters and history are copied.
func (c ExecutionContext) Clone() ExecutionContext {
	out := c
	if c.Parameters != nil {
		out.Parameters = make(map[string]any, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	out.History = make([]ExecutionRecord, len(c.History))
	copy(out.History, c.History)
	if c.Err != nil {
		e := *c.Err
		out.Err = &e
	}
	return out
}

// Expired reports whether the session's sliding window has elapsed at now.
func (s Session) Expired(now time.Time) bool {
	if s.TTL <= 0 {
		return false
	}
	return now.Sub(s.LastAccessedAt) > s.TTL
}
