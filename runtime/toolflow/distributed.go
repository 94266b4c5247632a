package toolflow

import (
	"errors"
	"time"

	"goa.design/toolflow/runtime/lock"
	"goa.design/toolflow/runtime/session"
	"goa.design/toolflow/runtime/telemetry"
)

type (
	// DistributedOptions configures a Distributed manager. Unlike Options,
	// both the durable store and the locker are mandatory: this variant only
	// exists when cross-process coordination is actually available.
	DistributedOptions struct {
		// Store is the durable session store shared across processes.
		// Required.
		Store session.Store
		// Locker provides the cross-process execution lock. Required.
		Locker lock.Locker
		// LockTTL bounds the execution lock's validity. Defaults to 30s.
		LockTTL time.Duration
		// ExecuteTimeout bounds each external tool call. Zero disables it.
		ExecuteTimeout time.Duration
		// Schemas optionally validates parameters per tool.
		Schemas *SchemaRegistry
		// Logger, Metrics and Tracer default to noop implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Distributed is the cross-process tool execution service: every
	// successful transition is written through to the shared store, sessions
	// unknown to this process are rehydrated from it, and Executing is
	// guarded by a TTL lock so at most one process runs a given session at a
	// time. Contended executions fail fast with ErrSessionBusy.
	//
	// Construct it only when the durable backend is reachable; when it is
	// not, use a plain Manager and accept the capability loss (no
	// cross-process resumption, sessions lost on restart).
	Distributed struct {
		*Manager
	}
)

// NewDistributed constructs the distributed service. The Store and Locker
// fields in opts are required.
func NewDistributed(opts DistributedOptions) (*Distributed, error) {
	if opts.Store == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Locker == nil {
		return nil, errors.New("locker is required")
	}
	mgr, err := NewManager(Options{
		Store:          opts.Store,
		Locker:         opts.Locker,
		LockTTL:        opts.LockTTL,
		ExecuteTimeout: opts.ExecuteTimeout,
		Schemas:        opts.Schemas,
		Logger:         opts.Logger,
		Metrics:        opts.Metrics,
		Tracer:         opts.Tracer,
	})
	if err != nil {
		return nil, err
	}
	return &Distributed{Manager: mgr}, nil
}
