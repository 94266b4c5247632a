package toolflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/toolflow/runtime/lock"
	"goa.design/toolflow/runtime/session"
	"goa.design/toolflow/runtime/telemetry"
)

type (
	// ToolFunc is the external tool collaborator contract: invoked with the
	// session's parameter map, settling exactly once with a result or an
	// error. Implementations must not retain references to the session
	// beyond the call.
	ToolFunc func(ctx context.Context, params map[string]any) (any, error)

	// Service is the per-session facade over the lifecycle machine. All
	// operations on one Service are serialized in submission order; no two
	// transitions for the same session run concurrently in-process.
	Service struct {
		id      string
		timeout time.Duration
		schemas *SchemaRegistry
		persist persistFunc
		guard   guardFunc
		lockTTL time.Duration
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
		now     func() time.Time

		mu       sync.Mutex
		cx       session.ExecutionContext
		epoch    uint64
		inflight *inflight
	}

	// persistFunc writes the updated context through to the session store.
	// Nil when the service is purely in-process.
	persistFunc func(ctx context.Context, cx session.ExecutionContext) error

	// guardFunc acquires the cross-process execution lock. Nil when the
	// service runs without distributed coordination.
	guardFunc func(ctx context.Context) (lock.Handle, error)

	inflight struct {
		epoch  uint64
		tool   string
		handle lock.Handle
		stopHB chan struct{}
	}

	outcome struct {
		value any
		err   error
	}
)

// ID returns the session id this service is bound to.
func (s *Service) ID() string {
	return s.id
}

// SelectTool chooses the tool for the next execution and clears any previous
// parameters, result and error. Valid from every state except Executing.
func (s *Service) SelectTool(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cx, err := transition(s.cx, selectTool{name: name})
	if err != nil {
		return err
	}
	s.cx = cx
	return s.persistLocked(ctx)
}

// SetParameters replaces the parameter map for the selected tool. When a
// schema is registered for the tool the parameters are validated first and a
// violation is rejected without touching state.
func (s *Service) SetParameters(ctx context.Context, params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schemas != nil && s.cx.SelectedTool != "" {
		if err := s.schemas.Validate(s.cx.SelectedTool, params); err != nil {
			return err
		}
	}
	cx, err := transition(s.cx, setParameters{params: params})
	if err != nil {
		return err
	}
	s.cx = cx
	return s.persistLocked(ctx)
}

// Execute runs fn with the session's parameters (or an empty map), awaiting
// it exactly once. On success the result is recorded in history as an
// Envelope; on failure the session moves to Failed and the error is
// returned. With no tool selected, or from a state that does not admit
// execution, Execute fails fast with a validation error before any lock or
// store I/O. Contention on the distributed lock surfaces as ErrSessionBusy.
func (s *Service) Execute(ctx context.Context, fn ToolFunc) (*Envelope, error) {
	ctx, span := s.tracer.Start(ctx, "toolflow.execute")
	defer span.End()

	s.mu.Lock()
	cx, err := transition(s.cx, beginExecute{})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	var handle lock.Handle
	if s.guard != nil {
		h, err := s.guard(ctx)
		if err != nil {
			s.mu.Unlock()
			if errors.Is(err, lock.ErrBusy) {
				err = fmt.Errorf("session %q: %w", s.id, ErrSessionBusy)
			} else {
				err = fmt.Errorf("acquire execution lock for session %q: %w", s.id, err)
			}
			span.RecordError(err)
			return nil, err
		}
		handle = h
	}

	s.cx = cx
	s.epoch++
	fl := &inflight{epoch: s.epoch, tool: s.cx.SelectedTool, handle: handle}
	if handle != nil {
		fl.stopHB = make(chan struct{})
		go s.heartbeat(fl)
	}
	s.inflight = fl
	params := s.cx.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if err := s.persistLocked(ctx); err != nil {
		s.logger.Warn(ctx, "persist executing state failed", "session_id", s.id, "err", err)
	}
	s.mu.Unlock()

	start := s.now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, ferr := fn(ctx, params)
		done <- outcome{value: v, err: ferr}
	}()

	var (
		out      outcome
		timedOut bool
	)
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		select {
		case out = <-done:
		case <-timer.C:
			timedOut = true
		}
	} else {
		out = <-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inflight == nil || s.inflight.epoch != fl.epoch || s.cx.State != session.StateExecuting {
		// The session left Executing while fn was in flight (cancel or
		// timeout settled first); the settlement is discarded.
		span.AddEvent("settlement discarded", "tool", fl.tool)
		s.recordExecute(fl.tool, start, KindCancelled)
		return nil, &ExecutionError{Tool: fl.tool, Message: "execution cancelled", Kind: KindCancelled}
	}

	if timedOut {
		span.AddEvent("execution timed out", "tool", fl.tool, "timeout", s.timeout.String())
		execErr := &session.ExecError{Message: ErrExecuteTimeout.Error(), Kind: KindTimeout}
		s.cx, _ = transition(s.cx, execFailed{err: execErr})
		s.finishLocked(ctx)
		s.recordExecute(fl.tool, start, KindTimeout)
		err := &ExecutionError{Tool: fl.tool, Message: execErr.Message, Kind: KindTimeout, cause: ErrExecuteTimeout}
		span.RecordError(err)
		return nil, err
	}

	if out.err != nil {
		msg := normalizeMessage(out.err.Error())
		s.cx, _ = transition(s.cx, execFailed{err: &session.ExecError{Message: msg, Kind: KindExecution}})
		s.finishLocked(ctx)
		s.recordExecute(fl.tool, start, "error")
		err := &ExecutionError{Tool: fl.tool, Message: msg, Kind: KindExecution, cause: out.err}
		span.RecordError(err)
		return nil, err
	}

	env, ok := out.value.(*Envelope)
	if !ok {
		env = NewSuccessEnvelope(fl.tool, out.value, s.now())
	}
	s.cx, _ = transition(s.cx, receivedResult{result: env, tool: fl.tool, now: s.now()})
	s.finishLocked(ctx)
	s.recordExecute(fl.tool, start, "success")
	span.SetStatus(codes.Ok, "completed")
	return env, nil
}

// Cancel marks an in-flight execution cancelled. The external call is not
// preempted; its eventual settlement is discarded. Outside Executing, Cancel
// is a no-op.
func (s *Service) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cx.State != session.StateExecuting {
		return nil
	}
	s.cx, _ = transition(s.cx, cancelExec{})
	s.finishLocked(ctx)
	return nil
}

// Reset returns the session to Idle, clearing selection, parameters, result
// and error while retaining history.
func (s *Service) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cx, _ := transition(s.cx, resetSession{})
	s.cx = cx
	return s.persistLocked(ctx)
}

// State returns the current lifecycle state.
func (s *Service) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cx.State
}

// Context returns a deep copy of the execution context.
func (s *Service) Context() session.ExecutionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cx.Clone()
}

// History returns the most recent limit records in chronological order as a
// copy. A non-positive limit returns the full history.
func (s *Service) History(limit int) []session.ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.cx.History
	if limit > 0 && limit < len(h) {
		h = h[len(h)-limit:]
	}
	out := make([]session.ExecutionRecord, len(h))
	copy(out, h)
	return out
}

func (s *Service) persistLocked(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist(ctx, s.cx.Clone()); err != nil {
		return fmt.Errorf("persist session %q: %w", s.id, err)
	}
	return nil
}

// finishLocked tears down the in-flight execution: heartbeat stopped, lock
// released, context written through. Persistence failures here are logged
// rather than returned so a completed execution is not reported as failed.
func (s *Service) finishLocked(ctx context.Context) {
	if s.inflight != nil {
		if s.inflight.stopHB != nil {
			close(s.inflight.stopHB)
		}
		s.releaseHandle(ctx, s.inflight.handle)
		s.inflight = nil
	}
	if err := s.persistLocked(ctx); err != nil {
		s.logger.Warn(ctx, "write-through persist failed", "session_id", s.id, "err", err)
	}
}

func (s *Service) releaseHandle(ctx context.Context, h lock.Handle) {
	if h == nil {
		return
	}
	if err := h.Release(ctx); err != nil {
		s.logger.Warn(ctx, "execution lock release failed", "session_id", s.id, "err", err)
	}
}

// heartbeat renews the execution lock at a third of its TTL while the
// execution is in flight. A lost lock means another process may run the same
// session concurrently until this execution completes; that window is logged,
// not hidden.
func (s *Service) heartbeat(fl *inflight) {
	interval := s.lockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-fl.stopHB:
			return
		case <-ticker.C:
			err := fl.handle.Renew(ctx)
			switch {
			case err == nil:
			case errors.Is(err, lock.ErrLost):
				s.logger.Warn(ctx, "execution lock lost; concurrent execution possible until completion",
					"session_id", s.id, "tool", fl.tool)
				return
			default:
				s.logger.Warn(ctx, "execution lock renewal failed", "session_id", s.id, "err", err)
			}
		}
	}
}

func (s *Service) recordExecute(tool string, start time.Time, result string) {
	s.metrics.RecordTimer("toolflow.execute.duration", s.now().Sub(start), "tool", tool, "outcome", result)
	s.metrics.IncCounter("toolflow.execute.total", 1, "tool", tool, "outcome", result)
}

type (
	// Options configures a Manager.
	Options struct {
		// Store enables write-through persistence and rehydration of
		// session contexts. Optional; without it sessions live only in
		// process memory.
		Store session.Store
		// Locker enables cross-process mutual exclusion around Executing.
		// Requires Store.
		Locker lock.Locker
		// LockTTL bounds the validity of the execution lock. It must
		// generously exceed the expected tool call duration; the heartbeat
		// renews it at a third of this value. Defaults to 30s.
		LockTTL time.Duration
		// ExecuteTimeout bounds each external tool call. Zero means no
		// timeout.
		ExecuteTimeout time.Duration
		// Schemas optionally validates parameters per tool.
		Schemas *SchemaRegistry
		// Logger, Metrics and Tracer default to noop implementations.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Manager owns one Service per session id within the process.
	Manager struct {
		opts Options

		mu       sync.Mutex
		services map[string]*Service
	}
)

const defaultLockTTL = 30 * time.Second

// NewManager constructs a Manager. Locking requires a store since a lock
// without shared state protects nothing.
func NewManager(opts Options) (*Manager, error) {
	if opts.Locker != nil && opts.Store == nil {
		return nil, errors.New("locker requires a session store")
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	return &Manager{opts: opts, services: make(map[string]*Service)}, nil
}

// Session returns the service bound to id, creating the session when it does
// not exist. An empty id creates a session under a fresh unique id. With a
// store configured the context is rehydrated from it; a session persisted
// mid-execution by a crashed process is demoted to Failed on rehydration.
func (m *Manager) Session(ctx context.Context, id string) (*Service, error) {
	if id == "" {
		id = session.NewID()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.services[id]; ok {
		return svc, nil
	}
	base := session.New(id, 0, time.Now())
	if m.opts.Store != nil {
		sess, err := m.opts.Store.Create(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("create session %q: %w", id, err)
		}
		base = m.demoteInterrupted(ctx, sess)
	}
	svc := m.newService(base)
	m.services[id] = svc
	return svc, nil
}

// Lookup returns the service for an existing session, rehydrating from the
// store when the id is unknown locally. Returns session.ErrNotFound when the
// session does not exist anywhere; it never creates one.
func (m *Manager) Lookup(ctx context.Context, id string) (*Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if svc, ok := m.services[id]; ok {
		return svc, nil
	}
	if m.opts.Store == nil {
		return nil, session.ErrNotFound
	}
	sess, err := m.opts.Store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	svc := m.newService(m.demoteInterrupted(ctx, sess))
	m.services[id] = svc
	return svc, nil
}

// Clear removes the session locally and from the store. Reports whether a
// live session was removed.
func (m *Manager) Clear(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	_, existed := m.services[id]
	delete(m.services, id)
	m.mu.Unlock()
	if m.opts.Store == nil {
		return existed, nil
	}
	removed, err := m.opts.Store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	return existed || removed, nil
}

// Sessions lists the ids of live sessions: the store's view when configured,
// otherwise the local registry.
func (m *Manager) Sessions(ctx context.Context) ([]string, error) {
	if m.opts.Store != nil {
		return m.opts.Store.List(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.services))
	for id := range m.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// demoteInterrupted fails a context that was persisted mid-execution by a
// process that never completed it. A held execution lock means the execution
// is live on another process, not interrupted; the context is kept as is.
func (m *Manager) demoteInterrupted(ctx context.Context, sess session.Session) session.Session {
	if sess.Context.State != session.StateExecuting {
		return sess
	}
	if m.opts.Locker != nil {
		h, err := m.opts.Locker.Acquire(ctx, sess.ID, m.opts.LockTTL)
		if errors.Is(err, lock.ErrBusy) {
			return sess
		}
		if err == nil {
			m.releaseProbe(ctx, sess.ID, h)
		}
	}
	m.opts.Logger.Warn(ctx, "session rehydrated mid-execution; marking failed", "session_id", sess.ID)
	sess.Context.State = session.StateFailed
	sess.Context.Err = &session.ExecError{
		Message: "execution interrupted before completion",
		Kind:    KindExecution,
	}
	if err := m.opts.Store.Save(ctx, sess); err != nil {
		m.opts.Logger.Warn(ctx, "persist interrupted session failed", "session_id", sess.ID, "err", err)
	}
	return sess
}

func (m *Manager) releaseProbe(ctx context.Context, id string, h lock.Handle) {
	if err := h.Release(ctx); err != nil {
		m.opts.Logger.Warn(ctx, "probe lock release failed", "session_id", id, "err", err)
	}
}

func (m *Manager) newService(base session.Session) *Service {
	svc := &Service{
		id:      base.ID,
		cx:      base.Context,
		timeout: m.opts.ExecuteTimeout,
		schemas: m.opts.Schemas,
		lockTTL: m.opts.LockTTL,
		logger:  m.opts.Logger,
		metrics: m.opts.Metrics,
		tracer:  m.opts.Tracer,
		now:     time.Now,
	}
	if m.opts.Store != nil {
		store := m.opts.Store
		svc.persist = func(ctx context.Context, cx session.ExecutionContext) error {
			base.Context = cx
			return store.Save(ctx, base)
		}
	}
	if m.opts.Locker != nil {
		locker := m.opts.Locker
		id, ttl := base.ID, m.opts.LockTTL
		svc.guard = func(ctx context.Context) (lock.Handle, error) {
			return locker.Acquire(ctx, id, ttl)
		}
	}
	return svc
}
