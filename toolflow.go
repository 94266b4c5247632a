// Package toolflow wires the stateful tool-execution core into a runnable
// process: configuration, backend reachability probing, the session store
// factory and construction of the distributed or plain execution service.
//
// The durable-versus-memory decision is made exactly once, here, at startup.
// A process that loses its backend mid-life is expected to be restarted; no
// per-call fallback exists.
package toolflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"

	cacheredis "goa.design/toolflow/features/cache/redis"
	lockredis "goa.design/toolflow/features/lock/redis"
	sessionmongo "goa.design/toolflow/features/session/mongo"
	sessionredis "goa.design/toolflow/features/session/redis"
	"goa.design/toolflow/runtime/session"
	"goa.design/toolflow/runtime/session/inmem"
	"goa.design/toolflow/runtime/telemetry"
	toolexec "goa.design/toolflow/runtime/toolflow"
)

type (
	// Runtime is the assembled execution core. Construct it with New and
	// tear it down with Close.
	Runtime struct {
		// Exec drives tool execution. When Distributed is true it carries
		// write-through persistence and cross-process locking.
		Exec *toolexec.Manager
		// Store is the session store chosen at startup.
		Store session.Store
		// Distributed reports whether cross-process coordination is active.
		Distributed bool

		logger  telemetry.Logger
		redis   *goredis.Client
		mongo   *mongodriver.Client
		inmem   *inmem.Store
		pingers []health.Pinger
	}

	// Option customizes Runtime construction.
	Option func(*runtimeOptions)

	runtimeOptions struct {
		logger       telemetry.Logger
		metrics      telemetry.Metrics
		tracer       telemetry.Tracer
		schemas      *toolexec.SchemaRegistry
		probeTimeout time.Duration
	}
)

const defaultProbeTimeout = 2 * time.Second

// WithLogger overrides the default Clue logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *runtimeOptions) { o.logger = l }
}

// WithMetrics overrides the default OTEL metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *runtimeOptions) { o.metrics = m }
}

// WithTracer overrides the default OTEL tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *runtimeOptions) { o.tracer = t }
}

// WithSchemas registers per-tool parameter schemas.
func WithSchemas(s *toolexec.SchemaRegistry) Option {
	return func(o *runtimeOptions) { o.schemas = s }
}

// WithProbeTimeout bounds the startup backend reachability probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *runtimeOptions) { o.probeTimeout = d }
}

// New assembles the execution core from cfg. When the durable backend is
// reachable the Runtime carries the distributed service; otherwise (or when
// forced) it degrades to in-memory sessions with the capability loss logged:
// no cross-process resumption, sessions lost on restart.
func New(ctx context.Context, cfg Config, opts ...Option) (*Runtime, error) {
	o := runtimeOptions{
		logger:       telemetry.NewClueLogger(cfg.Debug),
		metrics:      telemetry.NewClueMetrics(),
		tracer:       telemetry.NewClueTracer(),
		probeTimeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{logger: o.logger}
	ttl := time.Duration(cfg.SessionTTLSeconds) * time.Second
	lockTTL := time.Duration(cfg.LockTTLSeconds) * time.Second
	execTimeout := time.Duration(cfg.ExecuteTimeoutSeconds) * time.Second

	if !cfg.ForceMemory && cfg.RedisURL != "" {
		client, err := probeRedis(ctx, cfg.RedisURL, o.probeTimeout)
		if err != nil {
			o.logger.Warn(ctx, "durable backend unreachable; using in-memory sessions",
				"redis_url", cfg.RedisURL, "err", err)
		} else {
			r.redis = client
			r.pingers = append(r.pingers, redisPinger{client: client})
		}
	}

	if r.redis == nil {
		r.inmem = inmem.New(inmem.Options{TTL: ttl, SweepInterval: time.Minute})
		r.Store = r.inmem
		mgr, err := toolexec.NewManager(toolexec.Options{
			Store:          r.inmem,
			ExecuteTimeout: execTimeout,
			Schemas:        o.schemas,
			Logger:         o.logger,
			Metrics:        o.metrics,
			Tracer:         o.tracer,
		})
		if err != nil {
			return nil, err
		}
		r.Exec = mgr
		if cfg.ForceMemory {
			o.logger.Info(ctx, "in-memory sessions forced by configuration")
		}
		return r, nil
	}

	store, err := r.buildDurableStore(ctx, cfg, o, ttl)
	if err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	locker, err := lockredis.New(lockredis.Options{
		Client:    r.redis,
		KeyPrefix: cfg.KeyPrefix + "lock:",
	})
	if err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	dist, err := toolexec.NewDistributed(toolexec.DistributedOptions{
		Store:          store,
		Locker:         locker,
		LockTTL:        lockTTL,
		ExecuteTimeout: execTimeout,
		Schemas:        o.schemas,
		Logger:         o.logger,
		Metrics:        o.metrics,
		Tracer:         o.tracer,
	})
	if err != nil {
		_ = r.Close(ctx)
		return nil, err
	}
	r.Store = store
	r.Exec = dist.Manager
	r.Distributed = true
	return r, nil
}

// Pingers returns the health pingers for the backends in use, for mounting
// on a health endpoint.
func (r *Runtime) Pingers() []health.Pinger {
	out := make([]health.Pinger, len(r.pingers))
	copy(out, r.pingers)
	return out
}

// Close releases backend connections and stops background work. Safe to call
// after a failed New.
func (r *Runtime) Close(ctx context.Context) error {
	var errs []error
	if r.inmem != nil {
		r.inmem.Close()
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if r.mongo != nil {
		if err := r.mongo.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect mongo: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildDurableStore returns the session store for a reachable Redis backend:
// Mongo-backed records when configured and reachable, Redis records
// otherwise.
func (r *Runtime) buildDurableStore(ctx context.Context, cfg Config, o runtimeOptions, ttl time.Duration) (session.Store, error) {
	if cfg.MongoURL != "" {
		store, err := r.buildMongoStore(ctx, cfg, o, ttl)
		if err == nil {
			return store, nil
		}
		o.logger.Warn(ctx, "mongo unreachable; keeping session records in redis",
			"mongo_url", cfg.MongoURL, "err", err)
	}

	tiered, err := cacheredis.New(cacheredis.Options{
		Client:      r.redis,
		KeyPrefix:   cfg.KeyPrefix,
		DefaultTTL:  ttl,
		EnableLocal: cfg.EnableLocalCache,
		Logger:      o.logger,
	})
	if err != nil {
		return nil, err
	}
	return sessionredis.New(sessionredis.Options{
		Cache:    tiered,
		Sets:     r.redis,
		IndexKey: cfg.KeyPrefix + "session:index",
		TTL:      ttl,
		Logger:   o.logger,
	})
}

func (r *Runtime) buildMongoStore(ctx context.Context, cfg Config, o runtimeOptions, ttl time.Duration) (session.Store, error) {
	if cfg.MongoDatabase == "" {
		return nil, errors.New("mongo_database is required when mongo_url is set")
	}
	connectCtx, cancel := context.WithTimeout(ctx, o.probeTimeout)
	defer cancel()
	client, err := mongodriver.Connect(connectCtx, mongooptions.Client().ApplyURI(cfg.MongoURL))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	store, err := sessionmongo.New(ctx, sessionmongo.Options{
		Client:   client,
		Database: cfg.MongoDatabase,
		TTL:      ttl,
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	r.mongo = client
	r.pingers = append(r.pingers, store)
	return store, nil
}

func probeRedis(ctx context.Context, url string, timeout time.Duration) (*goredis.Client, error) {
	ropts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(ropts)
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(probeCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// redisPinger adapts the Redis client to clue's health.Pinger.
type redisPinger struct {
	client *goredis.Client
}

// Name implements health.Pinger.
func (p redisPinger) Name() string { return "redis" }

// Ping implements health.Pinger.
func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
