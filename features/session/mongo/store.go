package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"goa.design/clue/health"

	"goa.design/toolflow/runtime/session"
)

type (
	// Options configures the Mongo session store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection is the sessions collection name.
		// Defaults to "toolflow_sessions".
		Collection string
		// TTL is the sliding expiry applied to every session. Zero disables
		// expiry.
		TTL time.Duration
		// Timeout bounds individual Mongo operations. Defaults to 5 seconds.
		Timeout time.Duration
	}

	// Store implements session.Store over MongoDB.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		ttl     time.Duration
		timeout time.Duration
		now     func() time.Time
	}

	// sessionDoc is the persisted document shape. The execution context is
	// stored as its JSON encoding so opaque result values survive the round
	// trip unchanged.
	sessionDoc struct {
		SessionID      string    `bson:"session_id"`
		Context        string    `bson:"context"`
		CreatedAt      time.Time `bson:"created_at"`
		LastAccessedAt time.Time `bson:"last_accessed_at"`
		TTLSeconds     int64     `bson:"ttl_seconds"`
	}
)

const (
	defaultCollection = "toolflow_sessions"
	defaultOpTimeout  = 5 * time.Second
)

// New constructs a Store backed by MongoDB and creates the session id and TTL
// indexes. The Client and Database fields in opts are required.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		ttl:     opts.TTL,
		timeout: timeout,
		now:     time.Now,
	}
	idxCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.ensureIndexes(idxCtx); err != nil {
		return nil, err
	}
	return s, nil
}

// Compile-time checks.
var (
	_ session.Store = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// Name implements health.Pinger.
func (s *Store) Name() string { return "session-mongo" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Create implements session.Store. An existing live session is returned
// unchanged so Create is idempotent per id.
func (s *Store) Create(ctx context.Context, id string) (session.Session, error) {
	if id != "" {
		existing, err := s.Load(ctx, id)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return session.Session{}, err
		}
	}
	sess := session.New(id, s.ttl, s.now())
	doc, err := toDoc(sess)
	if err != nil {
		return session.Session{}, err
	}
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	// $setOnInsert keeps Create race-safe: a concurrent winner's document is
	// left untouched.
	_, err = s.coll.UpdateOne(opCtx,
		bson.M{"session_id": sess.ID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return session.Session{}, fmt.Errorf("create session %q: %w", sess.ID, err)
	}
	return sess, nil
}

// Load implements session.Store. The sliding window is refreshed on hit.
func (s *Store) Load(ctx context.Context, id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, session.ErrNotFound
	}
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now().UTC()
	var doc sessionDoc
	err := s.coll.FindOne(opCtx, s.liveFilter(id, now)).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return session.Session{}, session.ErrNotFound
	}
	if err != nil {
		return session.Session{}, fmt.Errorf("load session %q: %w", id, err)
	}

	if _, err := s.coll.UpdateOne(opCtx,
		bson.M{"session_id": id},
		bson.M{"$set": bson.M{"last_accessed_at": now}},
	); err != nil {
		return session.Session{}, fmt.Errorf("refresh session %q: %w", id, err)
	}
	doc.LastAccessedAt = now
	return fromDoc(doc)
}

// Save implements session.Store.
func (s *Store) Save(ctx context.Context, sess session.Session) error {
	sess.LastAccessedAt = s.now().UTC()
	if sess.TTL == 0 {
		sess.TTL = s.ttl
	}
	doc, err := toDoc(sess)
	if err != nil {
		return err
	}
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.ReplaceOne(opCtx,
		bson.M{"session_id": sess.ID},
		doc,
		options.Replace().SetUpsert(true),
	); err != nil {
		return fmt.Errorf("save session %q: %w", sess.ID, err)
	}
	return nil
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.DeleteOne(opCtx, bson.M{"session_id": id})
	if err != nil {
		return false, fmt.Errorf("delete session %q: %w", id, err)
	}
	return res.DeletedCount > 0, nil
}

// List implements session.Store.
func (s *Store) List(ctx context.Context) ([]string, error) {
	opCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	cur, err := s.coll.Find(opCtx, s.liveFilter("", s.now().UTC()),
		options.Find().SetProjection(bson.M{"session_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer cur.Close(opCtx)

	var ids []string
	for cur.Next(opCtx) {
		var doc struct {
			SessionID string `bson:"session_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("list sessions: decode: %w", err)
		}
		ids = append(ids, doc.SessionID)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return ids, nil
}

// liveFilter matches unexpired sessions. The TTL index removes expired
// documents eventually; the window predicate hides them until the reaper
// runs.
func (s *Store) liveFilter(id string, now time.Time) bson.M {
	filter := bson.M{}
	if id != "" {
		filter["session_id"] = id
	}
	if s.ttl > 0 {
		filter["last_accessed_at"] = bson.M{"$gt": now.Add(-s.ttl)}
	}
	return filter
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	models := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if s.ttl > 0 {
		models = append(models, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "last_accessed_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(s.ttl.Seconds())),
		})
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("ensure session indexes: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func toDoc(sess session.Session) (sessionDoc, error) {
	b, err := json.Marshal(sess.Context)
	if err != nil {
		return sessionDoc{}, fmt.Errorf("marshal session %q context: %w", sess.ID, err)
	}
	return sessionDoc{
		SessionID:      sess.ID,
		Context:        string(b),
		CreatedAt:      sess.CreatedAt.UTC(),
		LastAccessedAt: sess.LastAccessedAt.UTC(),
		TTLSeconds:     int64(sess.TTL.Seconds()),
	}, nil
}

func fromDoc(doc sessionDoc) (session.Session, error) {
	var ec session.ExecutionContext
	if err := json.Unmarshal([]byte(doc.Context), &ec); err != nil {
		return session.Session{}, fmt.Errorf("unmarshal session %q context: %w", doc.SessionID, err)
	}
	return session.Session{
		ID:             doc.SessionID,
		Context:        ec,
		CreatedAt:      doc.CreatedAt,
		LastAccessedAt: doc.LastAccessedAt,
		TTL:            time.Duration(doc.TTLSeconds) * time.Second,
	}, nil
}
