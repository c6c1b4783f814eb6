package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/neptalk/internal/normalize"
	"github.com/PaulBabatuyi/neptalk/internal/retry"
)

// MongoStore keeps one document per path in a MongoDB collection:
// {_id: path, value: <tree>, version: n}. Every write bumps version, which
// Update uses for compare-and-swap. Watches are fed by a change stream, so
// writes from every client connected to the same collection are pushed.
// Change streams need a replica set; Watch fails on a standalone server.
//
// The feed is opened by the first Watch. A broken stream is resumed from
// its last resume token; when that keeps failing every open watch is ended
// and the next Watch opens a fresh feed.
type MongoStore struct {
	coll   *mongo.Collection
	hub    *hub
	log    *zap.Logger
	open   streamOpener
	resume retry.Policy

	feedMu  sync.Mutex
	feeding bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// changeStream is what the feed needs from *mongo.ChangeStream.
type changeStream interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
	ResumeToken() bson.Raw
}

// streamOpener opens a collection-wide change stream, resuming after token
// when it is not nil.
type streamOpener func(ctx context.Context, token bson.Raw) (changeStream, error)

// feedOpenTimeout bounds opening the change stream; it is independent of
// the context of whichever Watch call triggered it.
const feedOpenTimeout = 10 * time.Second

var feedResumePolicy = retry.Policy{
	Attempts:   5,
	Initial:    100 * time.Millisecond,
	Max:        5 * time.Second,
	Multiplier: 2,
}

type node struct {
	Path    string `bson:"_id"`
	Value   any    `bson:"value"`
	Version int64  `bson:"version"`
}

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *node `bson:"fullDocument"`
}

// NewMongoStore returns a store over coll.
func NewMongoStore(coll *mongo.Collection, log *zap.Logger) *MongoStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &MongoStore{
		coll:   coll,
		hub:    newHub(defaultWatchBuffer),
		log:    log,
		open:   collectionStream(coll),
		resume: feedResumePolicy,
	}
}

func collectionStream(coll *mongo.Collection) streamOpener {
	return func(ctx context.Context, token bson.Raw) (changeStream, error) {
		opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
		if token != nil {
			opts.SetResumeAfter(token)
		}
		cs, err := coll.Watch(ctx, mongo.Pipeline{}, opts)
		if err != nil {
			return nil, err
		}
		return cs, nil
	}
}

// Get loads the document for path.
func (m *MongoStore) Get(ctx context.Context, path string) (any, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}

	var n node
	err = m.coll.FindOne(ctx, bson.M{"_id": p}).Decode(&n)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return normalize.Value(n.Value), nil
}

// Set upserts the document for path, or deletes it when value is nil.
func (m *MongoStore) Set(ctx context.Context, path string, value any) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}

	v := normalize.Value(value)
	if v == nil {
		_, err = m.coll.DeleteOne(ctx, bson.M{"_id": p})
		return err
	}
	_, err = m.coll.UpdateOne(ctx, bson.M{"_id": p},
		bson.M{"$set": bson.M{"value": v}, "$inc": bson.M{"version": 1}},
		options.UpdateOne().SetUpsert(true))
	return err
}

// Update applies fn with optimistic concurrency: the write only lands if
// the document still has the version that was read, otherwise fn runs
// again on the fresh value.
func (m *MongoStore) Update(ctx context.Context, path string, fn UpdateFunc) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}

	for attempt := 0; attempt <= maxTxnConflicts; attempt++ {
		var cur node
		exists := true
		err := m.coll.FindOne(ctx, bson.M{"_id": p}).Decode(&cur)
		if errors.Is(err, mongo.ErrNoDocuments) {
			exists = false
		} else if err != nil {
			return err
		}

		var value any
		if exists {
			value = normalize.Value(cur.Value)
		}
		next, err := fn(value, exists)
		if err != nil {
			return err
		}

		ok, err := m.swap(ctx, p, exists, cur.Version, normalize.Value(next))
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		m.log.Debug("mongo update conflict, retrying", zap.String("path", p), zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("update %s: too many conflicting writers", p)
}

// swap writes next if the document is still at version (or still absent).
// It reports false when another writer got there first.
func (m *MongoStore) swap(ctx context.Context, p string, exists bool, version int64, next any) (bool, error) {
	switch {
	case !exists && next == nil:
		return true, nil
	case !exists:
		_, err := m.coll.InsertOne(ctx, node{Path: p, Value: next, Version: 1})
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return err == nil, err
	case next == nil:
		res, err := m.coll.DeleteOne(ctx, bson.M{"_id": p, "version": version})
		if err != nil {
			return false, err
		}
		return res.DeletedCount == 1, nil
	}
	res, err := m.coll.UpdateOne(ctx, bson.M{"_id": p, "version": version},
		bson.M{"$set": bson.M{"value": next, "version": version + 1}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount == 1, nil
}

// Watch streams the value at path.
func (m *MongoStore) Watch(ctx context.Context, path string) (<-chan Event, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	return m.watch(ctx, p, func() (Event, error) {
		v, err := m.Get(ctx, p)
		if errors.Is(err, ErrNotFound) {
			return Event{Path: p}, nil
		}
		if err != nil {
			return Event{}, err
		}
		return Event{Path: p, Value: v, Exists: true}, nil
	})
}

func (m *MongoStore) watch(ctx context.Context, p string, current func() (Event, error)) (<-chan Event, error) {
	// Registering under feedMu means a feed that dies from here on also
	// ends this watch.
	m.feedMu.Lock()
	err := m.startFeedLocked()
	var (
		id  int64
		sub *subscription
	)
	if err == nil {
		id, sub, err = m.hub.register(p)
	}
	m.feedMu.Unlock()
	if err != nil {
		return nil, err
	}

	return m.hub.attach(ctx.Done(), p, id, sub, current)
}

// Close stops the change stream and ends every watch.
func (m *MongoStore) Close() error {
	m.feedMu.Lock()
	m.closed = true
	cancel, done := m.cancel, m.done
	m.feedMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.hub.closeAll()
	return nil
}

// startFeedLocked opens the change stream unless one is running. A failed
// open is returned to the caller and tried again by the next Watch.
func (m *MongoStore) startFeedLocked() error {
	if m.closed {
		return ErrClosed
	}
	if m.feeding {
		return nil
	}

	openCtx, cancelOpen := context.WithTimeout(context.Background(), feedOpenTimeout)
	cs, err := m.open(openCtx, nil)
	cancelOpen()
	if err != nil {
		return fmt.Errorf("open change stream: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.feeding = true
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.runFeed(ctx, cs, m.done)
	return nil
}

// runFeed publishes change events until ctx is cancelled. When the stream
// breaks it is reopened after the last resume token; if that fails the
// feed stops and the watches it was serving are ended.
func (m *MongoStore) runFeed(ctx context.Context, cs changeStream, done chan struct{}) {
	defer close(done)

	for {
		m.drain(ctx, cs)
		token := cs.ResumeToken()
		err := cs.Err()
		_ = cs.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("change stream broke, resuming", zap.Error(err))

		err = retry.Do(ctx, m.resume, func(error) bool { return ctx.Err() == nil }, func(ctx context.Context) error {
			openCtx, cancel := context.WithTimeout(ctx, feedOpenTimeout)
			defer cancel()
			next, err := m.open(openCtx, token)
			if err != nil {
				return err
			}
			cs = next
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.stopFeed(err)
			return
		}
	}
}

func (m *MongoStore) drain(ctx context.Context, cs changeStream) {
	for cs.Next(ctx) {
		var ev changeEvent
		if err := cs.Decode(&ev); err != nil {
			m.log.Warn("undecodable change event", zap.Error(err))
			continue
		}
		switch ev.OperationType {
		case "insert", "replace", "update":
			if ev.FullDocument == nil {
				continue
			}
			m.hub.publish(Event{Path: ev.DocumentKey.ID, Value: normalize.Value(ev.FullDocument.Value), Exists: true})
		case "delete":
			m.hub.publish(Event{Path: ev.DocumentKey.ID})
		}
	}
}

// stopFeed marks the feed gone and ends every watch that depended on it,
// so watchers see their channel close instead of waiting forever.
func (m *MongoStore) stopFeed(cause error) {
	m.feedMu.Lock()
	defer m.feedMu.Unlock()

	if m.closed {
		return
	}
	m.feeding = false
	m.cancel()
	m.cancel = nil
	n := m.hub.dropAll()
	m.log.Error("change stream lost, watches ended", zap.Int("watches", n), zap.Error(cause))
}
