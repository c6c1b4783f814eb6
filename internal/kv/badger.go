package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/PaulBabatuyi/neptalk/internal/keylock"
	"github.com/PaulBabatuyi/neptalk/internal/normalize"
)

// badgerKeyPrefix namespaces every path so the database can hold other data.
const badgerKeyPrefix = "ns:"

// maxTxnConflicts bounds how often Update re-runs after a badger conflict.
const maxTxnConflicts = 100

// BadgerStore persists the namespace in an embedded BadgerDB. Each path is
// one key; its value is a protobuf structpb.Value. Writes to one path hold
// a lock from commit until publish, so watchers see changes in commit
// order.
type BadgerStore struct {
	db    *badger.DB
	hub   *hub
	locks *keylock.Map
	log   *zap.Logger
}

// OpenBadger opens (or creates) a database at dir. An empty dir opens an
// in-memory database, which is what the tests use.
func OpenBadger(dir string, log *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return NewBadgerStore(db, log), nil
}

// NewBadgerStore wraps an already opened database.
func NewBadgerStore(db *badger.DB, log *zap.Logger) *BadgerStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &BadgerStore{db: db, hub: newHub(defaultWatchBuffer), locks: keylock.New(), log: log}
}

// Get decodes the value stored at path.
func (b *BadgerStore) Get(ctx context.Context, path string) (any, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out any
	err = b.db.View(func(txn *badger.Txn) error {
		v, ok, err := readValue(txn, p)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		out = v
		return nil
	})
	return out, err
}

// Set writes value at path, or deletes the key when value is nil.
func (b *BadgerStore) Set(ctx context.Context, path string, value any) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock, err := b.locks.Lock(ctx, p)
	if err != nil {
		return err
	}
	defer unlock()

	v := normalize.Value(value)
	err = b.db.Update(func(txn *badger.Txn) error {
		return writeValue(txn, p, v)
	})
	if err != nil {
		return err
	}
	b.hub.publish(Event{Path: p, Value: v, Exists: v != nil})
	return nil
}

// Update runs fn inside a badger transaction. Conflicting commits are
// retried with a fresh read.
func (b *BadgerStore) Update(ctx context.Context, path string, fn UpdateFunc) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	unlock, err := b.locks.Lock(ctx, p)
	if err != nil {
		return err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var next any
		err = b.db.Update(func(txn *badger.Txn) error {
			cur, ok, err := readValue(txn, p)
			if err != nil {
				return err
			}
			nv, err := fn(cur, ok)
			if err != nil {
				return err
			}
			next = normalize.Value(nv)
			return writeValue(txn, p, next)
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxTxnConflicts {
			b.log.Debug("badger update conflict, retrying", zap.String("path", p), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return err
		}
		b.hub.publish(Event{Path: p, Value: next, Exists: next != nil})
		return nil
	}
}

// Watch streams the value at path. Changes are published after each
// committed write made through this store.
func (b *BadgerStore) Watch(ctx context.Context, path string) (<-chan Event, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	return b.hub.stream(ctx.Done(), p, func() (Event, error) {
		v, err := b.Get(context.Background(), p)
		if errors.Is(err, ErrNotFound) {
			return Event{Path: p}, nil
		}
		if err != nil {
			return Event{}, err
		}
		return Event{Path: p, Value: v, Exists: true}, nil
	})
}

// Close ends every watch and closes the database.
func (b *BadgerStore) Close() error {
	b.hub.closeAll()
	return b.db.Close()
}

func readValue(txn *badger.Txn, p string) (any, bool, error) {
	item, err := txn.Get([]byte(badgerKeyPrefix + p))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var pv structpb.Value
	err = item.Value(func(val []byte) error {
		return proto.Unmarshal(val, &pv)
	})
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", p, err)
	}
	return normalize.Value(pv.AsInterface()), true, nil
}

func writeValue(txn *badger.Txn, p string, v any) error {
	key := []byte(badgerKeyPrefix + p)
	if v == nil {
		return txn.Delete(key)
	}
	pv, err := structpb.NewValue(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	data, err := proto.Marshal(pv)
	if err != nil {
		return fmt.Errorf("encode %s: %w", p, err)
	}
	return txn.Set(key, data)
}
