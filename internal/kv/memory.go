package kv

import (
	"context"
	"sync"

	"github.com/PaulBabatuyi/neptalk/internal/normalize"
)

// MemoryStore implements Store and Updater in process memory.
// Values are deep-copied on the way in and out so callers never share
// mutable state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]any
	hub  *hub
}

// NewMemoryStore creates an empty in-memory namespace.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]any),
		hub:  newHub(defaultWatchBuffer),
	}
}

// Get returns a copy of the value at path.
func (m *MemoryStore) Get(ctx context.Context, path string) (any, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[p]
	if !ok {
		return nil, ErrNotFound
	}
	return normalize.Value(v), nil
}

// Set stores a copy of value at path and notifies watchers.
func (m *MemoryStore) Set(ctx context.Context, path string, value any) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.putLocked(p, normalize.Value(value))
	return nil
}

// Update runs fn and stores its result while holding the store lock, so
// no other write to any path can interleave. fn must not call back into
// the store.
func (m *MemoryStore) Update(ctx context.Context, path string, fn UpdateFunc) error {
	p, err := Clean(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.data[p]
	next, err := fn(normalize.Value(cur), ok)
	if err != nil {
		return err
	}
	m.putLocked(p, normalize.Value(next))
	return nil
}

// Watch streams the value at path.
func (m *MemoryStore) Watch(ctx context.Context, path string) (<-chan Event, error) {
	p, err := Clean(path)
	if err != nil {
		return nil, err
	}
	return m.hub.stream(ctx.Done(), p, func() (Event, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		v, ok := m.data[p]
		return Event{Path: p, Value: normalize.Value(v), Exists: ok}, nil
	})
}

// Len returns the number of stored paths.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close ends every active watch.
func (m *MemoryStore) Close() error {
	m.hub.closeAll()
	return nil
}

func (m *MemoryStore) putLocked(p string, v any) {
	if v == nil {
		delete(m.data, p)
		m.hub.publish(Event{Path: p})
		return
	}
	m.data[p] = v
	m.hub.publish(Event{Path: p, Value: v, Exists: true})
}
