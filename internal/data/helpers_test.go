package data

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/PaulBabatuyi/neptalk/internal/kv"
	"github.com/PaulBabatuyi/neptalk/internal/retry"
)

var errInjected = errors.New("injected store failure")

var fastRetry = retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}

func newTestStores(store kv.Store, mode WriteMode) Stores {
	return NewStores(store, Options{Timeout: time.Second, Retry: fastRetry, Mode: mode})
}

// faultStore wraps a Store without exposing Updater, so every list write
// goes through Get then Set. It can fail reads and writes per path.
type faultStore struct {
	kv.Store

	mu       sync.Mutex
	failSet  map[string]int // remaining failures; negative fails forever
	failGet  map[string]bool
	setCalls map[string]int
	getCalls map[string]int
}

func newFaultStore() *faultStore {
	return &faultStore{
		Store:    kv.NewMemoryStore(),
		failSet:  make(map[string]int),
		failGet:  make(map[string]bool),
		setCalls: make(map[string]int),
		getCalls: make(map[string]int),
	}
}

func (f *faultStore) failWrites(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSet[path] = n
}

func (f *faultStore) failReads(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGet[path] = true
}

func (f *faultStore) writes(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setCalls[path]
}

func (f *faultStore) reads(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[path]
}

func (f *faultStore) Get(ctx context.Context, path string) (any, error) {
	f.mu.Lock()
	f.getCalls[path]++
	fail := f.failGet[path]
	f.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return f.Store.Get(ctx, path)
}

func (f *faultStore) Set(ctx context.Context, path string, value any) error {
	f.mu.Lock()
	f.setCalls[path]++
	n, ok := f.failSet[path]
	if ok && n != 0 {
		if n > 0 {
			f.failSet[path] = n - 1
		}
		f.mu.Unlock()
		return errInjected
	}
	f.mu.Unlock()
	return f.Store.Set(ctx, path, value)
}

// gatedStore makes readers of one path meet before any of them returns.
// Each reader reads first, then waits until want readers have arrived or
// wait elapses. Unserialized writers therefore all see the same stale list.
type gatedStore struct {
	kv.Store
	path string
	want int
	wait time.Duration

	mu      sync.Mutex
	arrived int
	all     chan struct{}
}

func newGatedStore(path string, want int, wait time.Duration) *gatedStore {
	return &gatedStore{
		Store: kv.NewMemoryStore(),
		path:  path,
		want:  want,
		wait:  wait,
		all:   make(chan struct{}),
	}
}

func (g *gatedStore) Get(ctx context.Context, path string) (any, error) {
	v, err := g.Store.Get(ctx, path)
	if path != g.path {
		return v, err
	}

	g.mu.Lock()
	g.arrived++
	if g.arrived == g.want {
		close(g.all)
	}
	g.mu.Unlock()

	select {
	case <-g.all:
	case <-time.After(g.wait):
	}
	return v, err
}

// rejectStore refuses every write the way a server refuses a bad token.
type rejectStore struct {
	kv.Store
	mu    sync.Mutex
	calls int
}

func (r *rejectStore) Set(context.Context, string, any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return fmt.Errorf("%w: unauthenticated", kv.ErrRejected)
}

// stallStore blocks every Get until the caller's context gives up.
type stallStore struct {
	kv.Store
}

func (s stallStore) Get(ctx context.Context, _ string) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func mustSet(t *testing.T, s kv.Store, path string, v any) {
	t.Helper()
	if err := s.Set(context.Background(), path, v); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
}

func ada() UserRecord {
	return UserRecord{UID: "uid-ada", FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}
}

func alan() UserRecord {
	return UserRecord{UID: "uid-alan", FirstName: "Alan", LastName: "Turing", Email: "alan@example.com"}
}
