package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/neptalk/internal/keylock"
	"github.com/PaulBabatuyi/neptalk/internal/kv"
	"github.com/PaulBabatuyi/neptalk/internal/retry"
)

// WriteMode selects how list read-modify-write cycles are protected.
type WriteMode int

const (
	// WriteSerialized runs every cycle on a path behind a per-path lock, and
	// through the store's native Update when it has one.
	WriteSerialized WriteMode = iota
	// WriteUnserialized issues a bare Get then Set. Concurrent writers of
	// the same list can lose each other's elements. Only tests use it.
	WriteUnserialized
)

// DefaultStoreTimeout bounds each store call when Options leaves it unset.
const DefaultStoreTimeout = 5 * time.Second

// Options configures a Backend. Zero values fall back to defaults.
type Options struct {
	Timeout time.Duration
	Retry   retry.Policy
	Mode    WriteMode
	Dates   DateFormatter
	Logger  *zap.Logger
}

// Backend is shared by the stores built on one namespace. Sharing it
// matters: the per-path locks only serialize writers that use the same
// Backend.
type Backend struct {
	store   kv.Store
	locks   *keylock.Map
	timeout time.Duration
	retry   retry.Policy
	mode    WriteMode
	dates   DateFormatter
	log     *zap.Logger
}

// NewBackend wraps store with opts.
func NewBackend(store kv.Store, opts Options) *Backend {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultStoreTimeout
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = retry.DefaultPolicy
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Backend{
		store:   store,
		locks:   keylock.New(),
		timeout: opts.Timeout,
		retry:   opts.Retry,
		mode:    opts.Mode,
		dates:   opts.Dates.orDefault(),
		log:     opts.Logger,
	}
}

// Stores groups the three stores built on one Backend.
type Stores struct {
	Users         *UsersStore
	Conversations *ConversationsStore
	Messages      *MessagesStore
}

// NewStores builds every store over a single Backend for store.
func NewStores(store kv.Store, opts Options) Stores {
	b := NewBackend(store, opts)
	return Stores{
		Users:         NewUsersStore(b),
		Conversations: NewConversationsStore(b),
		Messages:      NewMessagesStore(b),
	}
}

// Dates returns the formatter used for stored dates.
func (s Stores) Dates() DateFormatter { return s.Users.b.Dates() }

// Dates returns the formatter used for stored dates.
func (b *Backend) Dates() DateFormatter { return b.dates }

func (b *Backend) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// get reads path. kv.ErrNotFound is returned unwrapped so callers can tell
// absence from failure.
func (b *Backend) get(ctx context.Context, path string) (any, error) {
	cctx, cancel := b.bound(ctx)
	defer cancel()

	v, err := b.store.Get(cctx, path)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, wrapStore(ErrFetchFailed, path, err)
	}
	return v, nil
}

func (b *Backend) set(ctx context.Context, path string, value any) error {
	return retry.Do(ctx, b.retry, isTransient, func(ctx context.Context) error {
		cctx, cancel := b.bound(ctx)
		defer cancel()

		if err := b.store.Set(cctx, path, value); err != nil {
			return wrapStore(ErrWriteFailed, path, err)
		}
		return nil
	})
}

// listFunc computes the next list from the current one. current is nil
// when the path is empty or does not hold a list.
type listFunc func(current []any) ([]any, error)

// modifyList performs a read-modify-write of the list at path, retrying
// transient store failures. fn may run more than once, so it must be
// idempotent.
func (b *Backend) modifyList(ctx context.Context, path string, fn listFunc) error {
	return retry.Do(ctx, b.retry, isTransient, func(ctx context.Context) error {
		return b.modifyListOnce(ctx, path, fn)
	})
}

func (b *Backend) modifyListOnce(ctx context.Context, path string, fn listFunc) error {
	if b.mode == WriteSerialized {
		unlock, err := b.locks.Lock(ctx, path)
		if err != nil {
			return wrapStore(ErrWriteFailed, path, err)
		}
		defer unlock()

		if u, ok := b.store.(kv.Updater); ok {
			cctx, cancel := b.bound(ctx)
			defer cancel()

			var fnErr error
			err := u.Update(cctx, path, func(cur any, _ bool) (any, error) {
				next, err := fn(asList(cur))
				fnErr = err
				return next, err
			})
			if fnErr != nil {
				return fnErr
			}
			if err != nil {
				return wrapStore(ErrWriteFailed, path, err)
			}
			return nil
		}
	}

	cur, err := b.get(ctx, path)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	next, err := fn(asList(cur))
	if err != nil {
		return err
	}

	cctx, cancel := b.bound(ctx)
	defer cancel()
	if err := b.store.Set(cctx, path, next); err != nil {
		return wrapStore(ErrWriteFailed, path, err)
	}
	return nil
}

// readList reads path and decodes every element with decode. A missing
// value or one that is not a list fails the whole read; elements that fail
// decoding are skipped and counted.
func readList[T any](b *Backend, path string, v any, exists bool, decode func(any) (T, error)) ([]T, int, error) {
	list, ok := v.([]any)
	if !exists || !ok {
		return nil, 0, fmt.Errorf("%w: %s does not hold a list", ErrFetchFailed, path)
	}

	items := make([]T, 0, len(list))
	skipped := 0
	for i, raw := range list {
		item, err := decode(raw)
		if err != nil {
			skipped++
			b.log.Warn("skipping malformed record",
				zap.String("path", path), zap.Int("index", i), zap.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, skipped, nil
}

// fetchList is the one-shot form of readList.
func fetchList[T any](ctx context.Context, b *Backend, path string, decode func(any) (T, error)) ([]T, int, error) {
	v, err := b.get(ctx, path)
	if errors.Is(err, kv.ErrNotFound) {
		return readList(b, path, nil, false, decode)
	}
	if err != nil {
		return nil, 0, err
	}
	return readList(b, path, v, true, decode)
}

// watchList streams decoded snapshots of the list at path until ctx is
// done. wrap turns each snapshot into the caller's update type.
func watchList[T, U any](ctx context.Context, b *Backend, path string, decode func(any) (T, error), wrap func([]T, int, error) U) (<-chan U, error) {
	events, err := b.store.Watch(ctx, path)
	if err != nil {
		return nil, wrapStore(ErrFetchFailed, path, err)
	}

	out := make(chan U)
	go func() {
		defer close(out)
		for ev := range events {
			items, skipped, err := readList(b, path, ev.Value, ev.Exists, decode)
			select {
			case out <- wrap(items, skipped, err):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func asList(v any) []any {
	list, _ := v.([]any)
	return list
}

// upsertByKey replaces the element whose key field equals id, or appends
// elem when there is none.
func upsertByKey(list []any, key, id string, elem map[string]any) []any {
	out := append(make([]any, 0, len(list)+1), list...)
	if i := indexByKey(out, key, id); i >= 0 {
		out[i] = elem
		return out
	}
	return append(out, elem)
}

// indexByKey returns the position of the element whose key field equals
// id, or -1.
func indexByKey(list []any, key, id string) int {
	_, i, _ := lo.FindIndexOf(list, func(raw any) bool {
		m, ok := raw.(map[string]any)
		return ok && m[key] == id
	})
	return i
}
