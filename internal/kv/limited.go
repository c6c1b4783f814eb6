package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Limited throttles calls to another Store with a token bucket so a client
// stays under the request budget of a shared backend.
type Limited struct {
	next    Store
	limiter *rate.Limiter
}

// NewLimited allows perMinute calls with the given burst. A non-positive
// perMinute disables throttling.
func NewLimited(next Store, perMinute, burst int) *Limited {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Get waits for a token and delegates.
func (l *Limited) Get(ctx context.Context, path string) (any, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.Get(ctx, path)
}

// Set waits for a token and delegates.
func (l *Limited) Set(ctx context.Context, path string, value any) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	return l.next.Set(ctx, path, value)
}

// Update waits for a token and delegates to the wrapped store's Updater.
// When the wrapped store has none it falls back to Get then Set, which is
// only as safe as the caller's own locking.
func (l *Limited) Update(ctx context.Context, path string, fn UpdateFunc) error {
	if err := l.wait(ctx); err != nil {
		return err
	}
	if u, ok := l.next.(Updater); ok {
		return u.Update(ctx, path, fn)
	}

	cur, err := l.next.Get(ctx, path)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	next, err := fn(cur, exists)
	if err != nil {
		return err
	}
	return l.next.Set(ctx, path, next)
}

// Watch waits for a token and delegates. Pushed events are not throttled.
func (l *Limited) Watch(ctx context.Context, path string) (<-chan Event, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	return l.next.Watch(ctx, path)
}

// wait reports a token that cannot arrive before the deadline as
// context.DeadlineExceeded, like an expired context.
func (l *Limited) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return nil
}
