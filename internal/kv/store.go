// Package kv is the client contract for the shared hierarchical namespace
// and its backends. Values are untyped trees (see normalize.Value); paths
// are slash separated and a path's value never implicitly includes its
// children.
package kv

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by Get when nothing is stored at a path.
	ErrNotFound = errors.New("kv: path not found")
	// ErrInvalidPath is returned for empty paths or paths with empty segments.
	ErrInvalidPath = errors.New("kv: invalid path")
	// ErrClosed is returned by backends after Close.
	ErrClosed = errors.New("kv: store closed")
	// ErrRejected marks a call the store refused outright. Repeating it
	// unchanged fails the same way.
	ErrRejected = errors.New("kv: request rejected")
)

// Event is one value-changed notification for a watched path. Exists is
// false when the path holds nothing.
type Event struct {
	Path   string
	Value  any
	Exists bool
}

// Store is the namespace client every component is handed.
type Store interface {
	// Get returns the value stored at path or ErrNotFound.
	Get(ctx context.Context, path string) (any, error)

	// Set replaces the value at path. A nil value removes it.
	Set(ctx context.Context, path string, value any) error

	// Watch delivers the current value at path followed by one event per
	// change. The channel is closed once ctx is done or the store closes.
	// A slow reader may miss intermediate values but always observes the
	// latest one.
	Watch(ctx context.Context, path string) (<-chan Event, error)
}

// UpdateFunc computes the next value at a path from the current one.
type UpdateFunc func(current any, exists bool) (any, error)

// Updater is implemented by backends with a native atomic
// read-modify-write primitive for a single path.
type Updater interface {
	Update(ctx context.Context, path string, fn UpdateFunc) error
}

// Clean validates p and returns it without leading or trailing slashes.
func Clean(p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ErrInvalidPath
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", ErrInvalidPath
		}
	}
	return p, nil
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}
