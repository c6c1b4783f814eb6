package data

import (
	"context"
	"errors"
	"fmt"

	"github.com/PaulBabatuyi/neptalk/internal/kv"
)

var (
	// ErrFetchFailed reports a value that is missing or structurally wrong,
	// or a store read that failed.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrWriteFailed reports a store write that failed.
	ErrWriteFailed = errors.New("write failed")
	// ErrUnauthenticated reports an operation that needs a resolvable identity.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrMalformedRecord reports one element that failed schema validation.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrTimeout reports a store call that did not finish in time.
	ErrTimeout = errors.New("store timeout")
	// ErrUnsupportedKind reports a message kind with no wire representation.
	ErrUnsupportedKind = errors.New("unsupported message kind")
	// ErrPartialWrite reports a multi-write operation where some legs failed.
	ErrPartialWrite = errors.New("partial write")
	// ErrNotFound reports a record missing from an existing list.
	ErrNotFound = errors.New("record not found")
)

// storeError marks an error that came back from the namespace store, as
// opposed to one produced by validation. Only store errors are retried.
type storeError struct {
	kind error
	err  error
}

func (e *storeError) Error() string { return e.kind.Error() + ": " + e.err.Error() }

func (e *storeError) Unwrap() []error { return []error{e.kind, e.err} }

// wrapStore classifies err from a store call as kind, or as ErrTimeout when
// a deadline expired.
func wrapStore(kind error, path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return &storeError{kind: kind, err: fmt.Errorf("%s: %w", path, err)}
}

// isTransient reports whether a failed read-modify-write is worth retrying.
// Bad paths and requests the store rejected fail the same way every time.
func isTransient(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, kv.ErrInvalidPath),
		errors.Is(err, kv.ErrRejected):
		return false
	}
	var se *storeError
	return errors.As(err, &se)
}
