// Package backend defines the durable key-value contract the persistence
// layer writes through, plus the SQLite, bbolt, and in-memory
// implementations selectable via config.
package backend

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a backend that has been closed.
var ErrClosed = errors.New("backend: closed")

// Backend is a flat string-keyed, string-valued persistent store.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the value for key. The second return is false when the
	// key is absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Keys enumerates every stored key.
	Keys(ctx context.Context) ([]string, error)

	// Usage returns the total byte length of all stored keys and values.
	// The persistence layer compares it against the configured capacity
	// ceiling before writes.
	Usage(ctx context.Context) (int64, error)

	Close() error
}
