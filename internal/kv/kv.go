// Package kv defines the durable key-value capability the transaction store
// is built on. Implementations must make every successful mutation durable
// before returning and must be safe for concurrent use.
package kv

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("kv: key not found")
	// ErrNoChange returned from an UpdateFunc leaves the key untouched and
	// makes Update return nil.
	ErrNoChange = errors.New("kv: no change")
	ErrConflict = errors.New("kv: too many concurrent updates")
)

// UpdateFunc computes the new value of a key from its current one. found is
// false when the key is absent. A nil result deletes the key.
type UpdateFunc func(current []byte, found bool) ([]byte, error)

type Backend interface {
	Set(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Update applies fn atomically with respect to every other writer of
	// key, including other processes sharing the backend. fn may run more
	// than once.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, key string) error
	// Clear removes every key owned by the backend.
	Clear(ctx context.Context) error
}
