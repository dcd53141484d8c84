// Package kv provides the shared store used by every service instance: a
// small key/value space, a FIFO list for the work queue, and TTL-bound named
// locks with owner tokens. Implementations exist for an in-process memory
// store, Redis and PostgreSQL.
package kv

import (
	"context"
	"errors"
	"time"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store

// ErrNotFound is returned when a key does not exist or a list is empty.
var ErrNotFound = errors.New("key not found")

// Store is the shared store contract.
//
// Lock methods operate on their own namespace: a lock named "x" never
// collides with a value stored under key "x".
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Exists reports whether key holds a value.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// ReplaceList atomically replaces the list stored under key.
	ReplaceList(ctx context.Context, key string, values [][]byte) error
	// PushBack appends a value to the tail of the list.
	PushBack(ctx context.Context, key string, value []byte) error
	// PopFront removes and returns the head of the list, or ErrNotFound when empty.
	PopFront(ctx context.Context, key string) ([]byte, error)
	// ListLen returns the number of entries in the list.
	ListLen(ctx context.Context, key string) (int64, error)

	// TryLock acquires the named lock for token if it is free or expired.
	// It never blocks.
	TryLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	// Unlock releases the named lock if it is still held by token.
	// It reports whether a lock was released.
	Unlock(ctx context.Context, name, token string) (bool, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
