// Package blobcache memoizes expensive one-shot computations in durable
// blob storage.
//
// A key that already holds an object short-circuits recomputation; a missing
// key triggers the computation and persists its whole result. Concurrent
// callers racing on the same empty key are NOT mutually excluded: both may
// compute, and the last whole-object write wins. That matches the upstream
// storage semantics — the cache may double-compute but never serves
// half-written data — and compute functions must tolerate it.
package blobcache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Store is key-addressed durable blob storage.
type Store interface {
	// Exists reports whether an object is present at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Read returns the object at key. Returns ErrNotFound if absent.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores data at key with the given content type, replacing any
	// existing object as a whole.
	Write(ctx context.Context, key string, data []byte, contentType string) error
}

// ErrNotFound indicates no object exists at the requested key.
var ErrNotFound = errors.New("blob not found")

// IsNotFound returns true if the error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Cache wraps a Store with get-or-compute memoization.
type Cache struct {
	store Store
	log   *zap.Logger
}

// New creates a cache over the given store.
func New(store Store, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{store: store, log: log}
}

// GetOrCompute returns the object at key, computing and persisting it first
// if absent.
//
// If compute fails, nothing is persisted and the key stays absent for the
// next caller to retry.
func (c *Cache) GetOrCompute(ctx context.Context, key, contentType string, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	if key == "" {
		return nil, errors.New("cache key is empty")
	}

	ok, err := c.store.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check cache key %s: %w", key, err)
	}
	if ok {
		data, err := c.store.Read(ctx, key)
		if err == nil {
			c.log.Debug("Cache hit", zap.String("key", key))
			return data, nil
		}
		// Deleted between Exists and Read; fall through to compute.
		if !IsNotFound(err) {
			return nil, fmt.Errorf("read cache key %s: %w", key, err)
		}
	}

	c.log.Debug("Cache miss", zap.String("key", key))
	data, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.store.Write(ctx, key, data, contentType); err != nil {
		return nil, fmt.Errorf("persist cache key %s: %w", key, err)
	}
	return data, nil
}
