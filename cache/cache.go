package cache

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("cache: key not found")

// Store represents a simple TTL-based cache abstraction that can be backed
// by memory, Redis, or any other KV store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SlidingStore is implemented by stores that can extend an entry's lifetime
// on every read. The entry lives until ttl elapses or until sliding elapses
// without a Get, whichever comes first.
type SlidingStore interface {
	Store
	SetSliding(ctx context.Context, key string, value []byte, ttl, sliding time.Duration) error
}

// SetWithSliding stores value using SetSliding when the store supports it and
// falls back to an absolute TTL otherwise.
func SetWithSliding(ctx context.Context, store Store, key string, value []byte, ttl, sliding time.Duration) error {
	if s, ok := store.(SlidingStore); ok && sliding > 0 {
		return s.SetSliding(ctx, key, value, ttl, sliding)
	}
	return store.Set(ctx, key, value, ttl)
}
