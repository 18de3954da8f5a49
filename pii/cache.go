package pii

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/adeilh/hotelauth/cache"
)

const (
	DefaultTTL          = 60 * time.Minute
	DefaultSliding      = 30 * time.Minute
	DefaultSafetyMargin = 5 * time.Minute

	defaultPrefix     = "pii"
	defaultKeyVersion = "v1"
)

// Options configures a Cache.
type Options struct {
	// EncryptionKey is handed to the Encrypter for every field.
	EncryptionKey string
	// KeyVersion is part of every cache key; bumping it orphans all entries.
	KeyVersion string
	Prefix     string
	// TTL is the absolute lifetime of an entry, Sliding the idle window.
	TTL     time.Duration
	Sliding time.Duration
	// SafetyMargin treats entries this close to expiry as stale.
	SafetyMargin time.Duration
	// Coalesce collapses concurrent misses for the same key into a single
	// directory call. Off by default: each miss fetches independently.
	Coalesce bool
	Now      func() time.Time
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.KeyVersion == "" {
		o.KeyVersion = defaultKeyVersion
	}
	if o.Prefix == "" {
		o.Prefix = defaultPrefix
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.Sliding < 0 {
		o.Sliding = 0
	} else if o.Sliding == 0 {
		o.Sliding = DefaultSliding
	}
	if o.SafetyMargin <= 0 {
		o.SafetyMargin = DefaultSafetyMargin
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// entry is the stored shape. Every non-empty field of Item is ciphertext.
type entry struct {
	Item      Bundle    `json:"item"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Cache maps user ids to encrypted PII bundles. It is safe for concurrent use
// and is meant to be constructed once per process.
type Cache struct {
	store  cache.Store
	dir    Directory
	enc    Encrypter
	opts   Options
	logger *slog.Logger
	group  singleflight.Group
}

// NewCache wires a cache over store, falling back to dir on a miss.
func NewCache(store cache.Store, dir Directory, enc Encrypter, opts Options) (*Cache, error) {
	if store == nil || dir == nil || enc == nil {
		return nil, ErrMissingDependency
	}
	if opts.EncryptionKey == "" {
		return nil, ErrMissingEncryptKey
	}
	cfg := opts.withDefaults()
	return &Cache{
		store:  store,
		dir:    dir,
		enc:    enc,
		opts:   cfg,
		logger: cfg.Logger.With("component", "pii_cache"),
	}, nil
}

// Key returns the cache key for userID under the current key version.
func (c *Cache) Key(userID string) string {
	return c.opts.Prefix + ":" + c.opts.KeyVersion + ":" + userID
}

// GetOrFetch returns the user's PII, from cache when a fresh entry exists and
// from the directory otherwise. An unknown user yields an empty bundle and
// nothing is cached. Directory failures wrap ErrResolutionFailed.
func (c *Cache) GetOrFetch(ctx context.Context, userID string) (Bundle, error) {
	if userID == "" {
		return Bundle{}, ErrInvalidUserID
	}

	key := c.Key(userID)
	if bundle, ok := c.lookup(ctx, key); ok {
		return bundle, nil
	}

	if !c.opts.Coalesce {
		return c.fetch(ctx, userID, key)
	}
	// The shared fetch outlives any single waiter's cancellation.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(shared, userID, key)
	})
	if err != nil {
		return Bundle{}, err
	}
	return v.(Bundle), nil
}

// Invalidate drops the cached entry for userID, if any.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	err := c.store.Delete(ctx, c.Key(userID))
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return fmt.Errorf("pii: invalidate: %w", err)
	}
	return nil
}

func (c *Cache) lookup(ctx context.Context, key string) (Bundle, bool) {
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			c.logger.WarnContext(ctx, "pii cache read failed", "key", key, "error", err)
		}
		return Bundle{}, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.WarnContext(ctx, "pii cache entry unreadable", "key", key, "error", err)
		return Bundle{}, false
	}
	if !c.opts.Now().Add(c.opts.SafetyMargin).Before(e.ExpiresAt) {
		return Bundle{}, false
	}

	bundle, err := c.open(e.Item)
	if err != nil {
		c.logger.WarnContext(ctx, "pii cache entry could not be decrypted", "key", key, "error", err)
		return Bundle{}, false
	}
	return bundle, true
}

func (c *Cache) fetch(ctx context.Context, userID, key string) (Bundle, error) {
	bundle, found, err := c.dir.GetPII(ctx, userID)
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: %w", ErrResolutionFailed, err)
	}
	if !found {
		return Bundle{}, nil
	}

	sealed, err := c.seal(bundle)
	if err != nil {
		c.logger.WarnContext(ctx, "pii encryption failed, entry not cached", "key", key, "error", err)
		return bundle, nil
	}

	payload, err := json.Marshal(entry{Item: sealed, ExpiresAt: c.opts.Now().Add(c.opts.TTL)})
	if err != nil {
		c.logger.WarnContext(ctx, "pii cache entry encode failed", "key", key, "error", err)
		return bundle, nil
	}
	if err := cache.SetWithSliding(ctx, c.store, key, payload, c.opts.TTL, c.opts.Sliding); err != nil {
		c.logger.WarnContext(ctx, "pii cache write failed", "key", key, "error", err)
	}
	return bundle, nil
}

func (c *Cache) seal(b Bundle) (Bundle, error) {
	return c.apply(b, c.enc.EncryptString)
}

func (c *Cache) open(b Bundle) (Bundle, error) {
	return c.apply(b, c.enc.DecryptString)
}

// apply runs fn over every non-empty field; empty fields stay empty.
func (c *Cache) apply(b Bundle, fn func(value, key string) (string, error)) (Bundle, error) {
	fields := []*string{&b.FirstName, &b.LastName, &b.Email, &b.Phone}
	for _, f := range fields {
		if *f == "" {
			continue
		}
		out, err := fn(*f, c.opts.EncryptionKey)
		if err != nil {
			return Bundle{}, err
		}
		*f = out
	}
	return b, nil
}
