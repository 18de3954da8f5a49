package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/adeilh/hotelauth/cache"
)

// slidingMetaSuffix names the companion key holding "<absoluteMs>:<slidingMs>"
// for entries written with SetSliding.
const slidingMetaSuffix = ":sliding"

// Store implements cache.SlidingStore on top of go-redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
	owned  bool
	now    func() time.Time
}

var _ cache.SlidingStore = (*Store)(nil)

// NewStore builds a Redis-backed cache store that owns its client.
func NewStore(opts Options) *Store {
	cfg := opts.withDefaults()
	return &Store{
		client: goredis.NewClient(cfg.clientOptions()),
		prefix: cfg.Prefix,
		owned:  true,
		now:    time.Now,
	}
}

// NewStoreWithClient wraps an existing client; Close leaves it open.
func NewStoreWithClient(client goredis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: prefix, now: time.Now}
}

// SetNowFunc overrides the clock used to compute sliding deadlines.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	s.now = fn
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	k := s.key(key)
	var (
		valueCmd *goredis.StringCmd
		metaCmd  *goredis.StringCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		valueCmd = pipe.Get(ctx, k)
		metaCmd = pipe.Get(ctx, k+slidingMetaSuffix)
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis: GET %s: %w", key, err)
	}

	payload, err := valueCmd.Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, cache.ErrNotFound
		}
		return nil, fmt.Errorf("redis: GET %s: %w", key, err)
	}

	meta, err := metaCmd.Result()
	if err == nil {
		if next, ok := s.nextDeadline(meta); ok {
			if err := s.client.PExpireAt(ctx, k, next).Err(); err != nil {
				return nil, fmt.Errorf("redis: PEXPIREAT %s: %w", key, err)
			}
		}
	}
	return payload, nil
}

// nextDeadline parses sliding metadata and returns min(now+sliding, absolute).
func (s *Store) nextDeadline(meta string) (time.Time, bool) {
	absolutePart, slidingPart, found := strings.Cut(meta, ":")
	if !found {
		return time.Time{}, false
	}
	absoluteMs, err := strconv.ParseInt(absolutePart, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	slidingMs, err := strconv.ParseInt(slidingPart, 10, 64)
	if err != nil || slidingMs <= 0 {
		return time.Time{}, false
	}
	next := s.now().Add(time.Duration(slidingMs) * time.Millisecond)
	if absoluteMs > 0 {
		if absolute := time.UnixMilli(absoluteMs); absolute.Before(next) {
			next = absolute
		}
	}
	return next, true
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	k := s.key(key)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, k, value, positive(ttl))
		pipe.Del(ctx, k+slidingMetaSuffix)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: SET %s: %w", key, err)
	}
	return nil
}

// SetSliding stores value so that it expires after sliding without a Get, and
// never later than ttl from now.
func (s *Store) SetSliding(ctx context.Context, key string, value []byte, ttl, sliding time.Duration) error {
	if sliding <= 0 {
		return s.Set(ctx, key, value, ttl)
	}
	if err := ctxErr(ctx); err != nil {
		return err
	}

	now := s.now()
	var absoluteMs int64
	first := sliding
	if ttl > 0 {
		absoluteMs = now.Add(ttl).UnixMilli()
		if ttl < sliding {
			first = ttl
		}
	}
	meta := strconv.FormatInt(absoluteMs, 10) + ":" + strconv.FormatInt(sliding.Milliseconds(), 10)

	k := s.key(key)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, k, value, first)
		pipe.Set(ctx, k+slidingMetaSuffix, meta, positive(ttl))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: SET %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	k := s.key(key)
	n, err := s.client.Del(ctx, k, k+slidingMetaSuffix).Result()
	if err != nil {
		return fmt.Errorf("redis: DEL %s: %w", key, err)
	}
	if n == 0 {
		return cache.ErrNotFound
	}
	return nil
}

// Close releases the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Store) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

// positive maps non-positive TTLs to go-redis' "no expiry".
func positive(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	return ttl
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
