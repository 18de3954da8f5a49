package memory

import (
	"context"
	"sync"
	"time"

	"github.com/adeilh/hotelauth/cache"
)

const defaultCleanupInterval = time.Minute

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source used for expiry decisions.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCleanupInterval sets how often expired entries are swept. Zero disables
// the background sweeper; expired entries are then dropped lazily on Get.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		if d >= 0 {
			s.cleanupInterval = d
		}
	}
}

type entry struct {
	value    []byte
	absolute time.Time
	sliding  time.Duration
	deadline time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.deadline.IsZero() && !now.Before(e.deadline)
}

// Store implements cache.SlidingStore in process memory. It is safe for
// concurrent use and must be closed to stop the sweeper.
type Store struct {
	mu              sync.Mutex
	entries         map[string]*entry
	now             func() time.Time
	cleanupInterval time.Duration
	stop            chan struct{}
	closeOnce       sync.Once
}

var _ cache.SlidingStore = (*Store)(nil)

// New builds a memory store and starts its sweeper.
func New(opts ...Option) *Store {
	s := &Store{
		entries:         make(map[string]*entry),
		now:             time.Now,
		cleanupInterval: defaultCleanupInterval,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, cache.ErrNotFound
	}
	now := s.now()
	if e.expired(now) {
		delete(s.entries, key)
		return nil, cache.ErrNotFound
	}
	if e.sliding > 0 {
		e.deadline = slide(now, e.absolute, e.sliding)
	}
	return append([]byte(nil), e.value...), nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.SetSliding(ctx, key, value, ttl, 0)
}

// SetSliding stores value with an absolute ttl and an optional sliding window.
// A non-positive ttl means the entry never expires on its own.
func (s *Store) SetSliding(ctx context.Context, key string, value []byte, ttl, sliding time.Duration) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	now := s.now()
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.absolute = now.Add(ttl)
	}
	if sliding > 0 {
		e.sliding = sliding
		e.deadline = slide(now, e.absolute, sliding)
	} else {
		e.deadline = e.absolute
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[key]; !ok {
		return cache.ErrNotFound
	}
	delete(s.entries, key)
	return nil
}

// Len reports the number of entries currently held, including expired
// entries that have not been swept yet.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the background sweeper. It is safe to call more than once.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

// slide returns now+sliding capped at the absolute expiry.
func slide(now, absolute time.Time, sliding time.Duration) time.Time {
	next := now.Add(sliding)
	if !absolute.IsZero() && absolute.Before(next) {
		return absolute
	}
	return next
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
