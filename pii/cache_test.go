package pii

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/adeilh/hotelauth/cache"
	"github.com/adeilh/hotelauth/cache/memory"
	"github.com/adeilh/hotelauth/encryption"
)

const testKey = "test-pii-key"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeDirectory struct {
	mu      sync.Mutex
	calls   int
	users   map[string]Bundle
	err     error
	arrived chan struct{}
	release chan struct{}
}

func (d *fakeDirectory) GetPII(_ context.Context, userID string) (Bundle, bool, error) {
	d.mu.Lock()
	d.calls++
	arrived, release := d.arrived, d.release
	d.mu.Unlock()

	if arrived != nil {
		arrived <- struct{}{}
	}
	if release != nil {
		<-release
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return Bundle{}, false, d.err
	}
	b, ok := d.users[userID]
	return b, ok, nil
}

func (d *fakeDirectory) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type harness struct {
	clock *fakeClock
	store *memory.Store
	dir   *fakeDirectory
	cache *Cache
}

var ada = Bundle{FirstName: "Ada", LastName: "Lovelace", Email: "ada@example.com"}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New(memory.WithClock(clock.Now), memory.WithCleanupInterval(0))
	t.Cleanup(func() { _ = store.Close() })

	dir := &fakeDirectory{users: map[string]Bundle{"42": ada}}
	opts := Options{
		EncryptionKey: testKey,
		KeyVersion:    "v1",
		Now:           clock.Now,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&opts)
	}

	c, err := NewCache(store, dir, encryption.NewAESGCM(""), opts)
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	return &harness{clock: clock, store: store, dir: dir, cache: c}
}

func TestNewCacheValidation(t *testing.T) {
	store := memory.New(memory.WithCleanupInterval(0))
	defer store.Close()
	dir := &fakeDirectory{}
	enc := encryption.NewAESGCM("")

	if _, err := NewCache(nil, dir, enc, Options{EncryptionKey: "k"}); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("NewCache(nil store) error = %v, want ErrMissingDependency", err)
	}
	if _, err := NewCache(store, dir, enc, Options{}); !errors.Is(err, ErrMissingEncryptKey) {
		t.Fatalf("NewCache(no key) error = %v, want ErrMissingEncryptKey", err)
	}
}

func TestGetOrFetchHitSuppressesRefetch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.cache.GetOrFetch(ctx, "42")
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	h.clock.Advance(59 * time.Second)
	second, err := h.cache.GetOrFetch(ctx, "42")
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	if first != ada || second != ada {
		t.Fatalf("GetOrFetch() = %+v / %+v, want %+v", first, second, ada)
	}
	if calls := h.dir.Calls(); calls != 1 {
		t.Fatalf("directory calls = %d, want 1", calls)
	}
}

func TestGetOrFetchExpiryTriggersRefetch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.cache.GetOrFetch(ctx, "42"); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	h.clock.Advance(DefaultTTL + time.Second)

	if _, err := h.cache.GetOrFetch(ctx, "42"); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if calls := h.dir.Calls(); calls != 2 {
		t.Fatalf("directory calls = %d, want 2", calls)
	}
}

func TestGetOrFetchSafetyMarginTreatsNearExpiryAsStale(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, _ = h.cache.GetOrFetch(ctx, "42")

	// Keep the entry alive in the store through the sliding window.
	for _, step := range []time.Duration{25 * time.Minute, 25 * time.Minute} {
		h.clock.Advance(step)
		_, _ = h.cache.GetOrFetch(ctx, "42")
	}
	if calls := h.dir.Calls(); calls != 1 {
		t.Fatalf("directory calls after touches = %d, want 1", calls)
	}

	// 56 minutes in: the store still holds the entry but it is within the
	// five minute margin of its expiry.
	h.clock.Advance(6 * time.Minute)
	if _, err := h.store.Get(ctx, h.cache.Key("42")); err != nil {
		t.Fatalf("store.Get() error = %v, want entry still present", err)
	}
	if _, err := h.cache.GetOrFetch(ctx, "42"); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if calls := h.dir.Calls(); calls != 2 {
		t.Fatalf("directory calls = %d, want 2", calls)
	}
}

func TestStoredFieldsAreCiphertext(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.cache.GetOrFetch(ctx, "42"); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	raw, err := h.store.Get(ctx, h.cache.Key("42"))
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}
	var stored entry
	if err := json.Unmarshal(raw, &stored); err != nil {
		t.Fatalf("unmarshal entry: %v", err)
	}

	pairs := []struct{ name, stored, plain string }{
		{"first name", stored.Item.FirstName, ada.FirstName},
		{"last name", stored.Item.LastName, ada.LastName},
		{"email", stored.Item.Email, ada.Email},
	}
	for _, p := range pairs {
		if p.stored == "" || p.stored == p.plain {
			t.Fatalf("%s stored as %q, want ciphertext", p.name, p.stored)
		}
	}
	if stored.Item.Phone != "" {
		t.Fatalf("empty phone stored as %q, want empty", stored.Item.Phone)
	}
	if want := h.clock.Now().Add(DefaultTTL); !stored.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", stored.ExpiresAt, want)
	}
}

func TestUnknownUserIsNotCached(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := h.cache.GetOrFetch(ctx, "missing")
		if err != nil {
			t.Fatalf("GetOrFetch() error = %v", err)
		}
		if !got.IsEmpty() {
			t.Fatalf("GetOrFetch() = %+v, want empty bundle", got)
		}
	}
	if calls := h.dir.Calls(); calls != 2 {
		t.Fatalf("directory calls = %d, want 2 (no negative caching)", calls)
	}
	if _, err := h.store.Get(ctx, h.cache.Key("missing")); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("store.Get() error = %v, want ErrNotFound", err)
	}
}

func TestDirectoryFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.dir.err = errors.New("connection refused")

	_, err := h.cache.GetOrFetch(context.Background(), "42")
	if !errors.Is(err, ErrResolutionFailed) {
		t.Fatalf("GetOrFetch() error = %v, want ErrResolutionFailed", err)
	}
	if h.store.Len() != 0 {
		t.Fatalf("expected nothing cached after directory failure")
	}
}

func TestKeyVersionBumpForcesRefetch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, _ = h.cache.GetOrFetch(ctx, "42")

	bumped, err := NewCache(h.store, h.dir, encryption.NewAESGCM(""), Options{
		EncryptionKey: testKey,
		KeyVersion:    "v2",
		Now:           h.clock.Now,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}
	if bumped.Key("42") == h.cache.Key("42") {
		t.Fatalf("version bump must change the cache key")
	}

	if _, err := bumped.GetOrFetch(ctx, "42"); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if calls := h.dir.Calls(); calls != 2 {
		t.Fatalf("directory calls = %d, want 2", calls)
	}
}

func TestDecryptFailureIsTreatedAsMiss(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, _ = h.cache.GetOrFetch(ctx, "42")

	rotated, err := NewCache(h.store, h.dir, encryption.NewAESGCM(""), Options{
		EncryptionKey: "rotated-key",
		KeyVersion:    "v1",
		Now:           h.clock.Now,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}

	got, err := rotated.GetOrFetch(ctx, "42")
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if got != ada {
		t.Fatalf("GetOrFetch() = %+v, want %+v", got, ada)
	}
	if calls := h.dir.Calls(); calls != 2 {
		t.Fatalf("directory calls = %d, want 2", calls)
	}
}

type failingEncrypter struct {
	*encryption.AESGCM
}

func (failingEncrypter) EncryptString(string, string) (string, error) {
	return "", errors.New("hsm unavailable")
}

func TestEncryptFailureIsNotCached(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	c, err := NewCache(h.store, h.dir, failingEncrypter{encryption.NewAESGCM("")}, Options{
		EncryptionKey: testKey,
		Now:           h.clock.Now,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewCache() error = %v", err)
	}

	for i := 1; i <= 2; i++ {
		got, err := c.GetOrFetch(ctx, "42")
		if err != nil {
			t.Fatalf("GetOrFetch() #%d error = %v", i, err)
		}
		if got != ada {
			t.Fatalf("GetOrFetch() #%d = %+v, want %+v", i, got, ada)
		}
		if n := h.store.Len(); n != 0 {
			t.Fatalf("store holds %d entries after an encrypt failure, want 0", n)
		}
		if calls := h.dir.Calls(); calls != i {
			t.Fatalf("directory calls = %d, want %d", calls, i)
		}
	}
}

func TestCorruptEntryIsTreatedAsMiss(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_ = h.store.Set(ctx, h.cache.Key("42"), []byte("{not json"), time.Hour)

	got, err := h.cache.GetOrFetch(ctx, "42")
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if got != ada {
		t.Fatalf("GetOrFetch() = %+v, want %+v", got, ada)
	}
}

func TestInvalidate(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, _ = h.cache.GetOrFetch(ctx, "42")
	if err := h.cache.Invalidate(ctx, "42"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if err := h.cache.Invalidate(ctx, "42"); err != nil {
		t.Fatalf("second Invalidate() error = %v", err)
	}
	_, _ = h.cache.GetOrFetch(ctx, "42")
	if calls := h.dir.Calls(); calls != 2 {
		t.Fatalf("directory calls = %d, want 2", calls)
	}
}

func TestGetOrFetchRejectsEmptyUserID(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.cache.GetOrFetch(context.Background(), ""); !errors.Is(err, ErrInvalidUserID) {
		t.Fatalf("GetOrFetch(\"\") error = %v, want ErrInvalidUserID", err)
	}
}

func TestConcurrentMissesFetchIndependently(t *testing.T) {
	h := newHarness(t, nil)
	const workers = 4
	h.dir.arrived = make(chan struct{}, workers)
	h.dir.release = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.cache.GetOrFetch(context.Background(), "42")
		}()
	}

	// Every worker must reach the directory before any of them returns.
	for i := 0; i < workers; i++ {
		select {
		case <-h.dir.arrived:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d workers reached the directory", i, workers)
		}
	}
	close(h.dir.release)
	wg.Wait()

	if calls := h.dir.Calls(); calls != workers {
		t.Fatalf("directory calls = %d, want %d", calls, workers)
	}
}

func TestCoalesceCollapsesConcurrentMisses(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Coalesce = true })
	const workers = 4
	h.dir.arrived = make(chan struct{}, workers)
	h.dir.release = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]Bundle, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = h.cache.GetOrFetch(context.Background(), "42")
		}(i)
	}

	<-h.dir.arrived
	time.Sleep(100 * time.Millisecond)
	close(h.dir.release)
	wg.Wait()

	if calls := h.dir.Calls(); calls != 1 {
		t.Fatalf("directory calls = %d, want 1", calls)
	}
	for i, got := range results {
		if got != ada {
			t.Fatalf("worker %d got %+v, want %+v", i, got, ada)
		}
	}
}

func TestCoalescedFetchCachesAfterCallerCancels(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Coalesce = true })
	h.dir.arrived = make(chan struct{}, 1)
	h.dir.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.cache.GetOrFetch(ctx, "42")
		done <- err
	}()

	<-h.dir.arrived
	cancel()
	close(h.dir.release)
	if err := <-done; err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	if _, err := h.store.Get(context.Background(), h.cache.Key("42")); err != nil {
		t.Fatalf("store.Get() error = %v, want the entry written despite the cancelled caller", err)
	}
	h.dir.arrived, h.dir.release = nil, nil
	if _, err := h.cache.GetOrFetch(context.Background(), "42"); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if calls := h.dir.Calls(); calls != 1 {
		t.Fatalf("directory calls = %d, want 1", calls)
	}
}
