package secretstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var errBackendDown = errors.New("connection refused")

func newTestClient(t *testing.T, opts Options) (*Client, *MemoryBackend, *fakeClock) {
	t.Helper()
	backend := NewMemoryBackend()
	backend.Put("secret/jwt/test", map[string]any{"secret": "key-one", "expires_in": "1h"})
	if opts.MaxAge == 0 {
		opts.MaxAge = time.Minute
	}
	if opts.ForceRefreshInterval == 0 {
		opts.ForceRefreshInterval = 10 * time.Second
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	c := NewClient(backend, opts)
	clock := newFakeClock()
	c.now = clock.Now
	return c, backend, clock
}

func TestClient_FetchCachesPerEnvironment(t *testing.T) {
	c, backend, _ := newTestClient(t, Options{})
	ctx := context.Background()

	b1, err := c.Fetch(ctx, "test")
	require.NoError(t, err)
	b2, err := c.Fetch(ctx, "test")
	require.NoError(t, err)

	assert.Same(t, b1, b2)
	assert.Equal(t, int64(1), backend.Reads())
	assert.Equal(t, []byte("key-one"), b1.Secret)
	assert.Equal(t, time.Hour, b1.TTL)
	assert.Equal(t, "test", b1.Environment)
	assert.False(t, b1.Fallback)

	backend.Put("secret/jwt/other", map[string]any{"secret": "key-other"})
	other, err := c.Fetch(ctx, "other")
	require.NoError(t, err)
	assert.NotEqual(t, b1.ID, other.ID)
	assert.Equal(t, DefaultTTL, other.TTL)
	assert.Equal(t, int64(2), backend.Reads())
}

func TestClient_LazyRefetchAfterMaxAge(t *testing.T) {
	c, backend, clock := newTestClient(t, Options{MaxAge: time.Minute})
	ctx := context.Background()

	first, err := c.Fetch(ctx, "test")
	require.NoError(t, err)

	clock.Advance(59 * time.Second)
	_, err = c.Fetch(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), backend.Reads())

	backend.Put("secret/jwt/test", map[string]any{"secret": "key-two"})
	clock.Advance(2 * time.Second)
	second, err := c.Fetch(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(2), backend.Reads())
	assert.NotEqual(t, first.ID, second.ID)
	assert.Same(t, first, c.Previous("test"), "rotated-out bundle is retained as previous")
}

func TestClient_RefetchOfSameKeyKeepsPrevious(t *testing.T) {
	c, backend, clock := newTestClient(t, Options{})
	ctx := context.Background()

	first, err := c.Fetch(ctx, "test")
	require.NoError(t, err)
	backend.Put("secret/jwt/test", map[string]any{"secret": "key-two"})
	clock.Advance(time.Minute)
	second, err := c.Fetch(ctx, "test")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	third, err := c.Fetch(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, second.ID, third.ID)
	assert.NotSame(t, second, third)
	assert.Same(t, first, c.Previous("test"))
}

func TestClient_ServesStaleBundleWhenBackendDown(t *testing.T) {
	c, backend, clock := newTestClient(t, Options{})
	ctx := context.Background()

	cached, err := c.Fetch(ctx, "test")
	require.NoError(t, err)

	backend.SetError(errBackendDown)
	clock.Advance(2 * time.Minute)
	got, err := c.Fetch(ctx, "test")
	require.NoError(t, err)
	assert.Same(t, cached, got)
	assert.Equal(t, int64(2), backend.Reads())

	// Within the retry backoff the stale bundle is served without another call.
	clock.Advance(5 * time.Second)
	_, err = c.Fetch(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(2), backend.Reads())

	clock.Advance(6 * time.Second)
	_, err = c.Fetch(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(3), backend.Reads())
}

func TestClient_DevFallbackWithoutCache(t *testing.T) {
	c, backend, clock := newTestClient(t, Options{DevFallback: true})
	backend.SetError(errBackendDown)

	b, err := c.Fetch(context.Background(), "test")
	require.NoError(t, err)
	assert.True(t, b.Fallback)
	assert.Equal(t, []byte(DevFallbackSecret), b.Secret)
	assert.Equal(t, DefaultTTL, b.TTL)

	// Once the backend recovers the fallback is replaced and not kept for verification.
	backend.SetError(nil)
	clock.Advance(2 * time.Minute)
	real, err := c.Fetch(context.Background(), "test")
	require.NoError(t, err)
	assert.False(t, real.Fallback)
	assert.Nil(t, c.Previous("test"))
}

func TestClient_DevFallbackRetriesBackendBeforeMaxAge(t *testing.T) {
	c, backend, clock := newTestClient(t, Options{DevFallback: true, MaxAge: time.Hour})
	ctx := context.Background()
	backend.SetError(errBackendDown)

	b, err := c.Fetch(ctx, "test")
	require.NoError(t, err)
	require.True(t, b.Fallback)

	backend.SetError(nil)
	clock.Advance(5 * time.Second)
	b, err = c.Fetch(ctx, "test")
	require.NoError(t, err)
	assert.True(t, b.Fallback, "within the retry backoff")
	assert.Equal(t, int64(1), backend.Reads())

	clock.Advance(6 * time.Second)
	b, err = c.Fetch(ctx, "test")
	require.NoError(t, err)
	assert.False(t, b.Fallback, "the backend is retried well before MaxAge")
	assert.Equal(t, []byte("key-one"), b.Secret)
	assert.Equal(t, int64(2), backend.Reads())
}

func TestClient_UnavailableWithoutCacheOrFallback(t *testing.T) {
	c, backend, _ := newTestClient(t, Options{DevFallback: false})
	backend.SetError(errBackendDown)

	b, err := c.Fetch(context.Background(), "test")
	assert.Nil(t, b)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClient_InvalidBundleIsABackendFailure(t *testing.T) {
	c, backend, _ := newTestClient(t, Options{})
	backend.Put("secret/jwt/test", map[string]any{"expires_in": "1h"})

	_, err := c.Fetch(context.Background(), "test")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClient_RefreshPicksUpRotation(t *testing.T) {
	c, backend, _ := newTestClient(t, Options{})
	ctx := context.Background()

	old, err := c.Fetch(ctx, "test")
	require.NoError(t, err)

	backend.Put("secret/jwt/test", map[string]any{"secret": "key-two"})
	fresh, err := c.Refresh(ctx, "test", "")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Same(t, old, c.Previous("test"))

	cur, err := c.Fetch(ctx, "test")
	require.NoError(t, err)
	assert.Same(t, fresh, cur)
}

func TestClient_RefreshIsRateLimited(t *testing.T) {
	c, backend, clock := newTestClient(t, Options{ForceRefreshInterval: 10 * time.Second})
	ctx := context.Background()

	_, err := c.Fetch(ctx, "test")
	require.NoError(t, err)
	_, err = c.Refresh(ctx, "test", "")
	require.NoError(t, err)
	_, err = c.Refresh(ctx, "test", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), backend.Reads())

	clock.Advance(11 * time.Second)
	_, err = c.Refresh(ctx, "test", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), backend.Reads())
}

func TestClient_RefreshForUnseenKeyBypassesCooldown(t *testing.T) {
	c, backend, _ := newTestClient(t, Options{ForceRefreshInterval: 10 * time.Second})
	ctx := context.Background()

	old, err := c.Fetch(ctx, "test")
	require.NoError(t, err)

	// A forged token with an unknown kid spends the cooldown.
	_, err = c.Refresh(ctx, "test", "0123456789abcdef")
	require.NoError(t, err)
	assert.Equal(t, int64(2), backend.Reads())

	// The key is then rotated and a genuine token under it arrives.
	backend.Put("secret/jwt/test", map[string]any{"secret": "key-two"})
	rotated := NewSymmetricBundle("test", []byte("key-two"), 0, time.Time{})
	fresh, err := c.Refresh(ctx, "test", rotated.ID)
	require.NoError(t, err)
	assert.Equal(t, rotated.ID, fresh.ID)
	assert.Equal(t, int64(3), backend.Reads())
	assert.Same(t, old, c.Previous("test"))

	// Known, repeated and malformed kids stay behind the cooldown.
	for _, kid := range []string{rotated.ID, old.ID, "", "not-a-key-id", "0123456789ABCDEF"} {
		_, err = c.Refresh(ctx, "test", kid)
		require.NoError(t, err)
	}
	_, err = c.Refresh(ctx, "test", rotated.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), backend.Reads())
}

func TestClient_UnseenKeyRefreshesAreBudgeted(t *testing.T) {
	c, backend, clock := newTestClient(t, Options{ForceRefreshInterval: 10 * time.Second})
	ctx := context.Background()

	_, err := c.Fetch(ctx, "test")
	require.NoError(t, err)
	_, err = c.Refresh(ctx, "test", "")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err = c.Refresh(ctx, "test", fmt.Sprintf("%016x", i))
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2+unseenKeyBurst), backend.Reads())

	clock.Advance(11 * time.Second)
	_, err = c.Refresh(ctx, "test", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3+unseenKeyBurst), backend.Reads())
}

func TestClient_ConcurrentFetchesCoalesce(t *testing.T) {
	c, backend, _ := newTestClient(t, Options{})
	release := backend.Block()

	const n = 16
	var wg sync.WaitGroup
	results := make([]*Bundle, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Fetch(context.Background(), "test")
		}(i)
	}

	require.Eventually(t, func() bool { return backend.Reads() >= 1 }, time.Second, time.Millisecond)
	// Give the remaining goroutines time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, int64(1), backend.Reads())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestClient_HungBackendTimesOut(t *testing.T) {
	c, backend, _ := newTestClient(t, Options{Timeout: 20 * time.Millisecond})
	release := backend.Block()
	defer release()

	start := time.Now()
	_, err := c.Fetch(context.Background(), "test")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_CallerCancellationDoesNotAbortSharedFetch(t *testing.T) {
	c, _, _ := newTestClient(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b, err := c.Fetch(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-one"), b.Secret)
}

func TestClient_Health(t *testing.T) {
	c, backend, _ := newTestClient(t, Options{})
	h := c.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.True(t, h.Initialized)

	backend.SetError(errBackendDown)
	h = c.Health(context.Background())
	assert.Equal(t, "unhealthy", h.Status)
	assert.True(t, h.Sealed)
	assert.Contains(t, h.Error, "connection refused")
}

func TestClient_Path(t *testing.T) {
	c := NewClient(NewMemoryBackend(), Options{PathPrefix: "kv/jwt/"})
	assert.Equal(t, "kv/jwt/production", c.Path("production"))
}
