package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time          { return c.t }
func (c *stepClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestMemoryStore_BurstThenRefill(t *testing.T) {
	clock := &stepClock{t: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore()
	defer s.Close()
	s.now = clock.now

	policy := Policy{RPM: 60, Burst: 2}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := s.Allow(ctx, "10.0.0.1", policy)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, _ := s.Allow(ctx, "10.0.0.1", policy)
	assert.False(t, ok)

	ok, _ = s.Allow(ctx, "10.0.0.2", policy)
	assert.True(t, ok, "clients have separate buckets")

	clock.advance(1100 * time.Millisecond)
	ok, _ = s.Allow(ctx, "10.0.0.1", policy)
	assert.True(t, ok)
}

func TestMemoryStore_Disabled(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	for i := 0; i < 100; i++ {
		ok, err := s.Allow(context.Background(), "c", Policy{RPM: 0, Burst: 1})
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Zero(t, s.Len())
}

func TestMemoryStore_Sweep(t *testing.T) {
	clock := &stepClock{t: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore()
	defer s.Close()
	s.now = clock.now

	_, _ = s.Allow(context.Background(), "a", Policy{RPM: 60, Burst: 1})
	clock.advance(2 * time.Minute)
	_, _ = s.Allow(context.Background(), "b", Policy{RPM: 60, Burst: 1})
	clock.advance(2 * time.Minute)

	s.Sweep()
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_CloseIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}

func newRedisStore(t *testing.T) (*RedisStore, *stepClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &stepClock{t: time.Unix(1_700_000_000, 0)}
	s := NewRedisStore(client)
	s.now = clock.now
	return s, clock
}

func TestRedisStore_BurstThenRefill(t *testing.T) {
	s, clock := newRedisStore(t)
	ctx := context.Background()
	policy := Policy{RPM: 60, Burst: 1}

	ok, err := s.Allow(ctx, "actor", policy)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Allow(ctx, "actor", policy)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.advance(1100 * time.Millisecond)
	ok, err = s.Allow(ctx, "actor", policy)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_ConnectionError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	_, err := NewRedisStore(client).Allow(context.Background(), "actor", Policy{RPM: 60, Burst: 1})
	assert.Error(t, err)
}

func TestDialRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := DialRedis(context.Background(), mr.Addr(), "", 0)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

type errStore struct{}

func (errStore) Allow(context.Context, string, Policy) (bool, error) {
	return false, assert.AnError
}

func TestMiddleware(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	h := Middleware(s, Policy{RPM: 60, Burst: 1}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(method, remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/api/ao", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do(http.MethodPost, "10.0.0.1:5000").Code)
	rec := do(http.MethodPost, "10.0.0.1:5001")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"ok":false,"error":"Rate limit exceeded"}`, rec.Body.String())

	assert.Equal(t, http.StatusOK, do(http.MethodOptions, "10.0.0.1:5002").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "10.0.0.2:5000").Code)
}

func TestMiddleware_FailsOpen(t *testing.T) {
	h := Middleware(errStore{}, Policy{RPM: 60, Burst: 1}, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ao", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", ClientID(req))

	req.RemoteAddr = "192.0.2.7"
	assert.Equal(t, "192.0.2.7", ClientID(req))
}

func TestPolicyRetryAfter(t *testing.T) {
	assert.Equal(t, 1, Policy{RPM: 120}.RetryAfter())
	assert.Equal(t, 6, Policy{RPM: 10}.RetryAfter())
	assert.Equal(t, 1, Policy{}.RetryAfter())
}
