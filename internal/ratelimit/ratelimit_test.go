package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/swimcoach/internal/auth"
	"github.com/ashita-ai/swimcoach/internal/ctxutil"
	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/ratelimit"
	"github.com/ashita-ai/swimcoach/internal/storage"
	"github.com/ashita-ai/swimcoach/internal/testutil"
)

// testRedis is nil when Docker is unavailable or -short is set.
var testRedis *redis.Client

func TestMain(m *testing.M) {
	flag.Parse()
	code := func() int {
		if testing.Short() || os.Getenv("SWIMCOACH_SKIP_CONTAINERS") != "" {
			return m.Run()
		}
		ctx := context.Background()
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "redis tests disabled: %v\n", err)
			return m.Run()
		}
		defer func() { _ = container.Terminate(ctx) }()

		host, err := container.Host(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "redis tests disabled: %v\n", err)
			return m.Run()
		}
		port, err := container.MappedPort(ctx, "6379")
		if err != nil {
			fmt.Fprintf(os.Stderr, "redis tests disabled: %v\n", err)
			return m.Run()
		}
		testRedis, err = ratelimit.DialRedis(ctx, fmt.Sprintf("%s:%s", host, port.Port()), "", 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "redis tests disabled: %v\n", err)
			return m.Run()
		}
		defer func() { _ = testRedis.Close() }()
		return m.Run()
	}()
	os.Exit(code)
}

func newRedisCounter(t *testing.T) *ratelimit.RedisCounter {
	t.Helper()
	if testRedis == nil {
		t.Skip("redis container not available")
	}
	// Unique prefix per test so runs never see each other's counters.
	return ratelimit.NewRedisCounter(testRedis, fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano()))
}

func usageKey(id string, day time.Time) model.UsageKey {
	return model.UsageKey{Identifier: id, Kind: model.IdentifierUser, Resource: model.ResourceVideoAnalysis, Period: day}
}

func TestRedisCounterLimit(t *testing.T) {
	ctx := context.Background()
	c := newRedisCounter(t)
	day := time.Date(2026, 5, 4, 15, 0, 0, 0, time.UTC)
	key := usageKey("swimmer", day)

	for i := 1; i <= 3; i++ {
		n, ok, err := c.IncrementUsage(ctx, key, 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}
	n, ok, err := c.IncrementUsage(ctx, key, 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 3, n)

	// A different hour of the same day shares the counter; the next day does not.
	got, err := c.GetUsage(ctx, usageKey("swimmer", day.Add(-10*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, 3, got)
	got, err = c.GetUsage(ctx, usageKey("swimmer", day.AddDate(0, 0, 1)))
	require.NoError(t, err)
	assert.Equal(t, 0, got)

	require.NoError(t, c.ResetUsage(ctx, key))
	got, err = c.GetUsage(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestRedisCounterConcurrent(t *testing.T) {
	ctx := context.Background()
	c := newRedisCounter(t)
	key := usageKey("racer", time.Now())

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := c.IncrementUsage(ctx, key, 3)
			if err == nil && ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 3, allowed.Load())
}

func TestRedisCounterZeroLimit(t *testing.T) {
	c := newRedisCounter(t)
	n, ok, err := c.IncrementUsage(context.Background(), usageKey("nobody", time.Now()), 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, n)
}

// failingCounter errors on every call.
type failingCounter struct{}

func (failingCounter) IncrementUsage(context.Context, model.UsageKey, int) (int, bool, error) {
	return 0, false, errors.New("counter down")
}
func (failingCounter) GetUsage(context.Context, model.UsageKey) (int, error) {
	return 0, errors.New("counter down")
}
func (failingCounter) ResetUsage(context.Context, model.UsageKey) error {
	return errors.New("counter down")
}

func TestCheckAndIncrement(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now()

	for i := 1; i <= 2; i++ {
		allowed, count, limit, err := ratelimit.CheckAndIncrement(ctx, store, "1.2.3.4", model.IdentifierIP, model.ResourceVideoAnalysis, 2, now)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, i, count)
		assert.Equal(t, 2, limit)
	}
	allowed, count, _, err := ratelimit.CheckAndIncrement(ctx, store, "1.2.3.4", model.IdentifierIP, model.ResourceVideoAnalysis, 2, now)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 2, count)
}

func TestUsagePolicyCharge(t *testing.T) {
	ctx := context.Background()
	policy := ratelimit.NewUsagePolicy(storage.NewMemoryStore(), 0, nil, testutil.TestLogger())
	assert.Equal(t, ratelimit.DefaultDailyLimit, policy.Limit())

	caller := ctxutil.Identity{UserID: "swimmer-1", ClientIP: "10.0.0.1"}
	for i := 1; i <= 3; i++ {
		status, ok := policy.Charge(ctx, caller, "")
		require.True(t, ok, "charge %d", i)
		assert.Equal(t, i, status.Count)
		assert.Equal(t, 3-i, status.Remaining)
		assert.Equal(t, "swimmer-1", status.Identifier)
	}
	status, ok := policy.Charge(ctx, caller, "")
	assert.False(t, ok)
	assert.Equal(t, 0, status.Remaining)
	assert.True(t, status.ResetsAt.After(time.Now()))

	// The same IP without a user ID has its own allowance.
	_, ok = policy.Charge(ctx, ctxutil.Identity{ClientIP: "10.0.0.1"}, "")
	assert.True(t, ok)

	current, err := policy.Current(ctx, "swimmer-1", model.IdentifierUser)
	require.NoError(t, err)
	assert.Equal(t, 3, current.Count)

	require.NoError(t, policy.Reset(ctx, "swimmer-1", model.IdentifierUser))
	_, ok = policy.Charge(ctx, caller, "")
	assert.True(t, ok)
}

func TestUsagePolicyBypass(t *testing.T) {
	ctx := context.Background()
	keys, err := auth.NewKeySet([]string{"coach-override"})
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	policy := ratelimit.NewUsagePolicy(store, 1, keys, testutil.TestLogger())
	caller := ctxutil.Identity{UserID: "vip"}

	for i := 0; i < 3; i++ {
		status, ok := policy.Charge(ctx, caller, "coach-override")
		require.True(t, ok)
		assert.True(t, status.Bypassed)
	}
	// Bypassed analyses are not counted.
	current, err := policy.Current(ctx, "vip", model.IdentifierUser)
	require.NoError(t, err)
	assert.Equal(t, 0, current.Count)

	status, ok := policy.Charge(ctx, ctxutil.Identity{UserID: "vip2", Bypass: true}, "")
	assert.True(t, ok)
	assert.True(t, status.Bypassed)

	_, ok = policy.Charge(ctx, caller, "wrong-key")
	assert.True(t, ok)
	_, ok = policy.Charge(ctx, caller, "wrong-key")
	assert.False(t, ok)
}

func TestUsagePolicyFailsOpen(t *testing.T) {
	policy := ratelimit.NewUsagePolicy(failingCounter{}, 1, nil, testutil.TestLogger())
	for i := 0; i < 3; i++ {
		_, ok := policy.Charge(context.Background(), ctxutil.Identity{ClientIP: "1.1.1.1"}, "")
		assert.True(t, ok)
	}
	_, err := policy.Current(context.Background(), "1.1.1.1", model.IdentifierIP)
	assert.Error(t, err)
}

func TestSubject(t *testing.T) {
	id, kind := ratelimit.Subject(ctxutil.Identity{UserID: "u", ClientIP: "1.2.3.4"})
	assert.Equal(t, "u", id)
	assert.Equal(t, model.IdentifierUser, kind)

	id, kind = ratelimit.Subject(ctxutil.Identity{ClientIP: "1.2.3.4"})
	assert.Equal(t, "1.2.3.4", id)
	assert.Equal(t, model.IdentifierIP, kind)

	id, _ = ratelimit.Subject(ctxutil.Identity{})
	assert.Equal(t, "unknown", id)
}

func TestLimitMessage(t *testing.T) {
	assert.Equal(t, "Daily limit of 3 analyses reached. Try again tomorrow!", ratelimit.LimitMessage(3))
}

type errLimiter struct{}

func (errLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("boom") }
func (errLimiter) Close() error                                { return nil }

func TestMiddleware(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0, 1)
	defer func() { _ = limiter.Close() }()

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := ratelimit.Middleware(limiter, ratelimit.IdentityKeyFunc, testutil.TestLogger())(ok)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.RemoteAddr = "192.0.2.7:5123"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var body model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)

	// A different user behind the same IP has its own bucket.
	userReq := req.WithContext(ctxutil.WithIdentity(req.Context(), ctxutil.Identity{UserID: "u1"}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, userReq)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareFailsOpenAndSkips(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	h := ratelimit.Middleware(errLimiter{}, ratelimit.IdentityKeyFunc, testutil.TestLogger())(ok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	h = ratelimit.Middleware(errLimiter{}, func(*http.Request) string { return "" }, testutil.TestLogger())(ok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	h = ratelimit.Middleware(ratelimit.NoopLimiter{}, ratelimit.IdentityKeyFunc, testutil.TestLogger())(ok)
	for i := 0; i < 5; i++ {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}
