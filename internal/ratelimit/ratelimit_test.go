package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"backend/internal/ratelimit"
	"backend/internal/testkit"
)

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	client := testkit.StartRedis(t)
	return ratelimit.New(client, nil)
}

// TestFirstTenRequestsAdmitted covers S6: the first MAX_REQUESTS requests in
// a window succeed, the 11th is rejected with a bounded Retry-After.
func TestFirstTenRequestsAdmitted(t *testing.T) {
	lim := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < ratelimit.MaxRequests; i++ {
		res, err := lim.CheckAndIncrement(ctx, "1.2.3.4")
		require.NoError(t, err)
		require.Truef(t, res.Allowed, "request %d should be allowed", i+1)
	}

	res, err := lim.CheckAndIncrement(ctx, "1.2.3.4")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.LessOrEqual(t, res.RetryAfter.Seconds(), ratelimit.Window.Seconds())
	require.Greater(t, res.RetryAfter.Seconds(), 0.0)
}

// TestWindowResetsGrantsTen covers the second half of S6: after the window
// elapses, a fresh window grants MAX_REQUESTS again. Uses a short-window
// policy rather than sleeping out the real 60s window.
func TestWindowResetsGrantsTen(t *testing.T) {
	client := testkit.StartRedis(t)
	lim := ratelimit.NewWithPolicy(client, nil, ratelimit.MaxRequests, 500*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < ratelimit.MaxRequests; i++ {
		_, err := lim.CheckAndIncrement(ctx, "k")
		require.NoError(t, err)
	}
	res, err := lim.CheckAndIncrement(ctx, "k")
	require.NoError(t, err)
	require.False(t, res.Allowed)

	time.Sleep(600 * time.Millisecond)

	for i := 0; i < ratelimit.MaxRequests; i++ {
		res, err := lim.CheckAndIncrement(ctx, "k")
		require.NoError(t, err)
		require.Truef(t, res.Allowed, "request %d of new window should be allowed", i+1)
	}
}

// TestDeniedRequestDoesNotIncrement asserts a rejected request leaves the
// bucket's count unchanged (§7: "Do not increment the bucket on a denied
// request").
func TestDeniedRequestDoesNotIncrement(t *testing.T) {
	lim := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < ratelimit.MaxRequests; i++ {
		_, err := lim.CheckAndIncrement(ctx, "k2")
		require.NoError(t, err)
	}

	before, err := lim.Status(ctx, "k2")
	require.NoError(t, err)

	_, err = lim.CheckAndIncrement(ctx, "k2")
	require.NoError(t, err)

	after, err := lim.Status(ctx, "k2")
	require.NoError(t, err)
	require.Equal(t, before.Remaining, after.Remaining)
}

// TestPerKeyIsolation ensures distinct keys do not share buckets.
func TestPerKeyIsolation(t *testing.T) {
	lim := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < ratelimit.MaxRequests; i++ {
		res, err := lim.CheckAndIncrement(ctx, "a")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := lim.CheckAndIncrement(ctx, "b")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestReset(t *testing.T) {
	lim := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < ratelimit.MaxRequests; i++ {
		_, err := lim.CheckAndIncrement(ctx, "c")
		require.NoError(t, err)
	}
	require.NoError(t, lim.Reset(ctx, "c"))

	res, err := lim.CheckAndIncrement(ctx, "c")
	require.NoError(t, err)
	require.True(t, res.Allowed)
}
