package provider_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"backend/internal/cache"
	"backend/internal/provider"
	"backend/internal/testkit"
)

type fakeProvider struct {
	name    string
	delay   time.Duration
	work    *provider.Work
	err     error
	calls   int32
	stopped int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Lookup(ctx context.Context, q provider.Query) (*provider.Work, error) {
	atomic.AddInt32(&f.calls, 1)
	select {
	case <-time.After(f.delay):
		return f.work, f.err
	case <-ctx.Done():
		atomic.AddInt32(&f.stopped, 1)
		return nil, ctx.Err()
	}
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	return cache.New(testkit.StartRedis(t))
}

func TestFirstNonEmptyWins(t *testing.T) {
	c := newTestCache(t)
	slow := &fakeProvider{name: "slow", delay: 200 * time.Millisecond, work: &provider.Work{Work: map[string]any{"title": "slow"}}}
	fast := &fakeProvider{name: "fast", delay: 10 * time.Millisecond, work: &provider.Work{Work: map[string]any{"title": "fast"}}}

	out := provider.Fanout(context.Background(), c, []provider.Provider{slow, fast}, provider.Query{Title: "Dune"})
	require.NotNil(t, out.Work)
	require.Equal(t, "fast", out.Work.Work["title"])
}

func TestAllEmptyYieldsNoResult(t *testing.T) {
	c := newTestCache(t)
	a := &fakeProvider{name: "a", work: nil}
	b := &fakeProvider{name: "b", work: nil}

	out := provider.Fanout(context.Background(), c, []provider.Provider{a, b}, provider.Query{Title: "Nope"})
	require.True(t, out.NoResult)
	require.Nil(t, out.Err)
}

func TestAllErrorYieldsMergedError(t *testing.T) {
	c := newTestCache(t)
	a := &fakeProvider{name: "a", err: errors.New("timeout")}
	b := &fakeProvider{name: "b", err: errors.New("unreachable")}

	out := provider.Fanout(context.Background(), c, []provider.Provider{a, b}, provider.Query{Title: "Err"})
	require.Error(t, out.Err)
	require.False(t, out.NoResult)
}

// TestClientErrorNotNegativeCachedAsError asserts a 4xx-type provider error
// resolves to no_results, not the "error" negative cache kind (§7).
func TestClientErrorNotNegativeCachedAsError(t *testing.T) {
	c := newTestCache(t)
	q := provider.Query{Title: "X"}
	a := &fakeProvider{name: "a", err: &provider.ClientError{Status: 404, Err: errors.New("not found")}}

	out := provider.Fanout(context.Background(), c, []provider.Provider{a}, q)
	require.True(t, out.NoResult)
	require.Nil(t, out.Err)
	require.EqualValues(t, 1, atomic.LoadInt32(&a.calls))
}

func TestSecondCallIsCached(t *testing.T) {
	c := newTestCache(t)
	p := &fakeProvider{name: "p", work: &provider.Work{Work: map[string]any{"title": "Once"}}}

	out1 := provider.Fanout(context.Background(), c, []provider.Provider{p}, provider.Query{Title: "Once"})
	require.NotNil(t, out1.Work)
	require.False(t, out1.Cached)

	out2 := provider.Fanout(context.Background(), c, []provider.Provider{p}, provider.Query{Title: "Once"})
	require.NotNil(t, out2.Work)
	require.True(t, out2.Cached)
	require.EqualValues(t, 1, atomic.LoadInt32(&p.calls))
}

func TestLosingProviderIsCanceled(t *testing.T) {
	c := newTestCache(t)
	fast := &fakeProvider{name: "fast", delay: 5 * time.Millisecond, work: &provider.Work{Work: map[string]any{"title": "fast"}}}
	slow := &fakeProvider{name: "slow", delay: 5 * time.Second, work: &provider.Work{Work: map[string]any{"title": "slow"}}}

	out := provider.Fanout(context.Background(), c, []provider.Provider{fast, slow}, provider.Query{Title: "Cancel"})
	require.NotNil(t, out.Work)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&slow.stopped) == 1
	}, time.Second, 10*time.Millisecond)
}
