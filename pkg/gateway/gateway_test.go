package gateway

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/agentgate/pkg/cache"
	cachesqlite "github.com/pario-ai/agentgate/pkg/cache/sqlite"
	"github.com/pario-ai/agentgate/pkg/config"
	"github.com/pario-ai/agentgate/pkg/fingerprint"
	"github.com/pario-ai/agentgate/pkg/metrics"
	"github.com/pario-ai/agentgate/pkg/models"
	"github.com/pario-ai/agentgate/pkg/policy"
	"github.com/pario-ai/agentgate/pkg/ratelimit"
	limitsqlite "github.com/pario-ai/agentgate/pkg/ratelimit/sqlite"
)

type testEnv struct {
	gw    *Gateway
	store cache.Store
	reg   *prometheus.Registry
}

func newTestEnv(t *testing.T, store cache.Store) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "gateway_test.db")
	if store == nil {
		c, err := cachesqlite.New(dbPath)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		store = c
	}
	windows, err := limitsqlite.New(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = windows.Close() })

	settings := config.Static(config.Default())
	reg := prometheus.NewRegistry()
	gw := New(store,
		ratelimit.New(windows, settings),
		policy.New(settings),
		WithMetrics(metrics.New(reg)),
	)
	return &testEnv{gw: gw, store: store, reg: reg}
}

// countingAgent returns a fixed response and counts its invocations.
type countingAgent struct {
	calls    int
	response string
	err      error
}

func (a *countingAgent) call(context.Context, models.Request) ([]byte, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return []byte(a.response), nil
}

// brokenStore fails every operation.
type brokenStore struct{ puts int }

var errBroken = cache.StoreError(errors.New("database is locked"), "test")

func (b *brokenStore) Get(context.Context, string, string) (models.CacheEntry, bool, error) {
	return models.CacheEntry{}, false, errBroken
}

func (b *brokenStore) Put(context.Context, models.PutRequest) error {
	b.puts++
	return errBroken
}

func (b *brokenStore) SweepExpired(context.Context) (int64, error) { return 0, errBroken }

func (b *brokenStore) FlushAgent(context.Context, string) (int64, error) { return 0, errBroken }

func (b *brokenStore) Stats(context.Context, int) (models.CacheStats, error) {
	return models.CacheStats{}, errBroken
}

func (b *brokenStore) Close() error { return nil }

var user = models.Caller{UserID: "u1", Addr: "10.0.0.1"}

func TestImageGenScenarioServedFromCache(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := &countingAgent{response: `{"url":"fox.png"}`}
	ctx := context.Background()

	first, err := env.gw.Call(ctx, "image-gen", user, models.Request{
		"type": "image_generation", "prompt": "a red fox", "style": "watercolor", "timestamp": 1700000000,
	}, agent.call)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Len(t, first.Fingerprint, fingerprint.Size)

	second, err := env.gw.Call(ctx, "image-gen", user, models.Request{
		"type": "image_generation", "prompt": "a red fox", "style": "watercolor", "timestamp": 1700000500, "seed": 77,
	}, agent.call)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int64(1), second.HitCount)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, `{"url":"fox.png"}`, string(second.Response))
	assert.Equal(t, 1, agent.calls, "second call must not reach the agent")

	n, err := testutil.GatherAndCount(env.reg, "agentgate_cache_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestForceRefreshNeverPersists(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := &countingAgent{response: `"fresh"`}
	ctx := context.Background()
	req := models.Request{"type": "analysis", "market": "EU", "force_refresh": true}

	for range 2 {
		res, err := env.gw.Call(ctx, "market-analysis", user, req, agent.call)
		require.NoError(t, err)
		assert.False(t, res.Cached)
		assert.Empty(t, res.Fingerprint)
	}
	assert.Equal(t, 2, agent.calls)

	stats, err := env.store.Stats(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
}

func TestRateLimitRejectsBeforeAgent(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := &countingAgent{response: `"ok"`}
	ctx := context.Background()

	for i := range 5 {
		_, err := env.gw.Call(ctx, "image-gen", user, models.Request{"prompt": string(rune('a' + i))}, agent.call)
		require.NoError(t, err)
	}
	_, err := env.gw.Call(ctx, "image-gen", user, models.Request{"prompt": "z"}, agent.call)
	assert.ErrorIs(t, err, ratelimit.ErrRateLimited)
	assert.Equal(t, 5, agent.calls)

	admin := models.Caller{UserID: "root", Addr: "10.0.0.1", Privileged: true}
	_, err = env.gw.Call(ctx, "image-gen", admin, models.Request{"prompt": "z"}, agent.call)
	assert.NoError(t, err)
}

func TestStoreFailureFailsOpen(t *testing.T) {
	store := &brokenStore{}
	env := newTestEnv(t, store)
	agent := &countingAgent{response: `"advice"`}

	res, err := env.gw.Call(context.Background(), "strategy", user,
		models.Request{"question": "how to price a saas product"}, agent.call)
	require.NoError(t, err)
	assert.Equal(t, `"advice"`, string(res.Response))
	assert.False(t, res.Cached)
	assert.Equal(t, 1, agent.calls)
	assert.Equal(t, 1, store.puts)

	n, err := testutil.GatherAndCount(env.reg, "agentgate_cache_store_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "get and put failures are counted separately")
}

func TestEmptyResponseIsCached(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := &countingAgent{response: ""}
	ctx := context.Background()
	req := models.Request{"type": "image_generation", "prompt": "blank canvas", "style": "none"}

	first, err := env.gw.Call(ctx, "image-gen", user, req, agent.call)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := env.gw.Call(ctx, "image-gen", user, req, agent.call)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Empty(t, second.Response)
	assert.Equal(t, 1, agent.calls)

	n, err := testutil.GatherAndCount(env.reg, "agentgate_cache_store_errors_total")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpstreamErrorIsReturnedAndNotCached(t *testing.T) {
	env := newTestEnv(t, nil)
	upstreamErr := errors.New("agent exploded")
	agent := &countingAgent{err: upstreamErr}
	ctx := context.Background()
	req := models.Request{"question": "pricing"}

	_, err := env.gw.Call(ctx, "strategy", user, req, agent.call)
	assert.Same(t, upstreamErr, err)

	stats, err := env.store.Stats(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
}

func TestCancelledCallWritesNothing(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := env.gw.Call(ctx, "strategy", user, models.Request{"question": "pricing"},
		func(context.Context, models.Request) ([]byte, error) {
			cancel()
			return []byte(`"late"`), nil
		})
	assert.ErrorIs(t, err, context.Canceled)

	stats, err := env.store.Stats(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEntries)
}

func TestUnserializableRequestSkipsCache(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := &countingAgent{response: `"ok"`}
	req := models.Request{"question": "pricing", "stream": make(chan int)}

	for range 2 {
		res, err := env.gw.Call(context.Background(), "strategy", user, req, agent.call)
		require.NoError(t, err)
		assert.False(t, res.Cached)
	}
	assert.Equal(t, 2, agent.calls)
}

func TestWrapUsesContextCaller(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := &countingAgent{response: `"ok"`}
	wrapped := env.gw.Wrap("image-gen", agent.call)

	ctx := WithCaller(context.Background(), models.Caller{UserID: "root", Privileged: true})
	for i := range 8 {
		_, err := wrapped(ctx, models.Request{"prompt": string(rune('a' + i))})
		require.NoError(t, err)
	}
	assert.Equal(t, 8, agent.calls)

	wins, err := env.gw.Windows(ctx, "image-gen")
	require.NoError(t, err)
	assert.Empty(t, wins)
}

func TestCallerFromEmptyContext(t *testing.T) {
	assert.Equal(t, models.Caller{}, CallerFrom(context.Background()))
}

func TestFlushAgentAndStats(t *testing.T) {
	env := newTestEnv(t, nil)
	agent := &countingAgent{response: `"ok"`}
	ctx := context.Background()

	_, err := env.gw.Call(ctx, "concierge", user, models.Request{"query": "gas price"}, agent.call)
	require.NoError(t, err)

	stats, err := env.gw.Stats(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEntries)

	n, err := env.gw.FlushAgent(ctx, "concierge")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

}
