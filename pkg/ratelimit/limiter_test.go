package ratelimit_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/agentgate/pkg/cache"
	"github.com/pario-ai/agentgate/pkg/config"
	"github.com/pario-ai/agentgate/pkg/models"
	"github.com/pario-ai/agentgate/pkg/ratelimit"
	"github.com/pario-ai/agentgate/pkg/ratelimit/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, []string, int, time.Time) (bool, error) {
	return false, errors.New("disk I/O error")
}

func (failingStore) SweepWindows(context.Context, time.Time) (int64, error) { return 0, nil }

func (failingStore) Windows(context.Context, string, time.Time) ([]models.RateLimitWindow, error) {
	return nil, nil
}

func (failingStore) Close() error { return nil }

func newTestLimiter(t *testing.T, cfg *config.Config) (*ratelimit.Limiter, *fakeClock) {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "limiter_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	return ratelimit.New(store, config.Static(cfg), ratelimit.WithClock(clock.Now)), clock
}

func TestAllowEnforcesLimitAndRollsOver(t *testing.T) {
	l, clock := newTestLimiter(t, config.Default())
	ctx := context.Background()
	caller := models.Caller{UserID: "u1", Addr: "10.0.0.1"}

	for i := range 5 {
		ok, err := l.Allow(ctx, "image-gen", caller)
		require.NoError(t, err)
		assert.True(t, ok, "call %d", i+1)
		clock.Advance(time.Second)
	}

	ok, err := l.Allow(ctx, "image-gen", caller)
	require.NoError(t, err)
	assert.False(t, ok, "6th call within the window should be rejected")
	assert.ErrorIs(t, l.Check(ctx, "image-gen", caller), ratelimit.ErrRateLimited)

	clock.Advance(time.Minute)
	ok, err = l.Allow(ctx, "image-gen", caller)
	require.NoError(t, err)
	assert.True(t, ok, "new window should admit the caller")
}

func TestAllowPrivilegedBypass(t *testing.T) {
	l, _ := newTestLimiter(t, config.Default())
	ctx := context.Background()
	admin := models.Caller{UserID: "root", Addr: "10.0.0.9", Privileged: true}

	for range 20 {
		ok, err := l.Allow(ctx, "image-gen", admin)
		require.NoError(t, err)
		require.True(t, ok)
	}

	wins, err := l.Windows(ctx, "image-gen")
	require.NoError(t, err)
	assert.Empty(t, wins, "privileged calls are not recorded")
}

func TestAllowMatchAnySharesAddressQuota(t *testing.T) {
	l, _ := newTestLimiter(t, config.Default())
	ctx := context.Background()

	for range 5 {
		ok, err := l.Allow(ctx, "image-gen", models.Caller{UserID: "alice", Addr: "10.0.0.1"})
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := l.Allow(ctx, "image-gen", models.Caller{UserID: "bob", Addr: "10.0.0.1"})
	require.NoError(t, err)
	assert.False(t, ok, "address quota is exhausted")

	ok, err = l.Allow(ctx, "image-gen", models.Caller{UserID: "alice", Addr: "10.0.0.2"})
	require.NoError(t, err)
	assert.False(t, ok, "user quota is exhausted")

	ok, err = l.Allow(ctx, "image-gen", models.Caller{UserID: "bob", Addr: "10.0.0.2"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowMatchCombined(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimit.Match = config.MatchCombined
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	for range 5 {
		ok, err := l.Allow(ctx, "image-gen", models.Caller{UserID: "alice", Addr: "10.0.0.1"})
		require.NoError(t, err)
		require.True(t, ok)
	}

	ok, err := l.Allow(ctx, "image-gen", models.Caller{UserID: "bob", Addr: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, ok, "combined keys do not share an address")
}

func TestAllowUnlimitedAgent(t *testing.T) {
	cfg := config.Default()
	cfg.Agents = []config.AgentConfig{{Name: "free", RequestsPerMinute: 0}}
	cfg.RateLimit.DefaultRPM = 0
	l, _ := newTestLimiter(t, cfg)
	ctx := context.Background()

	for range 50 {
		ok, err := l.Allow(ctx, "free", models.Caller{Addr: "10.0.0.1"})
		require.NoError(t, err)
		require.True(t, ok)
	}
	wins, err := l.Windows(ctx, "free")
	require.NoError(t, err)
	assert.Empty(t, wins)
}

func TestAllowStoreFailure(t *testing.T) {
	ctx := context.Background()
	caller := models.Caller{UserID: "u1"}

	closed := ratelimit.New(failingStore{}, config.Static(config.Default()))
	ok, err := closed.Allow(ctx, "strategy", caller)
	assert.False(t, ok)
	assert.ErrorIs(t, err, cache.ErrStoreUnavailable)
	assert.ErrorIs(t, closed.Check(ctx, "strategy", caller), cache.ErrStoreUnavailable)

	cfg := config.Default()
	cfg.RateLimit.FailOpen = true
	open := ratelimit.New(failingStore{}, config.Static(cfg))
	ok, err = open.Allow(ctx, "strategy", caller)
	assert.True(t, ok)
	assert.ErrorIs(t, err, cache.ErrStoreUnavailable)
	assert.NoError(t, open.Check(ctx, "strategy", caller))
}

func TestSweepRemovesOldWindows(t *testing.T) {
	l, clock := newTestLimiter(t, config.Default())
	ctx := context.Background()

	ok, err := l.Allow(ctx, "strategy", models.Caller{UserID: "u1"})
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(30 * time.Minute)
	n, err := l.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "window is inside retention")

	clock.Advance(2 * time.Hour)
	n, err = l.Sweep(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCallerKeys(t *testing.T) {
	tests := []struct {
		name   string
		caller models.Caller
		mode   string
		want   []string
	}{
		{"anonymous", models.Caller{}, config.MatchAny, []string{ratelimit.AnonymousKey}},
		{"user only", models.Caller{UserID: "u"}, config.MatchAny, []string{"user:u"}},
		{"addr only", models.Caller{Addr: "1.1.1.1"}, config.MatchCombined, []string{"addr:1.1.1.1"}},
		{"any", models.Caller{UserID: "u", Addr: "1.1.1.1"}, config.MatchAny, []string{"user:u", "addr:1.1.1.1"}},
		{"combined", models.Caller{UserID: "u", Addr: "1.1.1.1"}, config.MatchCombined, []string{"user:u|addr:1.1.1.1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ratelimit.CallerKeys(tt.caller, tt.mode))
		})
	}
}
