// Package ratelimit enforces per-agent request ceilings for each caller.
//
// Usage is counted in one-minute windows persisted by a WindowStore. A window
// opens on a caller's first call, counts calls until it ends, and is then left
// for the sweeper while the next call opens a fresh one.
package ratelimit

import (
	"context"
	"strings"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"go.uber.org/zap"

	"github.com/pario-ai/agentgate/pkg/cache"
	"github.com/pario-ai/agentgate/pkg/config"
	"github.com/pario-ai/agentgate/pkg/models"
)

// ErrRateLimited is returned when a caller has used its quota for an agent.
var ErrRateLimited = perrors.New(perrors.CodeRateLimit, "rate limit exceeded")

// AnonymousKey is the window key for callers with no identity at all.
const AnonymousKey = "anonymous"

// WindowStore persists rate-limit windows.
type WindowStore interface {
	// Hit admits one call for agent if no key's current window has reached
	// limit, incrementing every key's current window (opening one at now when
	// none is active). Check and increment happen atomically.
	Hit(ctx context.Context, agent string, keys []string, limit int, now time.Time) (bool, error)
	// SweepWindows deletes windows that ended before the given time.
	SweepWindows(ctx context.Context, before time.Time) (int64, error)
	// Windows lists the windows active at now, for all agents when agent is empty.
	Windows(ctx context.Context, agent string, now time.Time) ([]models.RateLimitWindow, error)
	// Close releases the store's resources.
	Close() error
}

// Settings is the live configuration the limiter reads per call.
// config.Provider implements it.
type Settings interface {
	RequestsPerMinute(agent string) int
	MatchMode() string
	FailOpen() bool
}

// Limiter decides whether a caller may call an agent right now.
type Limiter struct {
	store    WindowStore
	settings Settings
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for store faults.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New creates a Limiter over store.
func New(store WindowStore, settings Settings, opts ...Option) *Limiter {
	l := &Limiter{store: store, settings: settings, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow reports whether caller may call agent, recording the call when it may.
// Privileged callers are always allowed and never recorded. A non-positive
// limit disables limiting for the agent.
//
// When the store fails, Allow returns the configured fail-open verdict
// together with an error wrapping cache.ErrStoreUnavailable.
func (l *Limiter) Allow(ctx context.Context, agent string, caller models.Caller) (bool, error) {
	if caller.Privileged {
		return true, nil
	}
	limit := l.settings.RequestsPerMinute(agent)
	if limit <= 0 {
		return true, nil
	}

	keys := CallerKeys(caller, l.settings.MatchMode())
	ok, err := l.store.Hit(ctx, agent, keys, limit, l.now().UTC())
	if err != nil {
		failOpen := l.settings.FailOpen()
		l.logger.Warn("rate limit store failed",
			zap.String("agent", agent),
			zap.Strings("keys", keys),
			zap.Bool("fail_open", failOpen),
			zap.Error(err))
		return failOpen, cache.StoreError(err, "rate limit hit")
	}
	return ok, nil
}

// Check is Allow expressed as an error: nil when allowed, ErrRateLimited
// when the quota is used up, or a store error when failing closed.
func (l *Limiter) Check(ctx context.Context, agent string, caller models.Caller) error {
	ok, err := l.Allow(ctx, agent, caller)
	if ok {
		return nil
	}
	if err != nil {
		return err
	}
	return ErrRateLimited
}

// Windows lists active windows for agent, or for every agent when agent is empty.
func (l *Limiter) Windows(ctx context.Context, agent string) ([]models.RateLimitWindow, error) {
	return l.store.Windows(ctx, agent, l.now().UTC())
}

// Sweep deletes windows that ended more than retention ago.
func (l *Limiter) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	return l.store.SweepWindows(ctx, l.now().UTC().Add(-retention))
}

// CallerKeys derives the window keys for caller.
//
// In config.MatchAny mode each known identity gets its own key, so a call is
// rejected once either the user or the address has used its quota. In
// config.MatchCombined mode the identities form a single key.
func CallerKeys(caller models.Caller, mode string) []string {
	var parts []string
	if caller.UserID != "" {
		parts = append(parts, "user:"+caller.UserID)
	}
	if caller.Addr != "" {
		parts = append(parts, "addr:"+caller.Addr)
	}
	if len(parts) == 0 {
		return []string{AnonymousKey}
	}
	if mode == config.MatchCombined {
		return []string{strings.Join(parts, "|")}
	}
	return parts
}
