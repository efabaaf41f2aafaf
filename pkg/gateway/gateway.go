// Package gateway wraps outbound agent calls with rate limiting and response
// caching.
//
// A Gateway is constructed once at the composition root and handed to every
// component that calls agents. Call admits the caller, serves a cached
// response when the request fingerprints to a live entry, and otherwise
// invokes the agent and stores its response when the cacheability policy
// allows. Cache faults degrade to a miss; rate-limit and upstream errors are
// returned to the caller unchanged.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pario-ai/agentgate/pkg/cache"
	"github.com/pario-ai/agentgate/pkg/fingerprint"
	"github.com/pario-ai/agentgate/pkg/metrics"
	"github.com/pario-ai/agentgate/pkg/models"
	"github.com/pario-ai/agentgate/pkg/policy"
	"github.com/pario-ai/agentgate/pkg/ratelimit"
)

// AgentFunc performs one call to an agent and returns its raw response.
type AgentFunc func(ctx context.Context, req models.Request) ([]byte, error)

// Result is the outcome of a Call.
type Result struct {
	Response []byte
	// Cached is true when Response came from the cache.
	Cached bool
	// HitCount is the entry's hit count after this hit; zero on a miss.
	HitCount int64
	// Fingerprint is empty when the request was not cacheable.
	Fingerprint string
}

// Gateway is the cache and rate-limit façade in front of every agent.
type Gateway struct {
	store   cache.Store
	limiter *ratelimit.Limiter
	policy  *policy.Policy
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records cache and upstream activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithLogger sets the logger used for degraded cache operations.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// New creates a Gateway.
func New(store cache.Store, limiter *ratelimit.Limiter, pol *policy.Policy, opts ...Option) *Gateway {
	g := &Gateway{
		store:   store,
		limiter: limiter,
		policy:  pol,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Call runs fn for agent on behalf of caller, consulting the rate limiter and
// the response cache around it.
func (g *Gateway) Call(ctx context.Context, agent string, caller models.Caller, req models.Request, fn AgentFunc) (Result, error) {
	if err := g.limiter.Check(ctx, agent, caller); err != nil {
		if errors.Is(err, ratelimit.ErrRateLimited) {
			g.metrics.RateLimited(agent)
		}
		return Result{}, err
	}

	decision := g.policy.Evaluate(agent, req)
	var fp string
	if decision.Cacheable {
		var err error
		fp, err = fingerprint.Fingerprint(agent, req)
		if err != nil {
			g.logger.Warn("request not fingerprintable, skipping cache",
				zap.String("agent", agent), zap.Error(err))
		}
	} else {
		g.logger.Debug("request not cacheable",
			zap.String("agent", agent), zap.String("reason", decision.Reason))
	}

	if fp != "" {
		entry, ok, err := g.store.Get(ctx, agent, fp)
		switch {
		case err != nil:
			g.metrics.StoreError(agent, "get")
			g.logger.Warn("cache get failed, treating as miss",
				zap.String("agent", agent), zap.String("fingerprint", fp), zap.Error(err))
		case ok:
			g.metrics.CacheHit(agent)
			return Result{Response: entry.Response, Cached: true, HitCount: entry.HitCount, Fingerprint: fp}, nil
		}
		g.metrics.CacheMiss(agent)
	}

	start := time.Now()
	resp, err := fn(ctx, req)
	g.metrics.Upstream(agent, time.Since(start), err)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if fp != "" {
		g.remember(ctx, agent, fp, req, resp, decision.TTL)
	}
	return Result{Response: resp, Fingerprint: fp}, nil
}

// remember writes resp to the cache. Failures are logged, never returned.
func (g *Gateway) remember(ctx context.Context, agent, fp string, req models.Request, resp []byte, ttl time.Duration) {
	snapshot, err := json.Marshal(req)
	if err != nil {
		g.logger.Warn("request snapshot failed, skipping cache",
			zap.String("agent", agent), zap.Error(errors.Join(fingerprint.ErrSerialization, err)))
		return
	}
	err = g.store.Put(ctx, models.PutRequest{
		Agent:       agent,
		Fingerprint: fp,
		Request:     snapshot,
		Response:    cloneBytes(resp),
		TTL:         ttl,
	})
	if err != nil {
		g.metrics.StoreError(agent, "put")
		g.logger.Warn("cache put failed",
			zap.String("agent", agent), zap.String("fingerprint", fp), zap.Error(err))
	}
}

// cloneBytes copies b, keeping an empty response non-nil.
func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Wrap decorates fn so every call goes through the gateway. The caller is
// taken from the context; see WithCaller.
func (g *Gateway) Wrap(agent string, fn AgentFunc) AgentFunc {
	return func(ctx context.Context, req models.Request) ([]byte, error) {
		res, err := g.Call(ctx, agent, CallerFrom(ctx), req, fn)
		return res.Response, err
	}
}

// Stats returns cache statistics.
func (g *Gateway) Stats(ctx context.Context, topN int) (models.CacheStats, error) {
	return g.store.Stats(ctx, topN)
}

// FlushAgent invalidates every cached response for agent.
func (g *Gateway) FlushAgent(ctx context.Context, agent string) (int64, error) {
	n, err := g.store.FlushAgent(ctx, agent)
	if err != nil {
		return 0, err
	}
	g.logger.Info("cache flushed", zap.String("agent", agent), zap.Int64("entries", n))
	return n, nil
}

// Windows lists the active rate-limit windows for agent, or all agents.
func (g *Gateway) Windows(ctx context.Context, agent string) ([]models.RateLimitWindow, error) {
	return g.limiter.Windows(ctx, agent)
}

type callerKey struct{}

// WithCaller attaches caller to ctx.
func WithCaller(ctx context.Context, caller models.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller attached to ctx, or the anonymous caller.
func CallerFrom(ctx context.Context) models.Caller {
	c, _ := ctx.Value(callerKey{}).(models.Caller)
	return c
}
