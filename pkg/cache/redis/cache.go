// Package redis implements the response cache on Redis hashes.
//
// Each entry is a hash at <prefix>cache:<agent>:<fingerprint> that Redis
// expires at the entry's expires_at. A per-agent set indexes fingerprints so
// flushes and stats do not need SCAN; SweepExpired prunes index members whose
// hash Redis has already dropped.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pario-ai/agentgate/pkg/cache"
	"github.com/pario-ai/agentgate/pkg/models"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "agentgate:"

// getScript checks expiry and bumps the hit count in one atomic step.
var getScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp or tonumber(exp) <= tonumber(ARGV[1]) then
	return false
end
redis.call('HINCRBY', KEYS[1], 'hit_count', 1)
return redis.call('HMGET', KEYS[1], 'request', 'response', 'created_at', 'expires_at', 'hit_count')
`)

// Cache is a response cache backed by Redis.
type Cache struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ cache.Store = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New wraps client. The caller owns the client unless Close is called.
func New(client *redis.Client, opts ...Option) *Cache {
	c := &Cache{client: client, prefix: DefaultPrefix, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) entryKey(agent, fingerprint string) string {
	return c.prefix + "cache:" + agent + ":" + fingerprint
}

func (c *Cache) indexKey(agent string) string {
	return c.prefix + "cache:index:" + agent
}

func (c *Cache) agentsKey() string {
	return c.prefix + "cache:agents"
}

// Get retrieves an unexpired entry and bumps its hit count.
func (c *Cache) Get(ctx context.Context, agent, fingerprint string) (models.CacheEntry, bool, error) {
	now := c.now().UnixMilli()
	res, err := getScript.Run(ctx, c.client, []string{c.entryKey(agent, fingerprint)}, now).Slice()
	if errors.Is(err, redis.Nil) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, cache.StoreError(err, "cache get")
	}
	if len(res) != 5 {
		return models.CacheEntry{}, false, cache.StoreError(fmt.Errorf("unexpected reply length %d", len(res)), "cache get")
	}

	e := models.CacheEntry{
		Agent:       agent,
		Fingerprint: fingerprint,
		Request:     toBytes(res[0]),
		Response:    toBytes(res[1]),
		CreatedAt:   time.UnixMilli(toInt(res[2])).UTC(),
		ExpiresAt:   time.UnixMilli(toInt(res[3])).UTC(),
		HitCount:    toInt(res[4]),
	}
	return e, true, nil
}

// Put replaces the entry for the key and resets its hit count.
func (c *Cache) Put(ctx context.Context, req models.PutRequest) error {
	if req.TTL <= 0 {
		return fmt.Errorf("cache put: ttl must be positive, got %s", req.TTL)
	}
	now := c.now()
	expires := now.Add(req.TTL)
	key := c.entryKey(req.Agent, req.Fingerprint)

	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key,
			"request", req.Request,
			"response", req.Response,
			"created_at", now.UnixMilli(),
			"expires_at", expires.UnixMilli(),
			"hit_count", 0,
		)
		p.PExpireAt(ctx, key, expires)
		p.SAdd(ctx, c.indexKey(req.Agent), req.Fingerprint)
		p.SAdd(ctx, c.agentsKey(), req.Agent)
		return nil
	})
	if err != nil {
		return cache.StoreError(err, "cache put")
	}
	return nil
}

// SweepExpired removes index members whose entry has expired and returns
// how many were reclaimed.
func (c *Cache) SweepExpired(ctx context.Context) (int64, error) {
	agents, err := c.client.SMembers(ctx, c.agentsKey()).Result()
	if err != nil {
		return 0, cache.StoreError(err, "cache sweep")
	}

	var removed int64
	for _, agent := range agents {
		n, err := c.sweepAgent(ctx, agent)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (c *Cache) sweepAgent(ctx context.Context, agent string) (int64, error) {
	fps, err := c.client.SMembers(ctx, c.indexKey(agent)).Result()
	if err != nil {
		return 0, cache.StoreError(err, "cache sweep")
	}
	if len(fps) == 0 {
		return 0, nil
	}

	now := c.now().UnixMilli()
	cmds := make([]*redis.StringCmd, len(fps))
	_, err = c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, fp := range fps {
			cmds[i] = p.HGet(ctx, c.entryKey(agent, fp), "expires_at")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, cache.StoreError(err, "cache sweep")
	}

	var stale []string
	var staleMembers []any
	for i, cmd := range cmds {
		exp, err := cmd.Int64()
		if err == nil && exp > now {
			continue
		}
		stale = append(stale, c.entryKey(agent, fps[i]))
		staleMembers = append(staleMembers, fps[i])
	}
	if len(stale) == 0 {
		return 0, nil
	}

	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, stale...)
		p.SRem(ctx, c.indexKey(agent), staleMembers...)
		return nil
	})
	if err != nil {
		return 0, cache.StoreError(err, "cache sweep")
	}
	return int64(len(stale)), nil
}

// FlushAgent deletes every entry for agent.
func (c *Cache) FlushAgent(ctx context.Context, agent string) (int64, error) {
	fps, err := c.client.SMembers(ctx, c.indexKey(agent)).Result()
	if err != nil {
		return 0, cache.StoreError(err, "cache flush")
	}

	keys := make([]string, 0, len(fps))
	for _, fp := range fps {
		keys = append(keys, c.entryKey(agent, fp))
	}

	var del *redis.IntCmd
	_, err = c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if len(keys) > 0 {
			del = p.Del(ctx, keys...)
		}
		p.Del(ctx, c.indexKey(agent))
		p.SRem(ctx, c.agentsKey(), agent)
		return nil
	})
	if err != nil {
		return 0, cache.StoreError(err, "cache flush")
	}
	if del == nil {
		return 0, nil
	}
	return del.Val(), nil
}

// Stats aggregates live entries per agent and lists the most-hit ones.
func (c *Cache) Stats(ctx context.Context, topN int) (models.CacheStats, error) {
	if topN <= 0 {
		topN = cache.DefaultTopN
	}
	agents, err := c.client.SMembers(ctx, c.agentsKey()).Result()
	if err != nil {
		return models.CacheStats{}, cache.StoreError(err, "cache stats")
	}

	stats := models.CacheStats{PerAgent: make(map[string]models.AgentCacheStats)}
	var all []models.CacheEntrySummary
	for _, agent := range agents {
		entries, err := c.agentEntries(ctx, agent)
		if err != nil {
			return models.CacheStats{}, err
		}
		if len(entries) == 0 {
			continue
		}
		var s models.AgentCacheStats
		for _, e := range entries {
			s.Entries++
			s.Hits += e.HitCount
		}
		stats.PerAgent[agent] = s
		stats.TotalEntries += s.Entries
		all = append(all, entries...)
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].HitCount != all[j].HitCount {
			return all[i].HitCount > all[j].HitCount
		}
		if all[i].Agent != all[j].Agent {
			return all[i].Agent < all[j].Agent
		}
		return all[i].Fingerprint < all[j].Fingerprint
	})
	if len(all) > topN {
		all = all[:topN]
	}
	stats.TopEntries = all
	return stats, nil
}

func (c *Cache) agentEntries(ctx context.Context, agent string) ([]models.CacheEntrySummary, error) {
	fps, err := c.client.SMembers(ctx, c.indexKey(agent)).Result()
	if err != nil {
		return nil, cache.StoreError(err, "cache stats")
	}
	cmds := make([]*redis.SliceCmd, len(fps))
	_, err = c.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, fp := range fps {
			cmds[i] = p.HMGet(ctx, c.entryKey(agent, fp), "hit_count", "expires_at")
		}
		return nil
	})
	if err != nil {
		return nil, cache.StoreError(err, "cache stats")
	}

	out := make([]models.CacheEntrySummary, 0, len(fps))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 2 || vals[1] == nil {
			continue
		}
		out = append(out, models.CacheEntrySummary{
			Agent:       agent,
			Fingerprint: fps[i],
			HitCount:    toInt(vals[0]),
			ExpiresAt:   time.UnixMilli(toInt(vals[1])).UTC(),
		})
	}
	return out, nil
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func toBytes(v any) []byte {
	switch val := v.(type) {
	case string:
		return []byte(val)
	case []byte:
		return val
	}
	return nil
}

func toInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	}
	return 0
}
