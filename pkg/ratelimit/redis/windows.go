// Package redis stores rate-limit windows as Redis hashes.
//
// Each window lives at <prefix>ratelimit:<agent>:<caller key>:<start ms> and
// holds its start and count. A pointer at <prefix>ratelimit-current:<agent>:<caller key>
// names the start of the current window and expires when that window ends, so
// a rollover opens a new hash and leaves the finished one for inspection.
// Redis expires each window hash once it is older than the window plus the
// retention; SweepWindows only catches stragglers.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pario-ai/agentgate/pkg/models"
	"github.com/pario-ai/agentgate/pkg/ratelimit"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "agentgate:"

// DefaultRetention is how long a finished window stays readable.
const DefaultRetention = time.Hour

// hitScript admits a call only if no current window is full, then counts it
// in every current window, opening a new one where the previous has ended.
//
// KEYS: current-window pointers. ARGV: now ms, window ms, limit, ttl ms,
// agent, window key base, caller keys...
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local win = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local agent = ARGV[5]
local base = ARGV[6]
local live = {}
for i, ptr in ipairs(KEYS) do
	local start = redis.call('GET', ptr)
	local s = tonumber(start)
	if s and s <= now and now < s + win then
		local key = base .. agent .. ':' .. ARGV[6 + i] .. ':' .. start
		live[i] = key
		local count = tonumber(redis.call('HGET', key, 'count'))
		if count and count >= limit then
			return 0
		end
	end
end
for i, ptr in ipairs(KEYS) do
	if live[i] then
		redis.call('HINCRBY', live[i], 'count', 1)
	else
		local key = base .. agent .. ':' .. ARGV[6 + i] .. ':' .. ARGV[1]
		redis.call('HSET', key, 'start', ARGV[1], 'count', 1, 'agent', agent, 'caller', ARGV[6 + i])
		redis.call('PEXPIRE', key, ARGV[4])
		redis.call('SET', ptr, ARGV[1], 'PX', ARGV[2])
	end
end
return 1
`)

// Windows is a ratelimit.WindowStore backed by Redis.
type Windows struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

var _ ratelimit.WindowStore = (*Windows)(nil)

// Option configures Windows.
type Option func(*Windows)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(w *Windows) { w.prefix = prefix }
}

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(w *Windows) { w.retention = d }
}

// New wraps client.
func New(client *redis.Client, opts ...Option) *Windows {
	w := &Windows{client: client, prefix: DefaultPrefix, retention: DefaultRetention}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Windows) windowBase() string {
	return w.prefix + "ratelimit:"
}

func (w *Windows) currentKey(agent, callerKey string) string {
	return w.prefix + "ratelimit-current:" + agent + ":" + callerKey
}

func (w *Windows) pattern(agent string) string {
	if agent == "" {
		return w.prefix + "ratelimit:*"
	}
	return w.prefix + "ratelimit:" + agent + ":*"
}

// Hit checks and increments the current windows for keys atomically.
func (w *Windows) Hit(ctx context.Context, agent string, keys []string, limit int, now time.Time) (bool, error) {
	redisKeys := make([]string, len(keys))
	args := []any{
		now.UnixMilli(),
		models.WindowDuration.Milliseconds(),
		limit,
		(models.WindowDuration + w.retention).Milliseconds(),
		agent,
		w.windowBase(),
	}
	for i, k := range keys {
		redisKeys[i] = w.currentKey(agent, k)
		args = append(args, k)
	}

	n, err := hitScript.Run(ctx, w.client, redisKeys, args...).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limit hit: %w", err)
	}
	return n == 1, nil
}

// SweepWindows deletes windows that ended before the given time.
func (w *Windows) SweepWindows(ctx context.Context, before time.Time) (int64, error) {
	all, err := w.scan(ctx, "")
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, s := range all {
		if s.win.WindowEnd.Before(before) {
			stale = append(stale, s.key)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	n, err := w.client.Del(ctx, stale...).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep windows: %w", err)
	}
	return n, nil
}

// Windows lists windows active at now.
func (w *Windows) Windows(ctx context.Context, agent string, now time.Time) ([]models.RateLimitWindow, error) {
	all, err := w.scan(ctx, agent)
	if err != nil {
		return nil, err
	}
	var out []models.RateLimitWindow
	for _, s := range all {
		if s.win.Active(now) {
			out = append(out, s.win)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Agent != out[j].Agent {
			return out[i].Agent < out[j].Agent
		}
		if out[i].RequestCount != out[j].RequestCount {
			return out[i].RequestCount > out[j].RequestCount
		}
		return out[i].CallerKey < out[j].CallerKey
	})
	return out, nil
}

type scanned struct {
	key string
	win models.RateLimitWindow
}

func (w *Windows) scan(ctx context.Context, agent string) ([]scanned, error) {
	var keys []string
	iter := w.client.Scan(ctx, 0, w.pattern(agent), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan windows: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.SliceCmd, len(keys))
	_, err := w.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HMGet(ctx, k, "agent", "caller", "start", "count")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read windows: %w", err)
	}

	out := make([]scanned, 0, len(keys))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 4 || vals[2] == nil {
			continue
		}
		start := time.UnixMilli(parseInt(vals[2])).UTC()
		out = append(out, scanned{key: keys[i], win: models.RateLimitWindow{
			Agent:        fmt.Sprint(vals[0]),
			CallerKey:    fmt.Sprint(vals[1]),
			RequestCount: parseInt(vals[3]),
			WindowStart:  start,
			WindowEnd:    start.Add(models.WindowDuration),
		}})
	}
	return out, nil
}

// Close closes the underlying client.
func (w *Windows) Close() error {
	return w.client.Close()
}

func parseInt(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
