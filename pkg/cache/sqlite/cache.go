package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/agentgate/pkg/cache"
	"github.com/pario-ai/agentgate/pkg/models"
)

// Cache is a response cache backed by SQLite.
type Cache struct {
	db  *sql.DB
	now func() time.Time
}

var _ cache.Store = (*Cache)(nil)

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Timestamps are unix nanoseconds so range comparisons are numeric.
const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	agent TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	request BLOB,
	response BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	hit_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (agent, fingerprint),
	CHECK (expires_at > created_at)
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// New opens (or creates) the cache table in the database at dbPath.
func New(dbPath string, opts ...Option) (*Cache, error) {
	db, err := sql.Open("sqlite", DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// One connection serializes writers inside the process; busy_timeout
	// covers other processes sharing the file.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	c := &Cache{db: db, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// DSN appends the pragmas every agentgate SQLite connection uses.
// Transactions start IMMEDIATE so writers in different processes queue on
// busy_timeout instead of failing a read-to-write lock upgrade.
func DSN(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
}

// Get retrieves an unexpired entry and bumps its hit count in the same statement.
func (c *Cache) Get(ctx context.Context, agent, fingerprint string) (models.CacheEntry, bool, error) {
	now := c.now().UTC()
	e := models.CacheEntry{Agent: agent, Fingerprint: fingerprint}
	var createdAt, expiresAt int64

	err := c.db.QueryRowContext(ctx,
		`UPDATE cache_entries SET hit_count = hit_count + 1
		 WHERE agent = ? AND fingerprint = ? AND expires_at > ?
		 RETURNING request, response, created_at, expires_at, hit_count`,
		agent, fingerprint, now.UnixNano(),
	).Scan(&e.Request, &e.Response, &createdAt, &expiresAt, &e.HitCount)

	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, false, nil
	}
	if err != nil {
		return models.CacheEntry{}, false, cache.StoreError(err, "cache get")
	}

	e.CreatedAt = time.Unix(0, createdAt).UTC()
	e.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return e, true, nil
}

// Put upserts an entry, replacing any previous row for the key.
func (c *Cache) Put(ctx context.Context, req models.PutRequest) error {
	if req.TTL <= 0 {
		return fmt.Errorf("cache put: ttl must be positive, got %s", req.TTL)
	}
	now := c.now().UTC()
	resp := req.Response
	if resp == nil {
		resp = []byte{}
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (agent, fingerprint, request, response, created_at, expires_at, hit_count)
		 VALUES (?, ?, ?, ?, ?, ?, 0)
		 ON CONFLICT(agent, fingerprint) DO UPDATE SET
			request = excluded.request,
			response = excluded.response,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			hit_count = 0`,
		req.Agent, req.Fingerprint, req.Request, resp,
		now.UnixNano(), now.Add(req.TTL).UnixNano(),
	)
	if err != nil {
		return cache.StoreError(err, "cache put")
	}
	return nil
}

// SweepExpired deletes rows whose expiry has passed.
func (c *Cache) SweepExpired(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, c.now().UTC().UnixNano())
	if err != nil {
		return 0, cache.StoreError(err, "cache sweep")
	}
	return res.RowsAffected()
}

// FlushAgent deletes every row for agent.
func (c *Cache) FlushAgent(ctx context.Context, agent string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE agent = ?`, agent)
	if err != nil {
		return 0, cache.StoreError(err, "cache flush")
	}
	return res.RowsAffected()
}

// Stats returns entry counts per agent and the most-hit entries.
func (c *Cache) Stats(ctx context.Context, topN int) (models.CacheStats, error) {
	if topN <= 0 {
		topN = cache.DefaultTopN
	}
	perAgent, err := c.perAgent(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	top, err := c.topEntries(ctx, topN)
	if err != nil {
		return models.CacheStats{}, err
	}

	stats := models.CacheStats{PerAgent: perAgent, TopEntries: top}
	for _, s := range perAgent {
		stats.TotalEntries += s.Entries
	}
	return stats, nil
}

func (c *Cache) perAgent(ctx context.Context) (map[string]models.AgentCacheStats, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT agent, COUNT(*), COALESCE(SUM(hit_count), 0) FROM cache_entries GROUP BY agent`)
	if err != nil {
		return nil, cache.StoreError(err, "cache stats")
	}
	defer rows.Close()

	out := make(map[string]models.AgentCacheStats)
	for rows.Next() {
		var agent string
		var s models.AgentCacheStats
		if err := rows.Scan(&agent, &s.Entries, &s.Hits); err != nil {
			return nil, fmt.Errorf("scan cache stats: %w", err)
		}
		out[agent] = s
	}
	return out, rows.Err()
}

func (c *Cache) topEntries(ctx context.Context, n int) ([]models.CacheEntrySummary, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT agent, fingerprint, hit_count, expires_at FROM cache_entries
		 ORDER BY hit_count DESC, agent, fingerprint LIMIT ?`, n)
	if err != nil {
		return nil, cache.StoreError(err, "cache top entries")
	}
	defer rows.Close()

	var out []models.CacheEntrySummary
	for rows.Next() {
		var s models.CacheEntrySummary
		var expiresAt int64
		if err := rows.Scan(&s.Agent, &s.Fingerprint, &s.HitCount, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan top entry: %w", err)
		}
		s.ExpiresAt = time.Unix(0, expiresAt).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
