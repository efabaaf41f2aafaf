package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	cachesqlite "github.com/pario-ai/agentgate/pkg/cache/sqlite"
	"github.com/pario-ai/agentgate/pkg/models"
	"github.com/pario-ai/agentgate/pkg/ratelimit"
)

// Windows stores rate-limit windows in SQLite.
type Windows struct {
	db *sql.DB
}

var _ ratelimit.WindowStore = (*Windows)(nil)

const createWindowsTable = `
CREATE TABLE IF NOT EXISTS rate_limit_windows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	agent TEXT NOT NULL,
	caller_key TEXT NOT NULL,
	request_count INTEGER NOT NULL DEFAULT 0,
	window_start INTEGER NOT NULL,
	window_end INTEGER NOT NULL,
	CHECK (window_end > window_start)
);
CREATE INDEX IF NOT EXISTS idx_windows_lookup ON rate_limit_windows(agent, caller_key, window_end);
CREATE INDEX IF NOT EXISTS idx_windows_end ON rate_limit_windows(window_end);
`

// New opens (or creates) the window table in the database at dbPath.
func New(dbPath string) (*Windows, error) {
	db, err := sql.Open("sqlite", cachesqlite.DSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open rate limit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createWindowsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate rate limit db: %w", err)
	}
	return &Windows{db: db}, nil
}

type activeWindow struct {
	id    int64
	count int64
}

// Hit checks and increments the current windows for keys in one transaction.
func (w *Windows) Hit(ctx context.Context, agent string, keys []string, limit int, now time.Time) (bool, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin hit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now.UnixNano()
	current := make([]*activeWindow, len(keys))
	for i, key := range keys {
		var aw activeWindow
		err := tx.QueryRowContext(ctx,
			`SELECT id, request_count FROM rate_limit_windows
			 WHERE agent = ? AND caller_key = ? AND window_start <= ? AND window_end > ?
			 ORDER BY window_start DESC LIMIT 1`,
			agent, key, ts, ts,
		).Scan(&aw.id, &aw.count)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("lookup window: %w", err)
		}
		if aw.count >= int64(limit) {
			return false, nil
		}
		current[i] = &aw
	}

	for i, key := range keys {
		if current[i] != nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE rate_limit_windows SET request_count = request_count + 1 WHERE id = ?`, current[i].id)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO rate_limit_windows (agent, caller_key, request_count, window_start, window_end)
				 VALUES (?, ?, 1, ?, ?)`,
				agent, key, ts, now.Add(models.WindowDuration).UnixNano())
		}
		if err != nil {
			return false, fmt.Errorf("record hit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit hit: %w", err)
	}
	return true, nil
}

// SweepWindows deletes windows that ended before the given time.
func (w *Windows) SweepWindows(ctx context.Context, before time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx,
		`DELETE FROM rate_limit_windows WHERE window_end < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep windows: %w", err)
	}
	return res.RowsAffected()
}

// Windows lists windows active at now.
func (w *Windows) Windows(ctx context.Context, agent string, now time.Time) ([]models.RateLimitWindow, error) {
	query := `SELECT agent, caller_key, request_count, window_start, window_end FROM rate_limit_windows
		WHERE window_start <= ? AND window_end > ?`
	args := []any{now.UnixNano(), now.UnixNano()}
	if agent != "" {
		query += ` AND agent = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY agent, request_count DESC, caller_key`

	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	defer rows.Close()

	var out []models.RateLimitWindow
	for rows.Next() {
		var win models.RateLimitWindow
		var start, end int64
		if err := rows.Scan(&win.Agent, &win.CallerKey, &win.RequestCount, &start, &end); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		win.WindowStart = time.Unix(0, start).UTC()
		win.WindowEnd = time.Unix(0, end).UTC()
		out = append(out, win)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (w *Windows) Close() error {
	return w.db.Close()
}
