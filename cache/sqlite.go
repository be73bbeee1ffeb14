package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/sonde/dbopen"
)

// Schema is the lookup cache table. created_at is unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS lookup_cache (
	cache_key  TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	count      INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lookup_cache_created ON lookup_cache(created_at);
`

// SQLite is a Cache backed by the lookup_cache table.
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps db. The schema must already be applied.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

func (s *SQLite) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var e Entry
	var data string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT data, count, created_at FROM lookup_cache WHERE cache_key = ?`, key).
		Scan(&data, &e.Count, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	e.Data = []byte(data)
	e.CreatedAt = time.UnixMilli(created)
	return &e, true, nil
}

func (s *SQLite) Set(ctx context.Context, key string, e *Entry) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO lookup_cache (cache_key, data, count, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET data = excluded.data, count = excluded.count, created_at = excluded.created_at`,
		key, string(e.Data), e.Count, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (s *SQLite) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM lookup_cache WHERE created_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}
