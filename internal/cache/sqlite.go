package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_names (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_name  TEXT NOT NULL,
	method      TEXT NOT NULL,
	url         TEXT NOT NULL,
	status      INTEGER NOT NULL,
	header_json BLOB NOT NULL,
	body        BLOB NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (cache_name, method, url)
);
`

// SQLiteStorage persists caches in a single SQLite database file.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the cache database at path.
func OpenSQLite(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close releases the underlying SQLite connection.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("cache name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_names (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("open cache %q: %w", name, err)
	}
	return &sqliteStore{db: s.db, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cache_names WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has cache %q: %w", name, err)
	}
	return n > 0, nil
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_names ORDER BY created_at, name`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %q: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_names WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete: %w", err)
	}
	return n > 0, nil
}

type sqliteStore struct {
	db   *sql.DB
	name string
}

func (c *sqliteStore) Get(ctx context.Context, key Key) (Entry, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT status, header_json, body, updated_at
		 FROM cache_entries
		 WHERE cache_name = ? AND method = ? AND url = ?`,
		c.name, key.Method, key.URL,
	)

	var (
		entry      Entry
		headerJSON []byte
		updatedAt  int64
	)
	if err := row.Scan(&entry.Status, &headerJSON, &entry.Body, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("get cache entry: %w", err)
	}
	if err := json.Unmarshal(headerJSON, &entry.Header); err != nil {
		return Entry{}, fmt.Errorf("decode cached header: %w", err)
	}
	if updatedAt > 0 {
		entry.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	}
	return entry, nil
}

func (c *sqliteStore) Put(ctx context.Context, key Key, entry Entry) error {
	header := entry.Header
	if header == nil {
		header = map[string][]string{}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}

	// Entries only exist under a name listed in cache_names.
	res, err := c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_name, method, url, status, header_json, body, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM cache_names WHERE name = ?)
		 ON CONFLICT(cache_name, method, url) DO UPDATE SET
		    status = excluded.status,
		    header_json = excluded.header_json,
		    body = excluded.body,
		    updated_at = excluded.updated_at`,
		c.name, key.Method, key.URL, entry.Status, headerJSON, body, entry.UpdatedAt.UnixMilli(), c.name,
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("put %s into %q: %w", key, c.name, ErrDeleted)
	}
	return nil
}

func (c *sqliteStore) Delete(ctx context.Context, key Key) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE cache_name = ? AND method = ? AND url = ?`,
		c.name, key.Method, key.URL,
	)
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (c *sqliteStore) Keys(ctx context.Context) ([]Key, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE cache_name = ? ORDER BY url, method`,
		c.name,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Method, &k.URL); err != nil {
			return nil, fmt.Errorf("scan cache key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (c *sqliteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM cache_entries WHERE cache_name = ?`, c.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}
