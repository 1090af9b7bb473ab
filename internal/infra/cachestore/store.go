// Package cachestore persists cached media files and their index.
//
// Files live under a directory, named by the SHA-256 of their cache key, and
// are written atomically. A SQLite database indexes keys, sizes and access
// times for least-recently-used eviction, and keeps cache settings.
package cachestore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/renameio/v2"
	zlog "github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned for keys without a cached file.
var ErrNotFound = errors.New("cache entry not found")

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	key         TEXT PRIMARY KEY,
	file        TEXT NOT NULL,
	size        INTEGER NOT NULL,
	accessed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_accessed ON entries(accessed_at);
CREATE TABLE IF NOT EXISTS settings (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the on-disk media cache.
type Store struct {
	db  *sql.DB
	dir string
	now func() time.Time

	// mu serializes index mutations with the file operations they describe.
	mu sync.Mutex
}

// Open opens or creates a store with media files under dir and the index at
// dbPath. An empty dbPath places the index inside dir.
func Open(dir, dbPath string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if dbPath == "" {
		dbPath = filepath.Join(dir, "index.db")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create cache directory %s", dir)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache index directory")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open cache index")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize cache index")
	}

	return &Store{db: db, dir: dir, now: time.Now}, nil
}

// Close closes the index database.
func (s *Store) Close() error {
	return s.db.Close()
}

func fileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Path returns the file path for key whether or not it is cached.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, fileName(key))
}

// Put stores the content of r under key, replacing an existing entry.
// The file only becomes visible once completely written.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	path := s.Path(key)

	pending, err := renameio.NewPendingFile(path)
	if err != nil {
		return 0, errors.Wrap(err, "failed to create pending cache file")
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			zlog.Debug().Msgf("cachestore: cleanup pending file for %s: %v", key, err)
		}
	}()

	size, err := io.Copy(pending, &contextReader{ctx: ctx, r: r})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to write cache file for %s", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, errors.Wrapf(err, "failed to commit cache file for %s", key)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (key, file, size, accessed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET file = excluded.file, size = excluded.size, accessed_at = excluded.accessed_at`,
		key, filepath.Base(path), size, s.now().UnixNano())
	if err != nil {
		_ = os.Remove(path)
		return 0, errors.Wrapf(err, "failed to index cache file for %s", key)
	}

	return size, nil
}

// Has reports whether key is cached.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE key = ?`, key).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "failed to query cache index")
	}
	return n > 0, nil
}

// OpenFile opens the cached file for key and marks it as recently used.
func (s *Store) OpenFile(ctx context.Context, key string) (*os.File, error) {
	ok, err := s.Has(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	f, err := os.Open(s.Path(key))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open cache file for %s", key)
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE entries SET accessed_at = ? WHERE key = ?`, s.now().UnixNano(), key); err != nil {
		zlog.Debug().Msgf("cachestore: touch %s: %v", key, err)
	}
	return f, nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, key)
}

func (s *Store) removeLocked(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return errors.Wrapf(err, "failed to unindex %s", key)
	}
	if err := os.Remove(s.Path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove cache file for %s", key)
	}
	return nil
}

// Keys returns every cached key.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM entries ORDER BY accessed_at`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cache keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.Wrap(err, "failed to scan cache key")
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Clear removes every entry and returns the removed keys.
func (s *Store) Clear(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}

	removed := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := s.removeLocked(ctx, key); err != nil {
			return removed, err
		}
		removed = append(removed, key)
	}
	return removed, nil
}

// UsedBytes returns the total size of cached files.
func (s *Store) UsedBytes(ctx context.Context) (int64, error) {
	var used sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(size) FROM entries`).Scan(&used); err != nil {
		return 0, errors.Wrap(err, "failed to sum cache size")
	}
	return used.Int64, nil
}

// Evict removes least recently used entries until the cache fits in
// maxBytes, and returns the evicted keys.
func (s *Store) Evict(ctx context.Context, maxBytes int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	used, err := s.UsedBytes(ctx)
	if err != nil {
		return nil, err
	}
	if used <= maxBytes {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, size FROM entries ORDER BY accessed_at`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list cache entries")
	}
	type entry struct {
		key  string
		size int64
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.key, &e.size); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan cache entry")
		}
		entries = append(entries, e)
	}
	rows.Close()

	var evicted []string
	for _, e := range entries {
		if used <= maxBytes {
			break
		}
		if err := s.removeLocked(ctx, e.key); err != nil {
			return evicted, err
		}
		used -= e.size
		evicted = append(evicted, e.key)
	}
	return evicted, nil
}

// Setting returns a persisted setting.
func (s *Store) Setting(ctx context.Context, name string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE name = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to read setting %s", name)
	}
	return value, true, nil
}

// SetSetting persists a setting.
func (s *Store) SetSetting(ctx context.Context, name, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return errors.Wrapf(err, "failed to write setting %s", name)
	}
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
