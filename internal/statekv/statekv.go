// Package statekv provides the durable string key-value storage that session
// state is persisted through. The primary backend is SQLite; an in-memory
// backend exists for tests and ephemeral runs.
package statekv

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// KV is the storage abstraction the persistence layer writes through.
// Implementations must be safe for concurrent use within one process.
type KV interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Delete(key string) error
	// Keys returns all stored keys.
	Keys() ([]string, error)
	Close() error
}

// SQLiteKV stores keys in a single SQLite table. WAL mode plus a busy
// timeout lets multiple processes share one database file.
type SQLiteKV struct {
	db   *sql.DB
	path string
}

// Open creates or opens a SQLite-backed KV at dbPath.
func Open(dbPath string) (*SQLiteKV, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statekv: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statekv: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statekv: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statekv: busy timeout: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statekv: create kv: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("statekv: create metadata: %w", err)
	}

	return &SQLiteKV{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (s *SQLiteKV) Path() string {
	return s.path
}

// Close checkpoints WAL and closes the database.
func (s *SQLiteKV) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

func (s *SQLiteKV) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("statekv: get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteKV) Set(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO kv (key, value) VALUES (?, ?)", key, value,
	)
	if err != nil {
		return fmt.Errorf("statekv: set %q: %w", key, err)
	}
	return s.touch()
}

func (s *SQLiteKV) Delete(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("statekv: delete %q: %w", key, err)
	}
	return s.touch()
}

func (s *SQLiteKV) Keys() ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM kv ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("statekv: keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// touch records a modification timestamp other processes can poll to detect
// external changes.
func (s *SQLiteKV) touch() error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES ('last_modified', ?)",
		fmt.Sprintf("%d", time.Now().UnixNano()),
	)
	return err
}

// LastModified returns the last modification timestamp in nanoseconds, or 0
// when the store has never been written.
func (s *SQLiteKV) LastModified() (int64, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = 'last_modified'").Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var ts int64
	_, err = fmt.Sscanf(value, "%d", &ts)
	return ts, err
}
