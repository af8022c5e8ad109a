// Package store implements the durable key namespace that survives across
// sessions. Everything the engine remembers (identity, wisdom, prompts,
// configuration, flight-recorder logs, dynamic capability code, secrets)
// lives here as JSON values under flat string keys.
//
// The backend is a single SQLite table. Reads are read-after-write within a
// process; concurrent writers to the same key are last-write-wins.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a key has no value.
	ErrNotFound = errors.New("store: key not found")

	// ErrProtectedKey is returned by every write path that targets the
	// identity document. No caller, including review passes applying
	// model-emitted operations, can bypass this.
	ErrProtectedKey = errors.New("store: key is write-protected")
)

// Store is the SQLite-backed durable key namespace.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the store at the given path, creating the file and
// schema if needed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	PRAGMA journal_mode=WAL;
	PRAGMA synchronous=FULL;
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the raw JSON value stored under key.
func (s *Store) Get(key string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// GetJSON reads key and unmarshals its value into v.
func (s *Store) GetJSON(key string, v any) error {
	raw, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

// Put writes raw JSON under key. Writes to the identity document are
// rejected unconditionally.
func (s *Store) Put(key string, value json.RawMessage) error {
	if key == KeySoul {
		return fmt.Errorf("%w: %s", ErrProtectedKey, key)
	}
	if !json.Valid(value) {
		return fmt.Errorf("store: value for %s is not valid JSON", key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// PutJSON marshals v and writes it under key.
func (s *Store) PutJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Put(key, raw)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if key == KeySoul {
		return fmt.Errorf("%w: %s", ErrProtectedKey, key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Rename moves the value at oldKey to newKey, overwriting newKey if it
// exists. The identity document can be neither source nor destination.
func (s *Store) Rename(oldKey, newKey string) error {
	if oldKey == KeySoul || newKey == KeySoul {
		return fmt.Errorf("%w: rename %s -> %s", ErrProtectedKey, oldKey, newKey)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin rename: %w", err)
	}
	defer tx.Rollback()

	var value string
	err = tx.QueryRow(`SELECT value FROM kv WHERE key = ?`, oldKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, oldKey)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", oldKey, err)
	}

	if _, err := tx.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		newKey, value, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to write %s: %w", newKey, err)
	}
	if _, err := tx.Exec(`DELETE FROM kv WHERE key = ?`, oldKey); err != nil {
		return fmt.Errorf("failed to delete %s: %w", oldKey, err)
	}
	return tx.Commit()
}

// Keys returns all keys with the given prefix, sorted.
func (s *Store) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT key FROM kv WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s*: %w", prefix, err)
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

// Seed writes the identity document directly, bypassing the write block.
// It refuses to overwrite an existing document: identity is written once at
// bootstrap and never again.
func (s *Store) Seed(soul json.RawMessage) error {
	if !json.Valid(soul) {
		return fmt.Errorf("store: identity document is not valid JSON")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var existing string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, KeySoul).Scan(&existing)
	if err == nil {
		return fmt.Errorf("%w: identity document already seeded", ErrProtectedKey)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check identity document: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)`,
		KeySoul, string(soul), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to seed identity document: %w", err)
	}
	return nil
}
