// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	ns    TEXT NOT NULL,
	key   TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (ns, key)
);
`

// SQLiteStore persists records in a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
}

// OpenSQLite opens (creating if necessary) the store database at path.
// The parent directory is created with owner-only permissions.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	// Single connection keeps writes serialized at the driver level.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get returns the value for key in namespace ns.
func (s *SQLiteStore) Get(ns, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", false, ErrClosed
	}

	var value string
	err := s.db.QueryRow(
		`SELECT value FROM records WHERE ns = ? AND key = ?`, ns, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store read failed: %w", err)
	}
	return value, true, nil
}

// Set persists a single key.
func (s *SQLiteStore) Set(ns, key, value string) error {
	return s.SetAll(ns, map[string]string{key: value})
}

// SetAll persists every pair in kv inside one transaction.
func (s *SQLiteStore) SetAll(ns string, kv map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store write failed: %w", err)
	}
	defer tx.Rollback()

	for key, value := range kv {
		_, err := tx.Exec(
			`INSERT INTO records (ns, key, value) VALUES (?, ?, ?)
			 ON CONFLICT (ns, key) DO UPDATE SET value = excluded.value`,
			ns, key, value,
		)
		if err != nil {
			return fmt.Errorf("store write failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store commit failed: %w", err)
	}
	return nil
}

// Remove deletes a key. Removing an absent key succeeds.
func (s *SQLiteStore) Remove(ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.Exec(`DELETE FROM records WHERE ns = ? AND key = ?`, ns, key); err != nil {
		return fmt.Errorf("store delete failed: %w", err)
	}
	return nil
}

// RemoveAll deletes every key in a namespace.
func (s *SQLiteStore) RemoveAll(ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.Exec(`DELETE FROM records WHERE ns = ?`, ns); err != nil {
		return fmt.Errorf("store delete failed: %w", err)
	}
	return nil
}

// Contains reports whether a key is present.
func (s *SQLiteStore) Contains(ns, key string) (bool, error) {
	_, ok, err := s.Get(ns, key)
	return ok, err
}

// Close closes the database. Further calls return ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
