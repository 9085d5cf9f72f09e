// Package token persists per-endpoint auth tokens in SQLite so credentials
// survive daemon restarts and can be invalidated when the backend signals
// that authentication is required.
package token

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoToken is returned when no token is stored for an endpoint.
var ErrNoToken = errors.New("no token stored for endpoint")

// Store is a SQLite-backed token store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the token database at the given path and
// runs schema migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenMemory creates a fresh in-memory store for testing.
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

func runMigrations(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tokens (
		endpoint_index INTEGER PRIMARY KEY,
		token TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Token returns the stored token for an endpoint.
func (s *Store) Token(endpointIndex int) (string, error) {
	var tok string
	err := s.db.QueryRow(
		"SELECT token FROM tokens WHERE endpoint_index = ?", endpointIndex,
	).Scan(&tok)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to query token: %w", err)
	}
	return tok, nil
}

// Set stores or replaces the token for an endpoint.
func (s *Store) Set(endpointIndex int, tok string) error {
	_, err := s.db.Exec(`
		INSERT INTO tokens (endpoint_index, token, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(endpoint_index) DO UPDATE SET
			token = excluded.token,
			updated_at = CURRENT_TIMESTAMP
	`, endpointIndex, tok)
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// Invalidate removes the token for an endpoint so the next connection
// attempt re-prompts for one.
func (s *Store) Invalidate(endpointIndex int) error {
	_, err := s.db.Exec("DELETE FROM tokens WHERE endpoint_index = ?", endpointIndex)
	if err != nil {
		return fmt.Errorf("failed to invalidate token: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
