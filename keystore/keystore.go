// Package keystore persists admin API keys in a local SQLite database.
//
// Keys are random tokens shown to the operator once at creation; only a
// SHA-256 digest is stored. The admin API validates the x-api-key header
// against this store, and the CLI manages the key lifecycle.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound reports an operation on a key ID that does not exist.
var ErrNotFound = errors.New("keystore: key not found")

// keyPrefix marks generated tokens so they are recognizable in configs
// and logs without revealing anything about the stored digest.
const keyPrefix = "adatp_"

// KeyInfo describes one stored key without its secret material.
type KeyInfo struct {
	ID        int64
	Label     string
	CreatedAt time.Time
	Revoked   bool
}

// Store is an open key database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the key database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("keystore: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("keystore: enable WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key_hash TEXT UNIQUE NOT NULL,
		label TEXT NOT NULL,
		created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
		revoked INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("keystore: create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create generates a new key under the given label and returns the
// token. The token is not recoverable later; only its digest is kept.
func (s *Store) Create(ctx context.Context, label string) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("keystore: generate key: %w", err)
	}
	token := keyPrefix + hex.EncodeToString(raw)

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (key_hash, label) VALUES (?, ?)",
		hashKey(token), label)
	if err != nil {
		return "", fmt.Errorf("keystore: store key: %w", err)
	}
	return token, nil
}

// Validate reports whether the token matches a stored, unrevoked key.
// A non-nil error means the store itself failed, not that the key is
// invalid.
func (s *Store) Validate(ctx context.Context, token string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx,
		"SELECT revoked FROM api_keys WHERE key_hash = ?",
		hashKey(token)).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("keystore: look up key: %w", err)
	}
	return !revoked, nil
}

// Revoke marks the key with the given ID as revoked. Revocation is
// permanent; a revoked key never validates again.
func (s *Store) Revoke(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE api_keys SET revoked = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("keystore: revoke key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("keystore: revoke key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every stored key, newest first.
func (s *Store) List(ctx context.Context) ([]KeyInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, label, created_at, revoked FROM api_keys ORDER BY id DESC")
	if err != nil {
		return nil, fmt.Errorf("keystore: list keys: %w", err)
	}
	defer rows.Close()

	var keys []KeyInfo
	for rows.Next() {
		var (
			info    KeyInfo
			created int64
		)
		if err := rows.Scan(&info.ID, &info.Label, &created, &info.Revoked); err != nil {
			return nil, fmt.Errorf("keystore: scan key row: %w", err)
		}
		info.CreatedAt = time.Unix(created, 0)
		keys = append(keys, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keystore: list keys: %w", err)
	}
	return keys, nil
}

func hashKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
