// Package store is the single source of truth for tenants, accounts,
// messages, delivery events and the send log. Every state transition of
// the relay goes through this layer; multi-table writes for one message
// run in a single transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/mail-relay/internal/secrets"
)

// ErrNotFound is returned when a tenant, account or message does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the relational backend. All methods are safe for
// concurrent use; they share the *sql.DB pool.
type Store struct {
	db      *sql.DB
	secrets secrets.Provider
}

// New creates a Store. If sec is nil, credentials are stored unencrypted.
func New(db *sql.DB, sec secrets.Provider) *Store {
	if sec == nil {
		sec = secrets.Plaintext{}
	}
	return &Store{db: db, secrets: sec}
}

// DB exposes the underlying pool for health checks and advisory locks.
func (s *Store) DB() *sql.DB { return s.db }

// newPK generates a short internal message key.
func newPK() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:22]
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
