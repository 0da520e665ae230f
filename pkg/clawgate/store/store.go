// Package store is the durable row store behind the gate, the context
// store and the approval workflow. It keeps users, pairing requests,
// sessions, turns and pending approvals in the configured SQL backend.
// Every write that touches more than one row runs in a single transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/database"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExpired is returned when a pairing request is past its TTL.
	ErrExpired = errors.New("expired")

	// ErrAlreadyPending is returned when a user already has a pending approval.
	ErrAlreadyPending = errors.New("approval already pending")

	// ErrBlocked is returned when a pairing step finds the user blocked.
	ErrBlocked = errors.New("user is blocked")

	// ErrTrustChanged is returned when a conditional trust update finds the
	// user in a state it may not leave that way.
	ErrTrustChanged = errors.New("trust state changed")

	// ErrLimitReached is returned when a per-user quota is used up.
	ErrLimitReached = errors.New("limit reached")

	// ErrCodeExhausted is returned when no free pairing code could be generated.
	ErrCodeExhausted = errors.New("could not allocate a unique pairing code")
)

// Store implements persistence over a database.Backend.
type Store struct {
	backend *database.Backend
	db      *sql.DB
}

// New wraps an open backend.
func New(backend *database.Backend) *Store {
	return &Store{backend: backend, db: backend.DB}
}

// Backend returns the underlying database backend.
func (s *Store) Backend() *database.Backend {
	return s.backend
}

// q rebinds a '?' query for the active dialect.
func (s *Store) q(query string) string {
	return s.backend.Rebind(query)
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Stats returns aggregate counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	counts := []struct {
		query string
		args  []any
		dst   *int
	}{
		{"SELECT COUNT(*) FROM users", nil, &st.UserCount},
		{"SELECT COUNT(*) FROM sessions", nil, &st.SessionCount},
		{"SELECT COUNT(*) FROM turns", nil, &st.MessageCount},
		{"SELECT COUNT(*) FROM pairing_requests", nil, &st.PendingPairings},
		{"SELECT COUNT(*) FROM pending_approvals WHERE status = ?", []any{string(ApprovalPending)}, &st.PendingApprovals},
		{"SELECT COUNT(*) FROM users WHERE trust_state = ?", []any{string(TrustBlocked)}, &st.BlockedUsers},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, s.q(c.query), c.args...).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("stats: %w", err)
		}
	}
	return st, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
