package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/database"
)

const userColumns = `id, external_id, channel, chat_id, username, display_name,
	trust_state, created_at, updated_at, last_active_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u                          User
		state                      string
		created, updated, lastSeen int64
	)
	err := row.Scan(&u.ID, &u.ExternalID, &u.Channel, &u.ChatID, &u.Username,
		&u.DisplayName, &state, &created, &updated, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.TrustState = TrustState(state)
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	u.LastActiveAt = fromMillis(lastSeen)
	return &u, nil
}

// GetUser loads a user by internal id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+userColumns+" FROM users WHERE id = ?"), id)
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, err
}

// GetUserByExternalID loads a user by channel identifier.
func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+userColumns+" FROM users WHERE external_id = ?"), externalID)
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get user by external id: %w", err)
	}
	return u, err
}

// FindUser resolves an operator-supplied reference: internal id, external
// id or username (with or without a leading '@').
func (s *Store) FindUser(ctx context.Context, ref string) (*User, error) {
	if u, err := s.GetUser(ctx, ref); err == nil || !errors.Is(err, ErrNotFound) {
		return u, err
	}
	if u, err := s.GetUserByExternalID(ctx, ref); err == nil || !errors.Is(err, ErrNotFound) {
		return u, err
	}
	name := ref
	if len(name) > 1 && name[0] == '@' {
		name = name[1:]
	}
	row := s.db.QueryRowContext(ctx,
		s.q("SELECT "+userColumns+" FROM users WHERE username = ? ORDER BY created_at LIMIT 1"), name)
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find user %q: %w", ref, err)
	}
	return u, err
}

// EnsureUser returns the user with u.ExternalID, creating it from u when it
// does not exist. The boolean reports whether the user was created.
func (s *Store) EnsureUser(ctx context.Context, u User) (*User, bool, error) {
	existing, err := s.GetUserByExternalID(ctx, u.ExternalID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if !u.TrustState.Valid() {
		u.TrustState = TrustUnpaired
	}
	ts := toMillis(u.CreatedAt)
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO users
		(id, external_id, channel, chat_id, username, display_name, trust_state, created_at, updated_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		u.ID, u.ExternalID, u.Channel, u.ChatID, u.Username, u.DisplayName,
		string(u.TrustState), ts, ts, ts)
	if database.IsDuplicateKey(err) {
		// Lost a race with another writer; the row is there now.
		existing, err := s.GetUserByExternalID(ctx, u.ExternalID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("create user: %w", err)
	}
	u.UpdatedAt = u.CreatedAt
	u.LastActiveAt = u.CreatedAt
	return &u, true, nil
}

// TouchUser refreshes profile fields that change over time and records
// activity. Empty values leave the stored field untouched.
func (s *Store) TouchUser(ctx context.Context, u *User, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET
		channel = CASE WHEN ? = '' THEN channel ELSE ? END,
		chat_id = CASE WHEN ? = '' THEN chat_id ELSE ? END,
		username = CASE WHEN ? = '' THEN username ELSE ? END,
		display_name = CASE WHEN ? = '' THEN display_name ELSE ? END,
		last_active_at = ?
		WHERE id = ?`),
		u.Channel, u.Channel, u.ChatID, u.ChatID, u.Username, u.Username,
		u.DisplayName, u.DisplayName, toMillis(now), u.ID)
	if err != nil {
		return fmt.Errorf("touch user %s: %w", u.ID, err)
	}
	return nil
}

// SetTrustState moves a user to state.
func (s *Store) SetTrustState(ctx context.Context, userID string, state TrustState, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return setTrustStateTx(ctx, tx, s, userID, state, now)
	})
}

func setTrustStateTx(ctx context.Context, tx *sql.Tx, s *Store, userID string, state TrustState, now time.Time) error {
	res, err := tx.ExecContext(ctx, s.q("UPDATE users SET trust_state = ?, updated_at = ? WHERE id = ?"),
		string(state), toMillis(now), userID)
	if err != nil {
		return fmt.Errorf("set trust state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// moveTrustStateTx moves a user to state only when the current state is
// one of from. A user found Blocked yields ErrBlocked, any other mismatch
// ErrTrustChanged.
func moveTrustStateTx(ctx context.Context, tx *sql.Tx, s *Store, userID string, state TrustState, now time.Time, from ...TrustState) error {
	query := "UPDATE users SET trust_state = ?, updated_at = ? WHERE id = ? AND trust_state IN (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ") + ")"
	args := []any{string(state), toMillis(now), userID}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := tx.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("set trust state: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var current string
	err = tx.QueryRowContext(ctx, s.q("SELECT trust_state FROM users WHERE id = ?"), userID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("read trust state: %w", err)
	case TrustState(current) == TrustBlocked:
		return ErrBlocked
	}
	return fmt.Errorf("%w: user is %s", ErrTrustChanged, current)
}

// BlockUser marks the user Blocked and drops any outstanding pairing
// request, atomically.
func (s *Store) BlockUser(ctx context.Context, userID string, now time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := setTrustStateTx(ctx, tx, s, userID, TrustBlocked, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM pairing_requests WHERE user_id = ?"), userID); err != nil {
			return fmt.Errorf("drop pairing request: %w", err)
		}
		return nil
	})
}

// ListUsers returns all users, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
