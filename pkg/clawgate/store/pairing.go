package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// maxCodeAttempts bounds code generation when codes collide.
const maxCodeAttempts = 16

func scanPairing(row rowScanner) (*PairingRequest, error) {
	var (
		p               PairingRequest
		issued, expires int64
	)
	err := row.Scan(&p.Code, &p.UserID, &issued, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.IssuedAt = fromMillis(issued)
	p.ExpiresAt = fromMillis(expires)
	return &p, nil
}

// IssuePairing returns the user's unexpired pairing request, or replaces an
// expired one with a fresh code from gen. The user moves to
// PendingApproval in the same transaction, but only from Unpaired or
// PendingApproval: a blocked user gets ErrBlocked and no code. Codes are
// unique among stored requests.
func (s *Store) IssuePairing(ctx context.Context, userID string, now time.Time, ttl time.Duration, gen func() string) (*PairingRequest, error) {
	var out *PairingRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// A block that landed since the caller read the user wins.
		if err := moveTrustStateTx(ctx, tx, s, userID, TrustPendingApproval, now,
			TrustUnpaired, TrustPendingApproval); err != nil {
			return err
		}

		existing, err := scanPairing(tx.QueryRowContext(ctx,
			s.q("SELECT code, user_id, issued_at, expires_at FROM pairing_requests WHERE user_id = ?"), userID))
		switch {
		case err == nil && !existing.Expired(now):
			out = existing
			return nil
		case err == nil:
			if _, err := tx.ExecContext(ctx, s.q("DELETE FROM pairing_requests WHERE user_id = ?"), userID); err != nil {
				return fmt.Errorf("drop expired pairing: %w", err)
			}
		case !errors.Is(err, ErrNotFound):
			return fmt.Errorf("load pairing: %w", err)
		}

		code, err := s.freeCode(ctx, tx, now, gen)
		if err != nil {
			return err
		}
		p := &PairingRequest{Code: code, UserID: userID, IssuedAt: now, ExpiresAt: now.Add(ttl)}
		_, err = tx.ExecContext(ctx,
			s.q("INSERT INTO pairing_requests (code, user_id, issued_at, expires_at) VALUES (?, ?, ?, ?)"),
			p.Code, p.UserID, toMillis(p.IssuedAt), toMillis(p.ExpiresAt))
		if err != nil {
			return fmt.Errorf("insert pairing: %w", err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// freeCode draws codes until one is not held by a live request. An expired
// holder is evicted.
func (s *Store) freeCode(ctx context.Context, tx *sql.Tx, now time.Time, gen func() string) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code := gen()
		var expires int64
		err := tx.QueryRowContext(ctx, s.q("SELECT expires_at FROM pairing_requests WHERE code = ?"), code).Scan(&expires)
		if errors.Is(err, sql.ErrNoRows) {
			return code, nil
		}
		if err != nil {
			return "", fmt.Errorf("check pairing code: %w", err)
		}
		if expires <= toMillis(now) {
			if _, err := tx.ExecContext(ctx, s.q("DELETE FROM pairing_requests WHERE code = ?"), code); err != nil {
				return "", fmt.Errorf("evict expired code: %w", err)
			}
			return code, nil
		}
	}
	return "", ErrCodeExhausted
}

// ApprovePairing consumes code and moves its owner to Approved in one
// transaction. An expired code is deleted and ErrExpired returned; an
// unknown or already consumed code yields ErrNotFound. A blocked owner
// stays blocked: nothing is written and ErrBlocked is returned.
func (s *Store) ApprovePairing(ctx context.Context, code string, now time.Time) (*User, error) {
	var (
		userID  string
		expired bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := scanPairing(tx.QueryRowContext(ctx,
			s.q("SELECT code, user_id, issued_at, expires_at FROM pairing_requests WHERE code = ?"), code))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM pairing_requests WHERE code = ?"), code); err != nil {
			return fmt.Errorf("consume pairing: %w", err)
		}
		if p.Expired(now) {
			expired = true
			return nil
		}
		userID = p.UserID
		return moveTrustStateTx(ctx, tx, s, p.UserID, TrustApproved, now,
			TrustUnpaired, TrustPendingApproval, TrustApproved)
	})
	if err != nil {
		return nil, err
	}
	if expired {
		return nil, ErrExpired
	}
	return s.GetUser(ctx, userID)
}

// PairingForUser returns the stored request of a user.
func (s *Store) PairingForUser(ctx context.Context, userID string) (*PairingRequest, error) {
	p, err := scanPairing(s.db.QueryRowContext(ctx,
		s.q("SELECT code, user_id, issued_at, expires_at FROM pairing_requests WHERE user_id = ?"), userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("pairing for user: %w", err)
	}
	return p, err
}

// ListPairings returns the requests still valid at now, oldest first.
func (s *Store) ListPairings(ctx context.Context, now time.Time) ([]*PairingRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q("SELECT code, user_id, issued_at, expires_at FROM pairing_requests WHERE expires_at > ? ORDER BY issued_at"),
		toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list pairings: %w", err)
	}
	defer rows.Close()

	var out []*PairingRequest
	for rows.Next() {
		p, err := scanPairing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pairing: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PurgeExpiredPairings deletes requests past their TTL.
func (s *Store) PurgeExpiredPairings(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM pairing_requests WHERE expires_at <= ?"), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("purge pairings: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
