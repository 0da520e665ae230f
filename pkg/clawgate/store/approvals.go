package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/database"
)

const approvalColumns = `id, user_id, session_id, tool_name, tool_call_id, arguments,
	risk, status, requested_at, expires_at, resolved_at`

func scanApproval(row rowScanner) (*Approval, error) {
	var (
		a                           Approval
		status                      string
		requested, expires, resolved int64
	)
	err := row.Scan(&a.ID, &a.UserID, &a.SessionID, &a.ToolName, &a.ToolCallID,
		&a.Arguments, &a.Risk, &status, &requested, &expires, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = ApprovalStatus(status)
	a.RequestedAt = fromMillis(requested)
	a.ExpiresAt = fromMillis(expires)
	a.ResolvedAt = fromMillis(resolved)
	return &a, nil
}

// CreateApproval stores a new pending approval. It fails with
// ErrAlreadyPending when the user already has one; the partial unique index
// on pending_approvals backs the check against concurrent writers.
func (s *Store) CreateApproval(ctx context.Context, a *Approval) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx,
			s.q("SELECT COUNT(*) FROM pending_approvals WHERE user_id = ? AND status = ?"),
			a.UserID, string(ApprovalPending)).Scan(&n)
		if err != nil {
			return fmt.Errorf("check pending approvals: %w", err)
		}
		if n > 0 {
			return ErrAlreadyPending
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO pending_approvals
			(id, user_id, session_id, tool_name, tool_call_id, arguments, risk, status, requested_at, expires_at, resolved_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`),
			a.ID, a.UserID, a.SessionID, a.ToolName, a.ToolCallID, a.Arguments, a.Risk,
			string(ApprovalPending), toMillis(a.RequestedAt), toMillis(a.ExpiresAt))
		if err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		return nil
	})
	if database.IsDuplicateKey(err) {
		// Only the one-pending-per-user index means a concurrent request
		// won; an id collision is a plain failure.
		if _, perr := s.PendingApprovalForUser(ctx, a.UserID); perr == nil {
			return ErrAlreadyPending
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	if err == nil {
		a.Status = ApprovalPending
	}
	return err
}

// GetApproval loads an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (*Approval, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx,
		s.q("SELECT "+approvalColumns+" FROM pending_approvals WHERE id = ?"), id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get approval %s: %w", id, err)
	}
	return a, err
}

// PendingApprovalForUser returns the user's pending approval.
func (s *Store) PendingApprovalForUser(ctx context.Context, userID string) (*Approval, error) {
	a, err := scanApproval(s.db.QueryRowContext(ctx,
		s.q("SELECT "+approvalColumns+" FROM pending_approvals WHERE user_id = ? AND status = ?"),
		userID, string(ApprovalPending)))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("pending approval for user: %w", err)
	}
	return a, err
}

// TransitionApproval moves a pending approval to a terminal status. Only
// one caller can win; the others get ErrNotFound.
func (s *Store) TransitionApproval(ctx context.Context, id string, to ApprovalStatus, now time.Time) error {
	if !to.Terminal() {
		return fmt.Errorf("invalid approval transition to %q", to)
	}
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE pending_approvals SET status = ?, resolved_at = ? WHERE id = ? AND status = ?"),
		string(to), toMillis(now), id, string(ApprovalPending))
	if err != nil {
		return fmt.Errorf("transition approval: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListApprovals returns approvals with the given status, oldest first. An
// empty status lists all of them.
func (s *Store) ListApprovals(ctx context.Context, status ApprovalStatus) ([]*Approval, error) {
	query := "SELECT " + approvalColumns + " FROM pending_approvals"
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY requested_at"
	return s.queryApprovals(ctx, s.q(query), args...)
}

// ListOverdueApprovals returns pending approvals whose expiry is at or
// before now.
func (s *Store) ListOverdueApprovals(ctx context.Context, now time.Time) ([]*Approval, error) {
	return s.queryApprovals(ctx,
		s.q("SELECT "+approvalColumns+" FROM pending_approvals WHERE status = ? AND expires_at <= ? ORDER BY expires_at"),
		string(ApprovalPending), toMillis(now))
}

func (s *Store) queryApprovals(ctx context.Context, query string, args ...any) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
