package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const reminderColumns = "id, user_id, message, schedule, next_run, created_at"

func scanReminder(row rowScanner) (*Reminder, error) {
	var (
		r             Reminder
		next, created int64
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Message, &r.Schedule, &next, &created); err != nil {
		return nil, err
	}
	r.NextRun = fromMillis(next)
	r.CreatedAt = fromMillis(created)
	return &r, nil
}

// CreateReminder stores r. It fails when the user already holds max
// reminders; max <= 0 means no limit.
func (s *Store) CreateReminder(ctx context.Context, r *Reminder, max int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if max > 0 {
			var n int
			err := tx.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM reminders WHERE user_id = ?"), r.UserID).Scan(&n)
			if err != nil {
				return fmt.Errorf("count reminders: %w", err)
			}
			if n >= max {
				return fmt.Errorf("%w: %d reminders already set", ErrLimitReached, n)
			}
		}
		_, err := tx.ExecContext(ctx,
			s.q("INSERT INTO reminders ("+reminderColumns+") VALUES (?, ?, ?, ?, ?, ?)"),
			r.ID, r.UserID, r.Message, r.Schedule, toMillis(r.NextRun), toMillis(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
		return nil
	})
}

// ListReminders returns the user's reminders, soonest first.
func (s *Store) ListReminders(ctx context.Context, userID string) ([]*Reminder, error) {
	return s.queryReminders(ctx,
		s.q("SELECT "+reminderColumns+" FROM reminders WHERE user_id = ? ORDER BY next_run, id"), userID)
}

// DueReminders returns reminders whose next run is at or before now.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]*Reminder, error) {
	return s.queryReminders(ctx,
		s.q("SELECT "+reminderColumns+" FROM reminders WHERE next_run <= ? ORDER BY next_run, id"), toMillis(now))
}

// DeleteReminder removes one of the user's reminders. Another user's id
// yields ErrNotFound.
func (s *Store) DeleteReminder(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM reminders WHERE id = ? AND user_id = ?"), id, userID)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUserReminders removes every reminder of a user.
func (s *Store) DeleteUserReminders(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q("DELETE FROM reminders WHERE user_id = ?"), userID)
	if err != nil {
		return 0, fmt.Errorf("delete reminders: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AdvanceReminder moves a recurring reminder to next. It only succeeds
// while the reminder still has the run time the caller saw, so a run is
// claimed once; a lost claim yields ErrNotFound.
func (s *Store) AdvanceReminder(ctx context.Context, r *Reminder, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		s.q("UPDATE reminders SET next_run = ? WHERE id = ? AND next_run = ?"),
		toMillis(next), r.ID, toMillis(r.NextRun))
	if err != nil {
		return fmt.Errorf("advance reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) queryReminders(ctx context.Context, query string, args ...any) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var out []*Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
