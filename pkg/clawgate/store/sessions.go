package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, user_id, summary, summary_tokens, context_start, degraded,
	model, created_at, last_activity`

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess              Session
		degraded          int
		created, lastSeen int64
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Summary, &sess.SummaryTokens,
		&sess.ContextStart, &degraded, &sess.Model, &created, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Degraded = degraded != 0
	sess.CreatedAt = fromMillis(created)
	sess.LastActivity = fromMillis(lastSeen)
	return &sess, nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		s.q("SELECT "+sessionColumns+" FROM sessions WHERE id = ?"), id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, err
}

// SessionForUser loads the session owned by userID.
func (s *Store) SessionForUser(ctx context.Context, userID string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		s.q("SELECT "+sessionColumns+" FROM sessions WHERE user_id = ?"), userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("session for user %s: %w", userID, err)
	}
	return sess, err
}

// GetOrCreateSession returns the user's session, creating it on first use.
func (s *Store) GetOrCreateSession(ctx context.Context, userID string, now time.Time) (*Session, error) {
	sess, err := s.SessionForUser(ctx, userID)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return sess, err
	}

	sess = &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		ContextStart: 1,
		CreatedAt:    now,
		LastActivity: now,
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO sessions
		(id, user_id, summary, summary_tokens, context_start, degraded, model, created_at, last_activity)
		VALUES (?, ?, '', 0, 1, 0, '', ?, ?)`),
		sess.ID, sess.UserID, toMillis(now), toMillis(now))
	if err != nil {
		if existing, lookupErr := s.SessionForUser(ctx, userID); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// AppendTurn assigns the next sequence number to t, stores it and bumps
// the session's last activity. Nothing is written if any step fails.
func (s *Store) AppendTurn(ctx context.Context, t *Turn) error {
	var calls string
	if len(t.ToolCalls) > 0 {
		b, err := json.Marshal(t.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		calls = string(b)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var next int64
		err := tx.QueryRowContext(ctx,
			s.q("SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?"), t.SessionID).Scan(&next)
		if err != nil {
			return fmt.Errorf("next turn seq: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO turns
			(session_id, seq, role, content, tool_call_id, tool_name, tool_calls, token_estimate, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			t.SessionID, next, string(t.Role), t.Content, t.ToolCallID, t.ToolName, calls,
			t.TokenEstimate, toMillis(t.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q("UPDATE sessions SET last_activity = ? WHERE id = ?"),
			toMillis(t.CreatedAt), t.SessionID)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		t.Seq = next
		return nil
	})
}

// TurnsFrom returns the turns of a session with seq >= from, oldest first.
func (s *Store) TurnsFrom(ctx context.Context, sessionID string, from int64) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT session_id, seq, role, content, tool_call_id,
		tool_name, tool_calls, token_estimate, created_at
		FROM turns WHERE session_id = ? AND seq >= ? ORDER BY seq`), sessionID, from)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t       Turn
			role    string
			calls   string
			created int64
		)
		if err := rows.Scan(&t.SessionID, &t.Seq, &role, &t.Content, &t.ToolCallID,
			&t.ToolName, &calls, &t.TokenEstimate, &created); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		t.CreatedAt = fromMillis(created)
		if calls != "" {
			if err := json.Unmarshal([]byte(calls), &t.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of turn %d: %w", t.Seq, err)
			}
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// CountTurns returns the number of durable turns in a session.
func (s *Store) CountTurns(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM turns WHERE session_id = ?"), sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	return n, nil
}

// SetWorkingContext records the outcome of a compaction: the new summary
// and the first turn still included verbatim.
func (s *Store) SetWorkingContext(ctx context.Context, sessionID, summary string, summaryTokens int, start int64, degraded bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions
		SET summary = ?, summary_tokens = ?, context_start = ?, degraded = ? WHERE id = ?`),
		summary, summaryTokens, start, boolInt(degraded), sessionID)
	if err != nil {
		return fmt.Errorf("set working context: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearContext moves the working-context pointer past every stored turn
// and drops the summary. Turns stay in the log.
func (s *Store) ClearContext(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var next int64
		err := tx.QueryRowContext(ctx,
			s.q("SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?"), sessionID).Scan(&next)
		if err != nil {
			return fmt.Errorf("next turn seq: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`UPDATE sessions
			SET summary = '', summary_tokens = 0, context_start = ?, degraded = 0 WHERE id = ?`),
			next, sessionID)
		if err != nil {
			return fmt.Errorf("clear context: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// WipeSession erases every turn of the session and resets it.
func (s *Store) WipeSession(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM turns WHERE session_id = ?"), sessionID); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		res, err := tx.ExecContext(ctx, s.q(`UPDATE sessions
			SET summary = '', summary_tokens = 0, context_start = 1, degraded = 0 WHERE id = ?`), sessionID)
		if err != nil {
			return fmt.Errorf("reset session: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetSessionModel selects the model used for a session.
func (s *Store) SetSessionModel(ctx context.Context, sessionID, model string) error {
	_, err := s.db.ExecContext(ctx, s.q("UPDATE sessions SET model = ? WHERE id = ?"), model, sessionID)
	if err != nil {
		return fmt.Errorf("set session model: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
