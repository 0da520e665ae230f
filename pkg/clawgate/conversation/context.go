// Package conversation keeps each session's working context: the slice of
// the durable turn log sent to the model, plus the rolling summary that
// replaces older turns once the context outgrows its token budget.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

// turnOverhead approximates the per-message framing tokens.
const turnOverhead = 20

// EstimateTokens is a tokenizer-free estimate: about four characters per
// token plus framing. It grows with content length and is deterministic.
func EstimateTokens(content string) int {
	return (utf8.RuneCountInString(content) + turnOverhead + 3) / 4
}

// TurnTokens estimates a turn including the tool calls it carries.
func TurnTokens(t *store.Turn) int {
	n := utf8.RuneCountInString(t.Content)
	for _, tc := range t.ToolCalls {
		n += utf8.RuneCountInString(tc.Name) + utf8.RuneCountInString(tc.Arguments)
	}
	return (n + turnOverhead + 3) / 4
}

// Store is the persistence the context layer needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
	AppendTurn(ctx context.Context, t *store.Turn) error
	TurnsFrom(ctx context.Context, sessionID string, from int64) ([]store.Turn, error)
	SetWorkingContext(ctx context.Context, sessionID, summary string, summaryTokens int, start int64, degraded bool) error
	ClearContext(ctx context.Context, sessionID string) error
	WipeSession(ctx context.Context, sessionID string) error
}

// WorkingContext is what the model sees of a session.
type WorkingContext struct {
	SessionID     string
	Summary       string
	SummaryTokens int
	Turns         []store.Turn
	Degraded      bool
	// Start is the sequence of the first turn in the context.
	Start int64
}

// Tokens is the estimated size of the whole working context.
func (w *WorkingContext) Tokens() int {
	total := w.SummaryTokens
	for i := range w.Turns {
		total += w.Turns[i].TokenEstimate
	}
	return total
}

// summaryPrefix introduces the rolling summary in the prompt.
const summaryPrefix = "Summary of the earlier conversation:\n"

// Messages renders the working context for a model call. Tool results
// whose originating call is no longer in the context are rendered as plain
// notes so the request stays well-formed.
func (w *WorkingContext) Messages() []provider.Message {
	msgs := make([]provider.Message, 0, len(w.Turns)+1)
	if w.Summary != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: summaryPrefix + w.Summary})
	}
	open := make(map[string]bool)
	for _, t := range w.Turns {
		switch t.Role {
		case store.RoleAssistant:
			m := provider.Message{Role: provider.RoleAssistant, Content: t.Content}
			for _, tc := range t.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, provider.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
				open[tc.ID] = true
			}
			msgs = append(msgs, m)
		case store.RoleTool:
			if open[t.ToolCallID] {
				msgs = append(msgs, provider.Message{Role: provider.RoleTool, Content: t.Content, ToolCallID: t.ToolCallID})
				delete(open, t.ToolCallID)
				continue
			}
			msgs = append(msgs, provider.Message{
				Role:    provider.RoleUser,
				Content: fmt.Sprintf("[earlier result of tool %s]\n%s", t.ToolName, t.Content),
			})
		default:
			msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: t.Content})
		}
	}
	return msgs
}

// ContextStore appends turns and assembles working contexts.
type ContextStore struct {
	st     Store
	logger *slog.Logger
}

// NewContextStore wraps a Store.
func NewContextStore(st Store, logger *slog.Logger) *ContextStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextStore{st: st, logger: logger.With("component", "context")}
}

// Append stores t, filling in its token estimate and timestamp when unset.
// t.Seq is assigned by the store.
func (c *ContextStore) Append(ctx context.Context, t *store.Turn) error {
	if t.SessionID == "" {
		return fmt.Errorf("append turn: missing session id")
	}
	if t.TokenEstimate == 0 {
		t.TokenEstimate = TurnTokens(t)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if err := c.st.AppendTurn(ctx, t); err != nil {
		return fmt.Errorf("append turn to %s: %w", t.SessionID, err)
	}
	return nil
}

// WorkingContext loads the current working context of a session.
func (c *ContextStore) WorkingContext(ctx context.Context, sessionID string) (*WorkingContext, error) {
	sess, err := c.st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	turns, err := c.st.TurnsFrom(ctx, sessionID, sess.ContextStart)
	if err != nil {
		return nil, err
	}
	return &WorkingContext{
		SessionID:     sessionID,
		Summary:       sess.Summary,
		SummaryTokens: sess.SummaryTokens,
		Turns:         turns,
		Degraded:      sess.Degraded,
		Start:         sess.ContextStart,
	}, nil
}

// Clear empties the working context. The turn log is kept.
func (c *ContextStore) Clear(ctx context.Context, sessionID string) error {
	if err := c.st.ClearContext(ctx, sessionID); err != nil {
		return fmt.Errorf("clear context of %s: %w", sessionID, err)
	}
	c.logger.Info("working context cleared", "session", sessionID)
	return nil
}

// Wipe irreversibly erases the session's turn log.
func (c *ContextStore) Wipe(ctx context.Context, sessionID string) error {
	if err := c.st.WipeSession(ctx, sessionID); err != nil {
		return fmt.Errorf("wipe session %s: %w", sessionID, err)
	}
	c.logger.Warn("session wiped", "session", sessionID)
	return nil
}

// transcript renders turns as plain text for summarization.
func transcript(turns []store.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		switch t.Role {
		case store.RoleTool:
			fmt.Fprintf(&b, "[tool %s result]: %s\n", t.ToolName, t.Content)
		case store.RoleAssistant:
			if t.Content != "" {
				fmt.Fprintf(&b, "assistant: %s\n", t.Content)
			}
			for _, tc := range t.ToolCalls {
				fmt.Fprintf(&b, "assistant called %s(%s)\n", tc.Name, tc.Arguments)
			}
		default:
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
	}
	return b.String()
}
