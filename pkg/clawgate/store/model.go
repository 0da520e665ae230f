package store

import (
	"time"
)

// TrustState is where a user stands in the pairing protocol.
type TrustState string

const (
	TrustUnpaired        TrustState = "unpaired"
	TrustPendingApproval TrustState = "pending_approval"
	TrustApproved        TrustState = "approved"
	TrustBlocked         TrustState = "blocked"
)

// Valid reports whether s is a known trust state.
func (s TrustState) Valid() bool {
	switch s {
	case TrustUnpaired, TrustPendingApproval, TrustApproved, TrustBlocked:
		return true
	}
	return false
}

// User is a person reaching the assistant through a channel.
type User struct {
	ID           string
	ExternalID   string
	Channel      string
	ChatID       string
	Username     string
	DisplayName  string
	TrustState   TrustState
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActiveAt time.Time
}

// PairingRequest is an outstanding code awaiting operator approval.
type PairingRequest struct {
	Code      string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the request is past its TTL at now.
func (p *PairingRequest) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// Session is the single conversation a user has with the assistant.
type Session struct {
	ID            string
	UserID        string
	Summary       string
	SummaryTokens int
	// ContextStart is the first turn sequence included in the working
	// context. Turns before it stay in the log.
	ContextStart int64
	Degraded     bool
	Model        string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Role is the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model inside an
// assistant turn.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Turn is an immutable entry of a session's log.
type Turn struct {
	SessionID     string
	Seq           int64
	Role          Role
	Content       string
	ToolCallID    string
	ToolName      string
	ToolCalls     []ToolCall
	TokenEstimate int
	CreatedAt     time.Time
}

// ApprovalStatus is the lifecycle state of a tool approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalApproved || s == ApprovalDenied || s == ApprovalExpired
}

// Approval is a dangerous tool call waiting for the user's decision.
type Approval struct {
	ID          string
	UserID      string
	SessionID   string
	ToolName    string
	ToolCallID  string
	Arguments   string
	Risk        string
	Status      ApprovalStatus
	RequestedAt time.Time
	ExpiresAt   time.Time
	ResolvedAt  time.Time
}

// Stats are aggregate counts for the admin surface.
type Stats struct {
	UserCount        int `json:"user_count"`
	SessionCount     int `json:"session_count"`
	MessageCount     int `json:"message_count"`
	PendingPairings  int `json:"pending_pairings"`
	PendingApprovals int `json:"pending_approvals"`
	BlockedUsers     int `json:"blocked_users"`
}

// Reminder is a message the assistant sends a user later. A one-shot
// reminder has no Schedule; a recurring one carries a cron expression and
// is rescheduled after each run.
type Reminder struct {
	ID        string
	UserID    string
	Message   string
	Schedule  string
	NextRun   time.Time
	CreatedAt time.Time
}

// Recurring reports whether the reminder repeats.
func (r *Reminder) Recurring() bool { return r.Schedule != "" }
