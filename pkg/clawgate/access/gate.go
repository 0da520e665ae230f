// Package access implements the identity and pairing gate.
//
// The assistant does not answer everyone. A message reaches it only when
// the sender is on the static allowlist or has been approved through the
// pairing protocol:
//
//   - unpaired:         first contact, nothing decided yet
//   - pending_approval: holds a pairing code an operator has not approved yet
//   - approved:         may talk to the assistant
//   - blocked:          never reaches the assistant
//
// Trust only moves forward (unpaired → pending_approval → approved), except
// for explicit operator block and unblock.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

var (
	// ErrPairingNotFound means no pending request carries the code.
	ErrPairingNotFound = errors.New("pairing code not found")

	// ErrPairingExpired means the code existed but its TTL had passed.
	ErrPairingExpired = errors.New("pairing code expired")

	// ErrUserNotFound means the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrUserBlocked means the code's owner was blocked; the code stays
	// unused.
	ErrUserBlocked = errors.New("user is blocked")
)

// Config holds the gate configuration.
type Config struct {
	// AllowedUsers are external ids or usernames that skip pairing.
	AllowedUsers []string `yaml:"allowed_users" envconfig:"ALLOWED_USERS"`

	// PairingEnabled turns the pairing protocol on. When off, every user
	// that is not blocked is let through.
	PairingEnabled bool `yaml:"pairing_enabled" envconfig:"PAIRING_ENABLED"`

	// CodeLength is the number of characters of a pairing code.
	CodeLength int `yaml:"code_length"`

	// CodeTTL is how long a pairing code stays valid.
	CodeTTL time.Duration `yaml:"code_ttl"`
}

// DefaultConfig returns pairing on, 6-character codes valid for 24h.
func DefaultConfig() Config {
	return Config{
		PairingEnabled: true,
		CodeLength:     6,
		CodeTTL:        24 * time.Hour,
	}
}

// Store is the persistence the gate needs.
type Store interface {
	EnsureUser(ctx context.Context, u store.User) (*store.User, bool, error)
	TouchUser(ctx context.Context, u *store.User, now time.Time) error
	FindUser(ctx context.Context, ref string) (*store.User, error)
	SetTrustState(ctx context.Context, userID string, state store.TrustState, now time.Time) error
	BlockUser(ctx context.Context, userID string, now time.Time) error
	IssuePairing(ctx context.Context, userID string, now time.Time, ttl time.Duration, gen func() string) (*store.PairingRequest, error)
	ApprovePairing(ctx context.Context, code string, now time.Time) (*store.User, error)
	ListPairings(ctx context.Context, now time.Time) ([]*store.PairingRequest, error)
	PurgeExpiredPairings(ctx context.Context, now time.Time) (int, error)
}

// Identity describes the sender of an inbound message.
type Identity struct {
	ExternalID  string
	Channel     string
	ChatID      string
	Username    string
	DisplayName string
}

// Verdict is the outcome kind of Admit.
type Verdict int

const (
	Allow Verdict = iota
	AwaitPairing
	Denied
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case AwaitPairing:
		return "await_pairing"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// Decision is the result of Admit.
type Decision struct {
	Verdict Verdict
	User    *store.User

	// Code and ExpiresAt are set for AwaitPairing.
	Code      string
	ExpiresAt time.Time
}

// Gate decides whether an inbound message may reach the assistant.
type Gate struct {
	cfg     Config
	store   Store
	allowed map[string]bool
	logger  *slog.Logger

	now     func() time.Time
	newID   func() string
	newCode func() string
}

// Option customizes a Gate.
type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithCodeGenerator overrides pairing code generation.
func WithCodeGenerator(gen func() string) Option {
	return func(g *Gate) { g.newCode = gen }
}

// New creates a Gate.
func New(cfg Config, st Store, logger *slog.Logger, opts ...Option) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = def.CodeLength
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = def.CodeTTL
	}

	g := &Gate{
		cfg:     cfg,
		store:   st,
		allowed: make(map[string]bool, len(cfg.AllowedUsers)),
		logger:  logger.With("component", "access"),
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
	}
	for _, entry := range cfg.AllowedUsers {
		if key := normalizeRef(entry); key != "" {
			g.allowed[key] = true
		}
	}
	length := cfg.CodeLength
	g.newCode = func() string { return GenerateCode(length) }

	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PairingEnabled reports whether the pairing protocol is active.
func (g *Gate) PairingEnabled() bool {
	return g.cfg.PairingEnabled
}

// IsAllowlisted reports whether the identity is on the static allowlist,
// by external id or by username.
func (g *Gate) IsAllowlisted(id Identity) bool {
	if g.allowed[normalizeRef(id.ExternalID)] {
		return true
	}
	return id.Username != "" && g.allowed[normalizeRef(id.Username)]
}

// Admit decides what happens to a message from id. A blocked user is
// denied even when allowlisted; an allowlisted or approved user is let
// through; with pairing off everyone else is let through too. Otherwise
// the user gets (or keeps) a pairing code.
func (g *Gate) Admit(ctx context.Context, id Identity) (Decision, error) {
	if strings.TrimSpace(id.ExternalID) == "" {
		return Decision{}, fmt.Errorf("admit: empty external id")
	}
	now := g.now()
	allowlisted := g.IsAllowlisted(id)

	initial := store.TrustUnpaired
	if allowlisted {
		initial = store.TrustApproved
	}
	user, created, err := g.store.EnsureUser(ctx, store.User{
		ID:          g.newID(),
		ExternalID:  id.ExternalID,
		Channel:     id.Channel,
		ChatID:      id.ChatID,
		Username:    normalizeUsername(id.Username),
		DisplayName: id.DisplayName,
		TrustState:  initial,
		CreatedAt:   now,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("admit: %w", err)
	}
	if created {
		g.logger.Info("new user", "user_id", user.ID, "external_id", user.ExternalID, "trust", user.TrustState)
	} else {
		user.Channel, user.ChatID = id.Channel, id.ChatID
		user.Username, user.DisplayName = normalizeUsername(id.Username), id.DisplayName
		if err := g.store.TouchUser(ctx, user, now); err != nil {
			return Decision{}, fmt.Errorf("admit: %w", err)
		}
	}

	switch {
	case user.TrustState == store.TrustBlocked:
		return Decision{Verdict: Denied, User: user}, nil
	case allowlisted || user.TrustState == store.TrustApproved:
		return Decision{Verdict: Allow, User: user}, nil
	case !g.cfg.PairingEnabled:
		return Decision{Verdict: Allow, User: user}, nil
	}

	req, err := g.store.IssuePairing(ctx, user.ID, now, g.cfg.CodeTTL, g.newCode)
	switch {
	case errors.Is(err, store.ErrBlocked):
		// Blocked between the read above and the issue.
		user.TrustState = store.TrustBlocked
		g.logger.Info("pairing refused, user blocked meanwhile", "user_id", user.ID)
		return Decision{Verdict: Denied, User: user}, nil
	case errors.Is(err, store.ErrTrustChanged):
		// Approved meanwhile; the operator's decision stands.
		user.TrustState = store.TrustApproved
		return Decision{Verdict: Allow, User: user}, nil
	case err != nil:
		return Decision{}, fmt.Errorf("admit: issue pairing: %w", err)
	}
	if user.TrustState != store.TrustPendingApproval {
		user.TrustState = store.TrustPendingApproval
		g.logger.Info("pairing requested",
			"user_id", user.ID, "external_id", user.ExternalID, "code", req.Code, "expires_at", req.ExpiresAt)
	}
	return Decision{Verdict: AwaitPairing, User: user, Code: req.Code, ExpiresAt: req.ExpiresAt}, nil
}

// Approve consumes a pairing code and approves its owner atomically.
func (g *Gate) Approve(ctx context.Context, code string) (*store.User, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	user, err := g.store.ApprovePairing(ctx, code, g.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrPairingNotFound
	case errors.Is(err, store.ErrExpired):
		g.logger.Info("expired pairing code rejected", "code", code)
		return nil, ErrPairingExpired
	case errors.Is(err, store.ErrBlocked):
		g.logger.Warn("pairing code of a blocked user rejected", "code", code)
		return nil, ErrUserBlocked
	case err != nil:
		return nil, fmt.Errorf("approve pairing: %w", err)
	}
	g.logger.Info("pairing approved", "user_id", user.ID, "external_id", user.ExternalID, "code", code)
	return user, nil
}

// Block denies a user from now on. ref is an internal id, external id or
// username.
func (g *Gate) Block(ctx context.Context, ref string) (*store.User, error) {
	user, err := g.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if err := g.store.BlockUser(ctx, user.ID, g.now()); err != nil {
		return nil, fmt.Errorf("block user: %w", err)
	}
	user.TrustState = store.TrustBlocked
	g.logger.Warn("user blocked", "user_id", user.ID, "external_id", user.ExternalID)
	return user, nil
}

// Unblock lifts a block. The user comes back approved: an operator who
// unblocks someone vouches for them.
func (g *Gate) Unblock(ctx context.Context, ref string) (*store.User, error) {
	user, err := g.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	if user.TrustState != store.TrustBlocked {
		return user, nil
	}
	if err := g.store.SetTrustState(ctx, user.ID, store.TrustApproved, g.now()); err != nil {
		return nil, fmt.Errorf("unblock user: %w", err)
	}
	user.TrustState = store.TrustApproved
	g.logger.Info("user unblocked", "user_id", user.ID, "external_id", user.ExternalID)
	return user, nil
}

// ListPending returns the outstanding pairing requests.
func (g *Gate) ListPending(ctx context.Context) ([]*store.PairingRequest, error) {
	return g.store.ListPairings(ctx, g.now())
}

// PurgeExpired deletes pairing requests past their TTL.
func (g *Gate) PurgeExpired(ctx context.Context) (int, error) {
	n, err := g.store.PurgeExpiredPairings(ctx, g.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		g.logger.Debug("expired pairing requests purged", "count", n)
	}
	return n, nil
}

func (g *Gate) lookup(ctx context.Context, ref string) (*store.User, error) {
	user, err := g.store.FindUser(ctx, strings.TrimSpace(ref))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

// normalizeRef canonicalizes an allowlist entry or identifier.
func normalizeRef(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "@")
	return strings.ToLower(s)
}

func normalizeUsername(s string) string {
	return strings.TrimPrefix(strings.TrimSpace(s), "@")
}
