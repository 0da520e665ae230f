package copilot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/access"
	"github.com/jholhewres/clawgate/pkg/clawgate/approval"
	"github.com/jholhewres/clawgate/pkg/clawgate/database"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

// Operator-facing operations. The CLI and the HTTP gateway both go
// through these.

// ApprovePairing approves a pairing code and tells the user.
func (a *Assistant) ApprovePairing(ctx context.Context, code string) (*store.User, error) {
	user, err := a.gate.Approve(ctx, code)
	if err != nil {
		return nil, err
	}
	a.deliver(ctx, user, fmt.Sprintf("You're paired with %s. Send a message to get started.", a.cfg.Name))
	return user, nil
}

// ListPendingPairings returns outstanding pairing requests.
func (a *Assistant) ListPendingPairings(ctx context.Context) ([]*store.PairingRequest, error) {
	return a.gate.ListPending(ctx)
}

// ListPendingApprovals returns every approval awaiting a decision.
func (a *Assistant) ListPendingApprovals(ctx context.Context) ([]*store.Approval, error) {
	return a.approvals.ListPending(ctx)
}

// ResolveApproval decides the pending approval of the referenced user on
// their behalf. The conversation resumes and the user receives the result.
// For a blocked user the approval is denied whatever the decision, nothing
// resumes and nothing is sent; approving yields access.ErrUserBlocked.
func (a *Assistant) ResolveApproval(ctx context.Context, userRef string, approve bool) (*Reply, error) {
	user, err := a.FindUser(ctx, userRef)
	if err != nil {
		return nil, err
	}

	unlock, err := a.locks.Lock(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	// Re-read under the lock: a block may have landed since the lookup.
	if user, err = a.store.GetUser(ctx, user.ID); err != nil {
		unlock()
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if user.TrustState == store.TrustBlocked {
		res, err := a.closeForBlocked(ctx, user)
		unlock()
		switch {
		case errors.Is(err, approval.ErrNotFound):
			return nil, err
		case err != nil:
			return nil, fmt.Errorf("closing approval of blocked user: %w", err)
		}
		reply := &Reply{Text: fmt.Sprintf("Denied. %s was not run.", res.Approval.ToolName)}
		if approve {
			return reply, access.ErrUserBlocked
		}
		return reply, nil
	}
	reply := a.resolveLocked(ctx, user, "", approve)
	unlock()

	switch reply.Kind {
	case KindApprovalNotFound:
		return reply, approval.ErrNotFound
	case KindInternal:
		return reply, reply.Err
	}
	a.deliver(ctx, user, reply.Text)
	return reply, nil
}

// BlockUser blocks a user.
func (a *Assistant) BlockUser(ctx context.Context, ref string) (*store.User, error) {
	return a.gate.Block(ctx, ref)
}

// UnblockUser lifts a block. The user is approved again.
func (a *Assistant) UnblockUser(ctx context.Context, ref string) (*store.User, error) {
	return a.gate.Unblock(ctx, ref)
}

// ListUsers returns every known user.
func (a *Assistant) ListUsers(ctx context.Context) ([]*store.User, error) {
	return a.store.ListUsers(ctx)
}

// WipeUserData irreversibly erases a user's conversation and reminders.
// Any approval waiting on it is expired without resuming.
func (a *Assistant) WipeUserData(ctx context.Context, ref string) (*store.User, error) {
	user, err := a.FindUser(ctx, ref)
	if err != nil {
		return nil, err
	}

	unlock, err := a.locks.Lock(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if ap, err := a.approvals.Pending(ctx, user.ID); err == nil {
		if _, err := a.approvals.Expire(ctx, ap); err != nil && !errors.Is(err, approval.ErrNotFound) {
			return nil, fmt.Errorf("expiring pending approval: %w", err)
		}
		a.refreshPendingGauge(ctx)
	}

	if _, err := a.store.DeleteUserReminders(ctx, user.ID); err != nil {
		return nil, err
	}

	sess, err := a.store.SessionForUser(ctx, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		return user, nil
	}
	if err != nil {
		return nil, err
	}
	if err := a.contexts.Wipe(ctx, sess.ID); err != nil {
		return nil, err
	}
	a.logger.Warn("user data wiped", "user", user.ID)
	return user, nil
}

// Stats returns aggregate counts.
func (a *Assistant) Stats(ctx context.Context) (*store.Stats, error) {
	return a.store.Stats(ctx)
}

// Health is the assistant's readiness snapshot.
type Health struct {
	Status    string                `json:"status"`
	Database  database.HealthStatus `json:"database"`
	Model     string                `json:"model"`
	CheckedAt time.Time             `json:"checked_at"`
}

// Health checks the storage backend.
func (a *Assistant) Health(ctx context.Context) Health {
	h := Health{
		Status:    "ok",
		Model:     a.cfg.Provider.Model,
		CheckedAt: a.now(),
	}
	if b := a.store.Backend(); b != nil {
		h.Database = b.Status(ctx)
		if !h.Database.Healthy {
			h.Status = "degraded"
		}
	}
	return h
}

// FindUser resolves a user by internal id, external id or @username.
func (a *Assistant) FindUser(ctx context.Context, ref string) (*store.User, error) {
	user, err := a.store.FindUser(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", access.ErrUserNotFound, ref)
	}
	return user, err
}
