package copilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/clawgate/pkg/clawgate/approval"
	"github.com/jholhewres/clawgate/pkg/clawgate/scheduler"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// resolveLocked applies the user's decision on their pending approval and
// resumes the conversation. The caller holds the user's lock.
func (a *Assistant) resolveLocked(ctx context.Context, user *store.User, id string, approve bool) *Reply {
	logger := a.logger.With("user", user.ID)

	runCtx := tools.WithCaller(ctx, tools.Caller{UserID: user.ID})
	res, err := a.approvals.Resolve(runCtx, user.ID, id, approve)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		text := "There is no pending approval."
		if id != "" {
			text = fmt.Sprintf("There is no pending approval with id %s.", id)
		}
		return errorReply(KindApprovalNotFound, text, nil)

	case errors.Is(err, approval.ErrExpired):
		a.metrics.Approval("expired")
		a.refreshPendingGauge(ctx)
		reply := a.resume(ctx, user, res, logger)
		reply.Text = joinText(fmt.Sprintf("The approval for %s had already expired, so it was not run.",
			res.Approval.ToolName), reply.Text)
		if reply.Kind == KindNone {
			reply.Kind = KindApprovalExpired
		}
		return reply

	case err != nil:
		logger.Error("resolving approval failed", "error", err)
		return errorReply(KindInternal, "Something went wrong on my side. Please try again later.", err)
	}

	var header string
	if approve {
		a.metrics.Approval("approved")
		header = fmt.Sprintf("Approved. Ran %s.", res.Approval.ToolName)
	} else {
		a.metrics.Approval("denied")
		header = fmt.Sprintf("Denied. %s was not run.", res.Approval.ToolName)
	}
	a.refreshPendingGauge(ctx)

	reply := a.resume(ctx, user, res, logger)
	reply.Text = joinText(header, reply.Text)
	return reply
}

// resume records a finished approval in the session log and lets the
// model continue from it.
func (a *Assistant) resume(ctx context.Context, user *store.User, res *approval.Resolution, logger *slog.Logger) *Reply {
	if _, err := a.recordOutcome(ctx, res); err != nil {
		return errorReply(KindInternal, "Something went wrong on my side. Please try again later.", err)
	}
	return a.continueSession(ctx, user, res.Approval.SessionID, logger)
}

// recordOutcome appends the outcome of an approval to its session and
// returns the sequence of the result turn. The original call already has a
// placeholder result, so the outcome is recorded as a fresh call/result
// pair.
func (a *Assistant) recordOutcome(ctx context.Context, res *approval.Resolution) (int64, error) {
	ap := res.Approval
	callID := "approval-" + ap.ID
	now := a.now()

	if err := a.contexts.Append(ctx, &store.Turn{
		SessionID: ap.SessionID,
		Role:      store.RoleAssistant,
		ToolCalls: []store.ToolCall{{ID: callID, Name: ap.ToolName, Arguments: ap.Arguments}},
		CreatedAt: now,
	}); err != nil {
		return 0, err
	}
	result := &store.Turn{
		SessionID:  ap.SessionID,
		Role:       store.RoleTool,
		Content:    res.Content(),
		ToolCallID: callID,
		ToolName:   ap.ToolName,
		CreatedAt:  now,
	}
	if err := a.contexts.Append(ctx, result); err != nil {
		return 0, err
	}
	return result.Seq, nil
}

func (a *Assistant) continueSession(ctx context.Context, user *store.User, sessionID string, logger *slog.Logger) *Reply {
	degraded := a.compact(ctx, sessionID, logger)
	reply := a.runLoop(ctx, user, sessionID, logger)
	reply.Degraded = reply.Degraded || degraded
	return reply
}

// closeForBlocked denies the pending approval of a blocked user without
// running the tool. The outcome is recorded, but the model is not called
// and nothing is sent.
func (a *Assistant) closeForBlocked(ctx context.Context, user *store.User) (*approval.Resolution, error) {
	res, err := a.approvals.Resolve(ctx, user.ID, "", false)
	if err != nil && !errors.Is(err, approval.ErrExpired) {
		return nil, err
	}
	if res.Status == store.ApprovalExpired {
		a.metrics.Approval("expired")
	} else {
		a.metrics.Approval("denied")
	}
	a.refreshPendingGauge(ctx)
	if _, err := a.recordOutcome(ctx, res); err != nil {
		return res, err
	}
	a.logger.Info("approval closed for blocked user", "user", user.ID, "id", res.Approval.ID, "tool", res.Approval.ToolName)
	return res, nil
}

// sweepConcurrency bounds how many expired conversations resume at once.
const sweepConcurrency = 4

// SweepApprovals expires every overdue approval, resumes the affected
// conversations and tells their users. It returns how many it expired.
func (a *Assistant) SweepApprovals(ctx context.Context) (int, error) {
	overdue, err := a.approvals.Overdue(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing overdue approvals: %w", err)
	}

	// One pending approval per user, so every entry has its own lock.
	var expired atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, ap := range overdue {
		g.Go(func() error {
			ok, err := a.expireOne(gctx, ap)
			if err != nil {
				a.logger.Error("expiring approval failed", "id", ap.ID, "error", err)
				return nil
			}
			if ok {
				expired.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	a.refreshPendingGauge(ctx)
	return int(expired.Load()), nil
}

// expireOne expires ap and records the outcome while holding the user's
// lock, then resumes the conversation in a second locked step. The resume
// is skipped when the user was blocked or has moved the conversation on
// in between.
func (a *Assistant) expireOne(ctx context.Context, ap *store.Approval) (bool, error) {
	logger := a.logger.With("user", ap.UserID)

	// ── Expire ──
	unlock, err := a.locks.Lock(ctx, ap.UserID)
	if err != nil {
		return false, err
	}
	res, err := a.approvals.Expire(ctx, ap)
	if errors.Is(err, approval.ErrNotFound) {
		// Resolved by the user while we waited for the lock.
		unlock()
		return false, nil
	}
	if err != nil {
		unlock()
		return false, err
	}
	a.metrics.Approval("expired")
	seq, err := a.recordOutcome(ctx, res)
	unlock()
	if err != nil {
		return true, fmt.Errorf("recording expiry: %w", err)
	}

	// ── Resume ──
	unlock, err = a.locks.Lock(ctx, ap.UserID)
	if err != nil {
		return true, err
	}
	user, err := a.store.GetUser(ctx, ap.UserID)
	if err != nil {
		unlock()
		return true, fmt.Errorf("loading user: %w", err)
	}
	if user.TrustState == store.TrustBlocked {
		unlock()
		logger.Info("approval expired for blocked user, not resuming", "id", ap.ID, "tool", ap.ToolName)
		return true, nil
	}
	header := fmt.Sprintf("The approval for %s (id %s) expired without a decision, so it was not run.", ap.ToolName, ap.ID)
	if n, err := a.store.CountTurns(ctx, ap.SessionID); err != nil || int64(n) != seq {
		unlock()
		a.deliver(ctx, user, header)
		return true, nil
	}
	reply := a.continueSession(ctx, user, ap.SessionID, logger)
	unlock()

	a.deliver(ctx, user, joinText(header, reply.Text))
	return true, nil
}

// RegisterJobs adds the assistant's periodic maintenance to s.
func (a *Assistant) RegisterJobs(s *scheduler.Scheduler) error {
	sweep := a.cfg.Approval.SweepInterval
	if sweep <= 0 {
		sweep = approval.DefaultConfig().SweepInterval
	}
	if err := s.AddJob("approval-sweep", scheduler.Every(sweep), func(ctx context.Context) error {
		n, err := a.SweepApprovals(ctx)
		if n > 0 {
			a.logger.Info("expired overdue approvals", "count", n)
		}
		return err
	}); err != nil {
		return err
	}

	if err := s.AddJob("pairing-purge", scheduler.Every(10*time.Minute), func(ctx context.Context) error {
		n, err := a.gate.PurgeExpired(ctx)
		if n > 0 {
			a.logger.Info("purged expired pairing codes", "count", n)
		}
		return err
	}); err != nil {
		return err
	}

	if a.cfg.Reminders.Enabled {
		if err := s.AddJob("reminder-dispatch", scheduler.Every(a.cfg.Reminders.CheckInterval), func(ctx context.Context) error {
			n, err := a.DeliverReminders(ctx)
			if n > 0 {
				a.logger.Debug("reminders sent", "count", n)
			}
			return err
		}); err != nil {
			return err
		}
	}

	if p, ok := a.limiter.(interface{ Prune(time.Time) int }); ok {
		if err := s.AddJob("ratelimit-prune", scheduler.Every(5*time.Minute), func(context.Context) error {
			p.Prune(a.now())
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assistant) refreshPendingGauge(ctx context.Context) {
	if a.metrics == nil {
		return
	}
	pending, err := a.approvals.ListPending(ctx)
	if err != nil {
		return
	}
	a.metrics.SetPendingApprovals(len(pending))
}

func joinText(header, body string) string {
	switch {
	case body == "":
		return header
	case header == "":
		return body
	}
	return header + "\n\n" + body
}
