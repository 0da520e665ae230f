package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

var (
	// ErrNotFound means the user has no pending approval (or not the one
	// named).
	ErrNotFound = errors.New("no pending approval")

	// ErrExpired means the approval timed out before the decision arrived.
	ErrExpired = errors.New("approval expired")

	// ErrAlreadyPending means the user already has an approval outstanding.
	ErrAlreadyPending = errors.New("approval already pending")
)

// Config configures the workflow.
type Config struct {
	// Timeout is how long a dangerous call waits for a decision.
	Timeout time.Duration `yaml:"timeout"`

	// SweepInterval is how often overdue approvals are expired.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Required turns confirmation on. When off, dangerous tools run
	// immediately like the others.
	Required bool `yaml:"required" envconfig:"APPROVAL_REQUIRED"`

	// ToolTimeout bounds each tool execution; zero uses the executor's.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// Risk overrides the classification of individual tools.
	Risk map[string]string `yaml:"risk"`
}

// DefaultConfig returns a 5 minute timeout swept every 30s.
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Minute,
		SweepInterval: 30 * time.Second,
		Required:      true,
	}
}

// Store is the persistence the workflow needs.
type Store interface {
	CreateApproval(ctx context.Context, a *store.Approval) error
	PendingApprovalForUser(ctx context.Context, userID string) (*store.Approval, error)
	TransitionApproval(ctx context.Context, id string, to store.ApprovalStatus, now time.Time) error
	ListApprovals(ctx context.Context, status store.ApprovalStatus) ([]*store.Approval, error)
	ListOverdueApprovals(ctx context.Context, now time.Time) ([]*store.Approval, error)
}

// Executor runs tools. *tools.Registry satisfies it.
type Executor interface {
	Has(name string) bool
	Execute(ctx context.Context, name, rawArgs string, timeout time.Duration) (string, error)
}

// Call is a tool invocation requested by the model.
type Call struct {
	UserID     string
	SessionID  string
	ToolCallID string
	ToolName   string
	Arguments  string
}

// OutcomeKind says what Invoke did with a call.
type OutcomeKind int

const (
	Executed OutcomeKind = iota
	Pending
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Executed:
		return "executed"
	case Pending:
		return "pending"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the result of Invoke.
type Outcome struct {
	Kind OutcomeKind
	Risk Risk

	// Result and Err are set for Executed. Err is a tool failure, not a
	// system fault.
	Result string
	Err    error

	// Approval is set for Pending.
	Approval *store.Approval

	// Reason is set for Rejected.
	Reason string
}

// Resolution is a finished approval and what it produced.
type Resolution struct {
	Approval *store.Approval
	Status   store.ApprovalStatus
	Result   string
	Err      error
}

// Content is the text recorded as the tool result of the resolved call.
func (r *Resolution) Content() string {
	switch r.Status {
	case store.ApprovalApproved:
		if r.Err != nil {
			return "Error: " + r.Err.Error()
		}
		return r.Result
	case store.ApprovalDenied:
		return fmt.Sprintf("The user denied the %s call. It was not executed.", r.Approval.ToolName)
	default:
		return fmt.Sprintf("Approval for the %s call expired without a decision. It was not executed.", r.Approval.ToolName)
	}
}

// Workflow mediates every tool call requested by the model.
type Workflow struct {
	cfg        Config
	classifier *Classifier
	store      Store
	exec       Executor
	logger     *slog.Logger
	now        func() time.Time
}

// Option customizes a Workflow.
type Option func(*Workflow)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// New creates a workflow.
func New(cfg Config, st Store, exec Executor, logger *slog.Logger, opts ...Option) (*Workflow, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	classifier, err := NewClassifier(cfg.Risk)
	if err != nil {
		return nil, err
	}
	w := &Workflow{
		cfg:        cfg,
		classifier: classifier,
		store:      st,
		exec:       exec,
		logger:     logger.With("component", "approval"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Config returns the effective configuration.
func (w *Workflow) Config() Config { return w.cfg }

// Classify returns the risk of a tool.
func (w *Workflow) Classify(toolName string) Risk {
	return w.classifier.Classify(toolName)
}

// Invoke runs a call, holds it for approval, or rejects it. The error is
// reserved for store failures.
func (w *Workflow) Invoke(ctx context.Context, call Call) (Outcome, error) {
	if !w.exec.Has(call.ToolName) {
		w.logger.Warn("model requested unknown tool", "user", call.UserID, "tool", call.ToolName)
		return Outcome{Kind: Rejected, Reason: fmt.Sprintf("unknown tool %q", call.ToolName)}, nil
	}
	risk := w.classifier.Classify(call.ToolName)

	if risk != Dangerous || !w.cfg.Required {
		result, err := w.exec.Execute(ctx, call.ToolName, call.Arguments, w.cfg.ToolTimeout)
		return Outcome{Kind: Executed, Risk: risk, Result: result, Err: err}, nil
	}

	now := w.now()
	a := &store.Approval{
		ID:          uuid.NewString(),
		UserID:      call.UserID,
		SessionID:   call.SessionID,
		ToolName:    call.ToolName,
		ToolCallID:  call.ToolCallID,
		Arguments:   call.Arguments,
		Risk:        risk.String(),
		RequestedAt: now,
		ExpiresAt:   now.Add(w.cfg.Timeout),
	}
	if err := w.store.CreateApproval(ctx, a); err != nil {
		if errors.Is(err, store.ErrAlreadyPending) {
			return Outcome{Kind: Rejected, Risk: risk, Reason: ErrAlreadyPending.Error()}, nil
		}
		return Outcome{}, fmt.Errorf("create approval: %w", err)
	}
	w.logger.Info("approval requested",
		"id", a.ID,
		"user", call.UserID,
		"tool", call.ToolName,
		"expires_at", a.ExpiresAt,
	)
	return Outcome{Kind: Pending, Risk: risk, Approval: a}, nil
}

// Pending returns the user's outstanding approval or ErrNotFound.
func (w *Workflow) Pending(ctx context.Context, userID string) (*store.Approval, error) {
	a, err := w.store.PendingApprovalForUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListPending returns every outstanding approval, oldest first.
func (w *Workflow) ListPending(ctx context.Context) ([]*store.Approval, error) {
	return w.store.ListApprovals(ctx, store.ApprovalPending)
}

// Resolve applies the user's decision to their pending approval. When id
// is non-empty it must name that approval. On approval the tool runs. An
// approval past its expiry is expired instead and ErrExpired is returned
// together with the resolution, so the caller can record the outcome.
func (w *Workflow) Resolve(ctx context.Context, userID, id string, approve bool) (*Resolution, error) {
	a, err := w.Pending(ctx, userID)
	if err != nil {
		return nil, err
	}
	if id != "" && a.ID != id {
		return nil, ErrNotFound
	}

	now := w.now()
	if !now.Before(a.ExpiresAt) {
		res, err := w.Expire(ctx, a)
		if err != nil {
			return nil, err
		}
		return res, ErrExpired
	}

	to := store.ApprovalDenied
	if approve {
		to = store.ApprovalApproved
	}
	if err := w.transition(ctx, a, to, now); err != nil {
		return nil, err
	}
	w.logger.Info("approval resolved", "id", a.ID, "user", userID, "tool", a.ToolName, "status", to)

	res := &Resolution{Approval: a, Status: to}
	if approve {
		res.Result, res.Err = w.exec.Execute(ctx, a.ToolName, a.Arguments, w.cfg.ToolTimeout)
	}
	return res, nil
}

// Overdue lists pending approvals past their expiry.
func (w *Workflow) Overdue(ctx context.Context) ([]*store.Approval, error) {
	return w.store.ListOverdueApprovals(ctx, w.now())
}

// Expire marks one approval Expired. ErrNotFound means it was resolved in
// the meantime.
func (w *Workflow) Expire(ctx context.Context, a *store.Approval) (*Resolution, error) {
	if err := w.transition(ctx, a, store.ApprovalExpired, w.now()); err != nil {
		return nil, err
	}
	w.logger.Info("approval expired", "id", a.ID, "user", a.UserID, "tool", a.ToolName)
	return &Resolution{Approval: a, Status: store.ApprovalExpired}, nil
}

// Sweep expires every overdue approval and returns what it expired.
func (w *Workflow) Sweep(ctx context.Context) ([]*Resolution, error) {
	overdue, err := w.Overdue(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Resolution
	for _, a := range overdue {
		res, err := w.Expire(ctx, a)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (w *Workflow) transition(ctx context.Context, a *store.Approval, to store.ApprovalStatus, now time.Time) error {
	err := w.store.TransitionApproval(ctx, a.ID, to, now)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	a.Status = to
	a.ResolvedAt = now
	return nil
}
