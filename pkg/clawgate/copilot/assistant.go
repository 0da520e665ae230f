package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jholhewres/clawgate/pkg/clawgate/access"
	"github.com/jholhewres/clawgate/pkg/clawgate/approval"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/conversation"
	"github.com/jholhewres/clawgate/pkg/clawgate/metrics"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/ratelimit"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// Limiter is the per-user throttle. Both ratelimit backends satisfy it.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, error)
}

// Sender delivers messages the assistant sends on its own, such as the
// follow-up after an approval expires. *channels.Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, channelName, chatID string, msg *channels.OutgoingMessage) error
}

// Deps are the collaborators of an Assistant. Store, Model and Tools are
// required.
type Deps struct {
	Store *store.Store
	Model provider.Model
	Tools *tools.Registry

	// Limiter defaults to an in-memory limiter built from the config.
	Limiter Limiter

	// Summarizer defaults to summarizing through Model.
	Summarizer conversation.Summarizer

	Metrics *metrics.Metrics

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Assistant is the session orchestrator: it drives each inbound message
// through the gate, the limiter, the context store, the model and the
// approval workflow.
type Assistant struct {
	cfg       *Config
	store     *store.Store
	gate      *access.Gate
	limiter   Limiter
	contexts  *conversation.ContextStore
	compactor *conversation.Compactor
	approvals *approval.Workflow
	tools     *tools.Registry
	model     provider.Model
	metrics   *metrics.Metrics
	locks     *sessionLocks
	logger    *slog.Logger
	now       func() time.Time

	senderMu sync.RWMutex
	sender   Sender
}

// New assembles an Assistant.
func New(cfg *Config, deps Deps, logger *slog.Logger) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if deps.Store == nil || deps.Model == nil || deps.Tools == nil {
		return nil, fmt.Errorf("copilot: store, model and tools are required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = DefaultConfig().MaxToolIterations
	}

	limiter := deps.Limiter
	if limiter == nil {
		limiter = ratelimit.NewMemory(cfg.RateLimit, logger)
	}
	summarizer := deps.Summarizer
	if summarizer == nil {
		summarizer = conversation.NewModelSummarizer(deps.Model, cfg.Provider.Model, 2048)
	}

	exec := &instrumentedTools{reg: deps.Tools, metrics: deps.Metrics, now: now}
	workflow, err := approval.New(cfg.Approval, deps.Store, exec, logger, approval.WithClock(now))
	if err != nil {
		return nil, fmt.Errorf("copilot: %w", err)
	}
	contexts := conversation.NewContextStore(deps.Store, logger)

	a := &Assistant{
		cfg:       cfg,
		store:     deps.Store,
		gate:      access.New(cfg.Access, deps.Store, logger, access.WithClock(now)),
		limiter:   limiter,
		contexts:  contexts,
		compactor: conversation.NewCompactor(contexts, summarizer, cfg.Context, logger),
		approvals: workflow,
		tools:     deps.Tools,
		model:     deps.Model,
		metrics:   deps.Metrics,
		locks:     newSessionLocks(),
		logger:    logger.With("component", "assistant"),
		now:       now,
	}
	if cfg.Reminders.Enabled {
		if err := a.registerReminderTools(); err != nil {
			return nil, fmt.Errorf("copilot: %w", err)
		}
	}
	return a, nil
}

// SetSender sets where unsolicited messages go.
func (a *Assistant) SetSender(s Sender) {
	a.senderMu.Lock()
	defer a.senderMu.Unlock()
	a.sender = s
}

// Config returns the effective configuration.
func (a *Assistant) Config() *Config { return a.cfg }

// Gate exposes the identity gate.
func (a *Assistant) Gate() *access.Gate { return a.gate }

// Approvals exposes the approval workflow.
func (a *Assistant) Approvals() *approval.Workflow { return a.approvals }

// HandleMessage processes one inbound message and returns the answer. It
// never returns nil; failures are reported through Reply.Kind.
func (a *Assistant) HandleMessage(ctx context.Context, msg *channels.IncomingMessage) *Reply {
	start := a.now()
	logger := a.logger.With("channel", msg.Channel, "from", msg.From)
	content := strings.TrimSpace(msg.Content)

	// ── Step 1: identity gate ──
	dec, err := a.gate.Admit(ctx, access.Identity{
		ExternalID:  msg.From,
		Channel:     msg.Channel,
		ChatID:      msg.ChatID,
		Username:    msg.Username,
		DisplayName: msg.FromName,
	})
	if err != nil {
		logger.Error("gate failed", "error", err)
		return errorReply(KindInternal, "Something went wrong on my side. Please try again later.", err)
	}
	a.metrics.GateDecision(dec.Verdict.String())
	switch dec.Verdict {
	case access.Denied:
		logger.Info("message from blocked user dropped")
		return errorReply(KindAuthDenied, "You don't have access to this assistant.", nil)
	case access.AwaitPairing:
		return a.pairingReply(dec)
	}
	user := dec.User
	logger = logger.With("user", user.ID)

	// ── Step 2: rate limit ──
	allowed, err := a.limiter.Allow(ctx, user.ID, start)
	if err != nil {
		// A broken limiter backend only loosens throttling.
		logger.Warn("rate limiter unavailable, letting message through", "error", err)
		allowed = true
	}
	if !allowed {
		a.metrics.Throttled()
		logger.Info("message throttled")
		return errorReply(KindRateLimited, fmt.Sprintf(
			"You're sending messages too fast. The limit is %d messages per %s, please wait a moment.",
			a.cfg.RateLimit.Messages, a.cfg.RateLimit.Window), nil)
	}

	if content == "" {
		return errorReply(KindInvalidInput, "I can only read text messages.", nil)
	}
	if n := utf8.RuneCountInString(content); a.cfg.MaxMessageChars > 0 && n > a.cfg.MaxMessageChars {
		return errorReply(KindInvalidInput, fmt.Sprintf(
			"That message is too long (%d characters, the limit is %d). Please split it up.",
			n, a.cfg.MaxMessageChars), nil)
	}

	// ── Step 3: per-session serialization ──
	unlock, err := a.locks.Lock(ctx, user.ID)
	if err != nil {
		return errorReply(KindInternal, "Request cancelled.", err)
	}
	defer unlock()

	sess, err := a.store.GetOrCreateSession(ctx, user.ID, start)
	if err != nil {
		logger.Error("loading session failed", "error", err)
		return errorReply(KindInternal, "Something went wrong on my side. Please try again later.", err)
	}
	if a.cfg.SessionTimeout > 0 && start.Sub(sess.LastActivity) > a.cfg.SessionTimeout {
		if err := a.contexts.Clear(ctx, sess.ID); err != nil {
			logger.Warn("session timeout reset failed", "error", err)
		} else {
			logger.Info("session idle past timeout, working context reset", "idle", start.Sub(sess.LastActivity))
		}
	}

	// ── Step 4: chat commands ──
	if res := a.handleCommand(ctx, user, sess, content); res.Handled {
		return res.Reply
	}

	// ── Step 5: record and answer ──
	if err := a.contexts.Append(ctx, &store.Turn{
		SessionID: sess.ID,
		Role:      store.RoleUser,
		Content:   content,
		CreatedAt: start,
	}); err != nil {
		logger.Error("appending user turn failed", "error", err)
		return errorReply(KindInternal, "Something went wrong on my side. Please try again later.", err)
	}
	degraded := a.compact(ctx, sess.ID, logger)

	reply := a.runLoop(ctx, user, sess.ID, logger)
	reply.Degraded = reply.Degraded || degraded
	logger.Info("message handled",
		"kind", reply.Kind,
		"duration_ms", a.now().Sub(start).Milliseconds(),
	)
	return reply
}

// runLoop calls the model until it answers without tool calls, a tool
// call is held for approval, or the iteration cap is hit. The caller
// holds the session lock.
func (a *Assistant) runLoop(ctx context.Context, user *store.User, sessionID string, logger *slog.Logger) *Reply {
	degraded := false
	for i := 0; i < a.cfg.MaxToolIterations; i++ {
		sess, err := a.store.GetSession(ctx, sessionID)
		if err != nil {
			return errorReply(KindInternal, "Something went wrong on my side. Please try again later.", err)
		}
		wc, err := a.contexts.WorkingContext(ctx, sessionID)
		if err != nil {
			return errorReply(KindInternal, "Something went wrong on my side. Please try again later.", err)
		}
		a.metrics.ContextSize(wc.Tokens())

		resp, err := a.complete(ctx, a.request(sess, wc), logger)
		if err != nil {
			return a.modelFailure(err, logger)
		}

		if len(resp.ToolCalls) == 0 {
			text := strings.TrimSpace(resp.Text)
			if text == "" {
				text = "(no response)"
			}
			if err := a.contexts.Append(ctx, &store.Turn{
				SessionID: sessionID,
				Role:      store.RoleAssistant,
				Content:   text,
				CreatedAt: a.now(),
			}); err != nil {
				return errorReply(KindInternal, "Something went wrong on my side. Please try again later.", err)
			}
			return &Reply{Text: text, Degraded: degraded}
		}

		calls := normalizeToolCalls(resp.ToolCalls, i)
		if err := a.contexts.Append(ctx, &store.Turn{
			SessionID: sessionID,
			Role:      store.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: calls,
			CreatedAt: a.now(),
		}); err != nil {
			return errorReply(KindInternal, "Something went wrong on my side. Please try again later.", err)
		}

		var pending *store.Approval
		for _, call := range calls {
			content, outcome, err := a.invokeTool(ctx, user, sessionID, call, logger)
			if err != nil {
				return errorReply(KindInternal, "Something went wrong on my side. Please try again later.", err)
			}
			if err := a.contexts.Append(ctx, &store.Turn{
				SessionID:  sessionID,
				Role:       store.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
				CreatedAt:  a.now(),
			}); err != nil {
				return errorReply(KindInternal, "Something went wrong on my side. Please try again later.", err)
			}
			if outcome.Kind == approval.Pending {
				pending = outcome.Approval
			}
		}
		if a.compact(ctx, sessionID, logger) {
			degraded = true
		}

		if pending != nil {
			a.refreshPendingGauge(ctx)
			// Suspended until the user decides or the approval expires.
			prompt := approval.FormatPrompt(pending, a.now())
			if text := strings.TrimSpace(resp.Text); text != "" {
				prompt = text + "\n\n" + prompt
			}
			return &Reply{Text: prompt, Approval: pending, Degraded: degraded}
		}
	}

	logger.Warn("tool iteration cap reached", "max", a.cfg.MaxToolIterations)
	text := fmt.Sprintf("I stopped after %d tool steps without finishing. Ask me to continue if you want me to keep going.",
		a.cfg.MaxToolIterations)
	if err := a.contexts.Append(ctx, &store.Turn{
		SessionID: sessionID,
		Role:      store.RoleAssistant,
		Content:   text,
		CreatedAt: a.now(),
	}); err != nil {
		return errorReply(KindInternal, "Something went wrong on my side. Please try again later.", err)
	}
	return &Reply{Text: text, Degraded: degraded}
}

// invokeTool passes one call through the approval workflow and returns
// the content of its tool turn.
func (a *Assistant) invokeTool(ctx context.Context, user *store.User, sessionID string, call store.ToolCall, logger *slog.Logger) (string, approval.Outcome, error) {
	if _, err := tools.ParseArguments(call.Arguments); err != nil {
		logger.Warn("model sent malformed tool arguments", "tool", call.Name, "error", err)
		return "Error: " + err.Error(), approval.Outcome{Kind: approval.Rejected, Reason: err.Error()}, nil
	}

	ctx = tools.WithCaller(ctx, tools.Caller{UserID: user.ID, SessionID: sessionID})
	outcome, err := a.approvals.Invoke(ctx, approval.Call{
		UserID:     user.ID,
		SessionID:  sessionID,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
	})
	if err != nil {
		return "", outcome, err
	}

	switch outcome.Kind {
	case approval.Executed:
		logger.Debug("tool executed", "tool", call.Name, "risk", outcome.Risk, "error", outcome.Err)
		if outcome.Err != nil {
			return "Error: " + outcome.Err.Error(), outcome, nil
		}
		return outcome.Result, outcome, nil
	case approval.Pending:
		a.metrics.Approval("requested")
		return fmt.Sprintf("Waiting for the user's approval (id %s). The call has not run; its outcome will follow.",
			outcome.Approval.ID), outcome, nil
	default:
		logger.Info("tool call rejected", "tool", call.Name, "reason", outcome.Reason)
		return "Error: tool call rejected: " + outcome.Reason, outcome, nil
	}
}

// complete calls the model, retrying a transient failure once.
func (a *Assistant) complete(ctx context.Context, req provider.Request, logger *slog.Logger) (*provider.Response, error) {
	resp, err := a.callModel(ctx, req)
	if err == nil || !provider.IsTransient(err) || ctx.Err() != nil {
		return resp, err
	}

	backoff := a.cfg.Provider.RetryBackoff
	logger.Warn("model call failed, retrying", "error", err, "backoff", backoff)
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, err
	case <-timer.C:
	}
	return a.callModel(ctx, req)
}

func (a *Assistant) callModel(ctx context.Context, req provider.Request) (*provider.Response, error) {
	start := a.now()
	resp, err := a.model.Complete(ctx, req)
	var prompt, completion int
	if resp != nil {
		prompt, completion = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	a.metrics.ModelRequest(req.Model, a.now().Sub(start), prompt, completion, err)
	return resp, err
}

func (a *Assistant) request(sess *store.Session, wc *conversation.WorkingContext) provider.Request {
	model := sess.Model
	if model == "" {
		model = a.cfg.Provider.Model
	}
	defs := a.tools.Definitions()
	toolDefs := make([]provider.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		toolDefs = append(toolDefs, provider.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return provider.Request{
		Model:        model,
		SystemPrompt: a.cfg.SystemPrompt,
		Messages:     wc.Messages(),
		Tools:        toolDefs,
		MaxTokens:    a.cfg.Provider.MaxTokens,
	}
}

func (a *Assistant) modelFailure(err error, logger *slog.Logger) *Reply {
	if provider.IsTransient(err) {
		logger.Error("model unavailable after retry", "error", err)
		return errorReply(KindProviderTransient,
			"The AI model is temporarily unavailable. Please try again in a moment.", err)
	}
	logger.Error("model call failed", "error", err)
	return errorReply(KindProviderPermanent,
		"The AI model rejected the request. The operator needs to check the provider configuration.", err)
}

// compact runs the compactor and reports whether it had to degrade.
// Failures are logged; the conversation carries on.
func (a *Assistant) compact(ctx context.Context, sessionID string, logger *slog.Logger) bool {
	res, err := a.compactor.MaybeCompact(ctx, sessionID)
	if err != nil {
		logger.Error("compaction failed", "error", err)
		return false
	}
	if res.Compacted {
		a.metrics.Compaction(res.Degraded)
		logger.Info("working context compacted", "result", res.String())
	}
	return res.Degraded
}

func (a *Assistant) pairingReply(dec access.Decision) *Reply {
	ttl := dec.ExpiresAt.Sub(a.now()).Round(time.Minute)
	return &Reply{
		Kind: KindPairingRequired,
		Text: fmt.Sprintf("Pairing required\n\n"+
			"Your pairing code is: %s\n\n"+
			"Ask the operator to approve it with:\n"+
			"clawgate pairing approve %s\n\n"+
			"The code is valid for %s. Once approved, just send your message again.",
			dec.Code, dec.Code, ttl),
	}
}

// deliver sends an unsolicited message to a user's chat.
func (a *Assistant) deliver(ctx context.Context, user *store.User, text string) {
	a.senderMu.RLock()
	sender := a.sender
	a.senderMu.RUnlock()
	if sender == nil || user.Channel == "" || user.ChatID == "" || text == "" {
		return
	}
	if err := sender.Send(ctx, user.Channel, user.ChatID, &channels.OutgoingMessage{Content: text}); err != nil {
		a.logger.Warn("delivering message failed", "user", user.ID, "channel", user.Channel, "error", err)
	}
}

// normalizeToolCalls converts provider calls and fills missing ids.
func normalizeToolCalls(calls []provider.ToolCall, iteration int) []store.ToolCall {
	out := make([]store.ToolCall, len(calls))
	for i, c := range calls {
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("call_%d_%d", iteration, i)
		}
		args := strings.TrimSpace(c.Arguments)
		if args == "" {
			args = "{}"
		}
		out[i] = store.ToolCall{ID: id, Name: c.Name, Arguments: args}
	}
	return out
}

// instrumentedTools records tool metrics around the registry.
type instrumentedTools struct {
	reg     *tools.Registry
	metrics *metrics.Metrics
	now     func() time.Time
}

func (t *instrumentedTools) Has(name string) bool { return t.reg.Has(name) }

func (t *instrumentedTools) Execute(ctx context.Context, name, rawArgs string, timeout time.Duration) (string, error) {
	start := t.now()
	out, err := t.reg.Execute(ctx, name, rawArgs, timeout)
	t.metrics.ToolCall(name, t.now().Sub(start), err)
	return out, err
}
