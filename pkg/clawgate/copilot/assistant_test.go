package copilot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/clawgate/pkg/clawgate/access"
	"github.com/jholhewres/clawgate/pkg/clawgate/approval"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/database"
	"github.com/jholhewres/clawgate/pkg/clawgate/metrics"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

type step struct {
	resp *provider.Response
	err  error
}

// scriptedModel plays back steps in order, then answers with fallback.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []step
	fallback *provider.Response
	requests []provider.Request
	// onCall runs before each completion, outside the lock.
	onCall func()
}

func (m *scriptedModel) Complete(_ context.Context, req provider.Request) (*provider.Response, error) {
	if m.onCall != nil {
		m.onCall()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.steps) == 0 {
		if m.fallback != nil {
			return m.fallback, nil
		}
		return &provider.Response{Text: "ok"}, nil
	}
	s := m.steps[0]
	m.steps = m.steps[1:]
	return s.resp, s.err
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) last() provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

func toolCall(id, name, args string) *provider.Response {
	return &provider.Response{ToolCalls: []provider.ToolCall{{ID: id, Name: name, Arguments: args}}}
}

type nopSummarizer struct{}

func (nopSummarizer) Summarize(context.Context, string, []store.Turn) (string, error) {
	return "summary", nil
}

type sentMessage struct {
	channel, chatID, text string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *recordingSender) Send(_ context.Context, channelName, chatID string, msg *channels.OutgoingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{channelName, chatID, msg.Content})
	return nil
}

func (s *recordingSender) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	a         *Assistant
	st        *store.Store
	model     *scriptedModel
	clock     *testClock
	sender    *recordingSender
	metrics   *metrics.Metrics
	shellRuns *atomic.Int32
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	dbCfg := database.DefaultConfig()
	dbCfg.Backend = database.BackendSQLitePure
	dbCfg.SQLite.Path = filepath.Join(t.TempDir(), "clawgate.db")
	b, err := database.Open(ctx, dbCfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	st := store.New(b)

	cfg := DefaultConfig()
	cfg.Provider.Model = "test-model"
	cfg.Provider.RetryBackoff = time.Millisecond
	cfg.Access.AllowedUsers = []string{"100"}
	cfg.Reminders.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	reg := tools.NewRegistry(tools.DefaultConfig(), nil)
	require.NoError(t, reg.Register(tools.MakeDescriptor("echo", "Echo the text argument.", nil),
		func(_ context.Context, args map[string]any) (string, error) {
			s, _ := args["text"].(string)
			return "echo: " + s, nil
		}))
	shellRuns := &atomic.Int32{}
	require.NoError(t, reg.Register(tools.MakeDescriptor("shell_exec", "Run a shell command.", nil),
		func(context.Context, map[string]any) (string, error) {
			shellRuns.Add(1)
			return "ran shell", nil
		}))

	clock := &testClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	model := &scriptedModel{}
	m := metrics.New()
	a, err := New(cfg, Deps{
		Store:      st,
		Model:      model,
		Tools:      reg,
		Summarizer: nopSummarizer{},
		Metrics:    m,
		Clock:      clock.now,
	}, nil)
	require.NoError(t, err)

	sender := &recordingSender{}
	a.SetSender(sender)
	return &harness{a: a, st: st, model: model, clock: clock, sender: sender, metrics: m, shellRuns: shellRuns}
}

func incoming(from, text string) *channels.IncomingMessage {
	return &channels.IncomingMessage{
		ID:      "m-" + from,
		Channel: "telegram",
		From:    from,
		ChatID:  "chat-" + from,
		Content: text,
	}
}

func (h *harness) turns(t *testing.T, externalID string) []store.Turn {
	t.Helper()
	ctx := context.Background()
	u, err := h.st.GetUserByExternalID(ctx, externalID)
	require.NoError(t, err)
	sess, err := h.st.SessionForUser(ctx, u.ID)
	require.NoError(t, err)
	turns, err := h.st.TurnsFrom(ctx, sess.ID, 0)
	require.NoError(t, err)
	return turns
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	_, err := New(DefaultConfig(), Deps{}, nil)
	assert.Error(t, err)
}

func TestHandleMessage_PlainAnswer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.model.steps = []step{{resp: &provider.Response{Text: "Hello there"}}}

	reply := h.a.HandleMessage(context.Background(), incoming("100", "hi"))
	assert.Equal(t, KindNone, reply.Kind)
	assert.Equal(t, "Hello there", reply.Text)

	turns := h.turns(t, "100")
	require.Len(t, turns, 2)
	assert.Equal(t, store.RoleUser, turns[0].Role)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, store.RoleAssistant, turns[1].Role)

	req := h.model.last()
	assert.Equal(t, "test-model", req.Model)
	assert.NotEmpty(t, req.SystemPrompt)
	assert.Len(t, req.Tools, 2)
}

func TestHandleMessage_PairingFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	reply := h.a.HandleMessage(ctx, incoming("200", "hello?"))
	require.Equal(t, KindPairingRequired, reply.Kind)
	assert.Equal(t, 0, h.model.calls())

	pending, err := h.a.ListPendingPairings(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	code := pending[0].Code
	assert.Contains(t, reply.Text, code)
	assert.Contains(t, reply.Text, "clawgate pairing approve "+code)

	// Asking again keeps the same code.
	again := h.a.HandleMessage(ctx, incoming("200", "still there?"))
	assert.Contains(t, again.Text, code)

	user, err := h.a.ApprovePairing(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, store.TrustApproved, user.TrustState)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "chat-200", sent[0].chatID)
	assert.Contains(t, sent[0].text, "paired")

	reply = h.a.HandleMessage(ctx, incoming("200", "hi"))
	assert.Equal(t, KindNone, reply.Kind)
	assert.Equal(t, 1, h.model.calls())
}

func TestHandleMessage_BlockedUserGetsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	h.a.HandleMessage(ctx, incoming("100", "hi"))
	_, err := h.a.BlockUser(ctx, "100")
	require.NoError(t, err)

	reply := h.a.HandleMessage(ctx, incoming("100", "let me in"))
	assert.Equal(t, KindAuthDenied, reply.Kind)
	assert.Equal(t, 1, h.model.calls())
	assert.Len(t, h.turns(t, "100"), 2)

	_, err = h.a.UnblockUser(ctx, "100")
	require.NoError(t, err)
	reply = h.a.HandleMessage(ctx, incoming("100", "back"))
	assert.Equal(t, KindNone, reply.Kind)
}

func TestHandleMessage_RateLimited(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.RateLimit.Messages = 2 })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		reply := h.a.HandleMessage(ctx, incoming("100", fmt.Sprintf("msg %d", i)))
		require.Equal(t, KindNone, reply.Kind)
	}
	reply := h.a.HandleMessage(ctx, incoming("100", "one too many"))
	assert.Equal(t, KindRateLimited, reply.Kind)
	assert.Equal(t, 2, h.model.calls())

	h.clock.advance(time.Minute + time.Second)
	reply = h.a.HandleMessage(ctx, incoming("100", "later"))
	assert.Equal(t, KindNone, reply.Kind)
}

func TestHandleMessage_InvalidInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.MaxMessageChars = 10 })
	ctx := context.Background()

	assert.Equal(t, KindInvalidInput, h.a.HandleMessage(ctx, incoming("100", "   ")).Kind)
	assert.Equal(t, KindInvalidInput, h.a.HandleMessage(ctx, incoming("100", strings.Repeat("x", 11))).Kind)
	assert.Equal(t, 0, h.model.calls())
}

func TestHandleMessage_ToolLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.model.steps = []step{
		{resp: toolCall("call_a", "echo", `{"text":"ping"}`)},
		{resp: &provider.Response{Text: "The echo said ping."}},
	}

	reply := h.a.HandleMessage(context.Background(), incoming("100", "echo ping"))
	assert.Equal(t, KindNone, reply.Kind)
	assert.Equal(t, "The echo said ping.", reply.Text)

	turns := h.turns(t, "100")
	require.Len(t, turns, 4)
	assert.Equal(t, store.RoleAssistant, turns[1].Role)
	require.Len(t, turns[1].ToolCalls, 1)
	assert.Equal(t, "call_a", turns[1].ToolCalls[0].ID)
	assert.Equal(t, store.RoleTool, turns[2].Role)
	assert.Equal(t, "call_a", turns[2].ToolCallID)
	assert.Equal(t, "echo: ping", turns[2].Content)

	assert.Equal(t, 1.0, toolCallCount(t, h.metrics, "echo"))
}

func TestHandleMessage_MalformedArgumentsBecomeToolError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.model.steps = []step{
		{resp: toolCall("", "shell_exec", `{"command": `)},
		{resp: &provider.Response{Text: "Sorry, let me fix that."}},
	}

	reply := h.a.HandleMessage(context.Background(), incoming("100", "run something"))
	assert.Equal(t, KindNone, reply.Kind)
	assert.Nil(t, reply.Approval)
	assert.Equal(t, int32(0), h.shellRuns.Load())

	turns := h.turns(t, "100")
	require.Len(t, turns, 4)
	assert.Equal(t, "call_0_0", turns[2].ToolCallID)
	assert.True(t, strings.HasPrefix(turns[2].Content, "Error: "))
}

func TestHandleMessage_IterationCap(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.MaxToolIterations = 3 })
	h.model.fallback = toolCall("loop", "echo", `{"text":"again"}`)

	reply := h.a.HandleMessage(context.Background(), incoming("100", "loop forever"))
	assert.Equal(t, KindNone, reply.Kind)
	assert.Contains(t, reply.Text, "stopped after 3 tool steps")
	assert.Equal(t, 3, h.model.calls())
}

func TestHandleMessage_TransientRetry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.model.steps = []step{
		{err: &provider.Error{Kind: provider.Transient, StatusCode: 503, Message: "overloaded"}},
		{resp: &provider.Response{Text: "recovered"}},
	}

	reply := h.a.HandleMessage(context.Background(), incoming("100", "hi"))
	assert.Equal(t, KindNone, reply.Kind)
	assert.Equal(t, "recovered", reply.Text)
	assert.Equal(t, 2, h.model.calls())
}

func TestHandleMessage_ProviderFailures(t *testing.T) {
	t.Parallel()

	transient := &provider.Error{Kind: provider.Transient, StatusCode: 429, Reason: "rate_limit"}
	permanent := &provider.Error{Kind: provider.Permanent, StatusCode: 401, Reason: "auth"}

	tests := []struct {
		name      string
		steps     []step
		wantKind  ErrorKind
		wantCalls int
	}{
		{"transient twice", []step{{err: transient}, {err: transient}}, KindProviderTransient, 2},
		{"permanent", []step{{err: permanent}}, KindProviderPermanent, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, nil)
			h.model.steps = tt.steps

			reply := h.a.HandleMessage(context.Background(), incoming("100", "hi"))
			assert.Equal(t, tt.wantKind, reply.Kind)
			assert.Equal(t, tt.wantCalls, h.model.calls())
			assert.Error(t, reply.Err)

			// The user turn stays; no assistant turn is recorded.
			turns := h.turns(t, "100")
			require.Len(t, turns, 1)
			assert.Equal(t, store.RoleUser, turns[0].Role)
		})
	}
}

func TestApproval_ApproveResumes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.model.steps = []step{{resp: toolCall("call_1", "shell_exec", `{"command":"ls"}`)}}
	h.model.fallback = &provider.Response{Text: "done"}

	reply := h.a.HandleMessage(ctx, incoming("100", "list the files"))
	require.NotNil(t, reply.Approval)
	assert.Equal(t, KindNone, reply.Kind)
	assert.Contains(t, reply.Text, "/approve "+reply.Approval.ID)
	assert.Equal(t, int32(0), h.shellRuns.Load())
	assert.Equal(t, 1, h.model.calls())

	pending, err := h.a.ListPendingApprovals(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	reply = h.a.HandleMessage(ctx, incoming("100", "/approve"))
	assert.Equal(t, KindNone, reply.Kind)
	assert.Contains(t, reply.Text, "Approved. Ran shell_exec.")
	assert.Contains(t, reply.Text, "done")
	assert.Equal(t, int32(1), h.shellRuns.Load())

	var sawResult bool
	for _, m := range h.model.last().Messages {
		if strings.HasPrefix(m.ToolCallID, "approval-") && m.Content == "ran shell" {
			sawResult = true
		}
	}
	assert.True(t, sawResult, "resumed request should carry the tool result")

	// user, assistant(call), tool(placeholder), assistant(call), tool(result), assistant
	assert.Len(t, h.turns(t, "100"), 6)

	reply = h.a.HandleMessage(ctx, incoming("100", "/approve"))
	assert.Equal(t, KindApprovalNotFound, reply.Kind)
}

func TestApproval_DenyDoesNotRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.model.steps = []step{{resp: toolCall("call_1", "shell_exec", `{"command":"rm -rf /"}`)}}
	h.model.fallback = &provider.Response{Text: "Okay, I won't."}

	first := h.a.HandleMessage(ctx, incoming("100", "clean up"))
	require.NotNil(t, first.Approval)

	reply := h.a.HandleMessage(ctx, incoming("100", "/deny "+first.Approval.ID))
	assert.Equal(t, KindNone, reply.Kind)
	assert.Contains(t, reply.Text, "Denied.")
	assert.Contains(t, reply.Text, "Okay, I won't.")
	assert.Equal(t, int32(0), h.shellRuns.Load())
}

func TestApproval_WrongIDIsNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.model.steps = []step{{resp: toolCall("call_1", "shell_exec", `{"command":"ls"}`)}}

	h.a.HandleMessage(ctx, incoming("100", "list"))
	reply := h.a.HandleMessage(ctx, incoming("100", "/approve nope"))
	assert.Equal(t, KindApprovalNotFound, reply.Kind)
	assert.Equal(t, int32(0), h.shellRuns.Load())
}

func TestApproval_LateDecisionIsExpired(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.model.steps = []step{{resp: toolCall("call_1", "shell_exec", `{"command":"ls"}`)}}

	h.a.HandleMessage(ctx, incoming("100", "list"))
	h.clock.advance(6 * time.Minute)

	reply := h.a.HandleMessage(ctx, incoming("100", "/approve"))
	assert.Equal(t, KindApprovalExpired, reply.Kind)
	assert.Contains(t, reply.Text, "already expired")
	assert.Equal(t, int32(0), h.shellRuns.Load())
}

func TestSweepApprovals_ExpiresAndNotifies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.model.steps = []step{{resp: toolCall("call_1", "shell_exec", `{"command":"ls"}`)}}
	h.model.fallback = &provider.Response{Text: "I'll skip that then."}

	h.a.HandleMessage(ctx, incoming("100", "list"))

	n, err := h.a.SweepApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.advance(6 * time.Minute)
	n, err = h.a.SweepApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "telegram", sent[0].channel)
	assert.Equal(t, "chat-100", sent[0].chatID)
	assert.Contains(t, sent[0].text, "expired without a decision")
	assert.Contains(t, sent[0].text, "I'll skip that then.")

	pending, err := h.a.ListPendingApprovals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	reply := h.a.HandleMessage(ctx, incoming("100", "/approve"))
	assert.Equal(t, KindApprovalNotFound, reply.Kind)
	assert.Equal(t, int32(0), h.shellRuns.Load())
}

func TestSweepApprovals_BlockedUserIsNotResumed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.model.steps = []step{{resp: toolCall("call_1", "shell_exec", `{"command":"ls"}`)}}
	h.model.fallback = toolCall("call_2", "echo", `{"text":"more help"}`)

	first := h.a.HandleMessage(ctx, incoming("100", "list"))
	require.NotNil(t, first.Approval)
	_, err := h.a.BlockUser(ctx, "100")
	require.NoError(t, err)
	calls := h.model.calls()

	h.clock.advance(6 * time.Minute)
	n, err := h.a.SweepApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, calls, h.model.calls(), "no model call for a blocked user")
	assert.Empty(t, h.sender.messages())
	assert.Equal(t, int32(0), h.shellRuns.Load())

	turns := h.turns(t, "100")
	last := turns[len(turns)-1]
	assert.Equal(t, store.RoleTool, last.Role)
	assert.Equal(t, "approval-"+first.Approval.ID, last.ToolCallID)

	pending, err := h.a.ListPendingApprovals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweepApprovals_ResumesUsersConcurrently(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *Config) {
		cfg.Access.AllowedUsers = []string{"100", "200"}
	})
	ctx := context.Background()
	h.model.steps = []step{
		{resp: toolCall("call_1", "shell_exec", `{"command":"ls"}`)},
		{resp: toolCall("call_2", "shell_exec", `{"command":"pwd"}`)},
	}
	h.model.fallback = &provider.Response{Text: "skipped"}
	require.NotNil(t, h.a.HandleMessage(ctx, incoming("100", "list")).Approval)
	require.NotNil(t, h.a.HandleMessage(ctx, incoming("200", "where")).Approval)

	// Each resumed call waits until the other user's call is in flight.
	var inFlight atomic.Int32
	var timedOut atomic.Bool
	both := make(chan struct{})
	h.model.onCall = func() {
		if inFlight.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
		case <-time.After(2 * time.Second):
			timedOut.Store(true)
		}
	}

	h.clock.advance(6 * time.Minute)
	n, err := h.a.SweepApprovals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, timedOut.Load(), "one slow resume held up the other")
	assert.Len(t, h.sender.messages(), 2)
}

func TestResolveApproval_BlockedUser(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.model.steps = []step{{resp: toolCall("call_1", "shell_exec", `{"command":"ls"}`)}}

	require.NotNil(t, h.a.HandleMessage(ctx, incoming("100", "list")).Approval)
	_, err := h.a.BlockUser(ctx, "100")
	require.NoError(t, err)
	calls := h.model.calls()

	reply, err := h.a.ResolveApproval(ctx, "100", true)
	assert.ErrorIs(t, err, access.ErrUserBlocked)
	require.NotNil(t, reply)
	assert.Contains(t, reply.Text, "was not run")

	assert.Equal(t, int32(0), h.shellRuns.Load())
	assert.Equal(t, calls, h.model.calls())
	assert.Empty(t, h.sender.messages())

	_, err = h.a.ResolveApproval(ctx, "100", false)
	assert.ErrorIs(t, err, approval.ErrNotFound)
}

func TestResolveApproval_Operator(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.model.steps = []step{
		{resp: &provider.Response{Text: "hi"}},
		{resp: toolCall("call_1", "shell_exec", `{"command":"ls"}`)},
	}
	h.model.fallback = &provider.Response{Text: "Files listed."}

	_, err := h.a.ResolveApproval(ctx, "100", true)
	assert.True(t, errors.Is(err, access.ErrUserNotFound))

	h.a.HandleMessage(ctx, incoming("100", "hello"))
	_, err = h.a.ResolveApproval(ctx, "100", true)
	assert.ErrorIs(t, err, approval.ErrNotFound)

	h.a.HandleMessage(ctx, incoming("100", "list"))
	reply, err := h.a.ResolveApproval(ctx, "100", true)
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "Files listed.")
	assert.Equal(t, int32(1), h.shellRuns.Load())

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].text, "Approved.")
}

func TestCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	reply := h.a.HandleMessage(ctx, incoming("100", "/help"))
	assert.Contains(t, reply.Text, "/approve")

	reply = h.a.HandleMessage(ctx, incoming("100", "/model"))
	assert.Contains(t, reply.Text, "test-model (default)")

	reply = h.a.HandleMessage(ctx, incoming("100", "/model@clawgate_bot other-model"))
	assert.Equal(t, "Model set to other-model.", reply.Text)

	h.a.HandleMessage(ctx, incoming("100", "hello"))
	assert.Equal(t, "other-model", h.model.last().Model)

	reply = h.a.HandleMessage(ctx, incoming("100", "/status"))
	assert.Contains(t, reply.Text, "Model: other-model")
	assert.Contains(t, reply.Text, "Turns: 2 total, 2 in context")

	reply = h.a.HandleMessage(ctx, incoming("100", "/clear"))
	assert.Contains(t, reply.Text, "Context cleared")
	reply = h.a.HandleMessage(ctx, incoming("100", "/status"))
	assert.Contains(t, reply.Text, "Turns: 2 total, 0 in context")

	reply = h.a.HandleMessage(ctx, incoming("100", "/pending"))
	assert.Contains(t, reply.Text, "Nothing is waiting")

	// Unknown commands reach the model.
	calls := h.model.calls()
	h.a.HandleMessage(ctx, incoming("100", "/translate hola"))
	assert.Equal(t, calls+1, h.model.calls())
}

func TestSessionTimeoutClearsContext(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.SessionTimeout = time.Hour })
	ctx := context.Background()

	h.a.HandleMessage(ctx, incoming("100", "first"))
	h.clock.advance(2 * time.Hour)
	h.a.HandleMessage(ctx, incoming("100", "second"))

	msgs := h.model.last().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "second", msgs[0].Content)
	assert.Len(t, h.turns(t, "100"), 4)
}

func TestWipeUserData(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()
	h.model.steps = []step{{resp: toolCall("call_1", "shell_exec", `{"command":"ls"}`)}}

	h.a.HandleMessage(ctx, incoming("100", "list"))
	_, err := h.a.WipeUserData(ctx, "100")
	require.NoError(t, err)

	assert.Empty(t, h.turns(t, "100"))
	pending, err := h.a.ListPendingApprovals(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = h.a.WipeUserData(ctx, "nobody")
	assert.Error(t, err)
}

func TestStatsAndHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	ctx := context.Background()

	h.a.HandleMessage(ctx, incoming("100", "hi"))
	h.a.HandleMessage(ctx, incoming("300", "who are you"))

	stats, err := h.a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.UserCount)
	assert.Equal(t, 1, stats.PendingPairings)
	assert.Equal(t, 2, stats.MessageCount)

	health := h.a.Health(ctx)
	assert.Equal(t, "ok", health.Status)
	assert.True(t, health.Database.Healthy)
}

func toolCallCount(t *testing.T, m *metrics.Metrics, tool string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != "clawgate_tool_calls_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "tool" && l.GetValue() == tool {
					total += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}
