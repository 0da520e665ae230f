package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/clawgate/pkg/clawgate/database"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

type fakeSummarizer struct {
	mu        sync.Mutex
	calls     int
	previous  []string
	out       string
	err       error
	started   chan struct{}
	release   chan struct{}
	lastTurns int
}

func (f *fakeSummarizer) Summarize(ctx context.Context, previous string, turns []store.Turn) (string, error) {
	f.mu.Lock()
	f.calls++
	f.previous = append(f.previous, previous)
	f.lastTurns = len(turns)
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	return f.out, f.err
}

func (f *fakeSummarizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	st      *store.Store
	cs      *ContextStore
	session string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	cfg := database.DefaultConfig()
	cfg.Backend = database.BackendSQLitePure
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "conv.db")
	b, err := database.Open(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	st := store.New(b)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, _, err = st.EnsureUser(ctx, store.User{ID: "u1", ExternalID: "100", Channel: "telegram", CreatedAt: now})
	require.NoError(t, err)
	sess, err := st.GetOrCreateSession(ctx, "u1", now)
	require.NoError(t, err)
	return &fixture{st: st, cs: NewContextStore(st, nil), session: sess.ID}
}

// fill appends n alternating user/assistant turns of size chars each.
func (f *fixture) fill(t *testing.T, n, size int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := store.RoleUser
		if i%2 == 1 {
			role = store.RoleAssistant
		}
		require.NoError(t, f.cs.Append(context.Background(), &store.Turn{
			SessionID: f.session,
			Role:      role,
			Content:   strings.Repeat("x", size),
		}))
	}
}

// smallBudget gives a 500-token budget protecting the last two turns.
func smallBudget() CompactorConfig {
	return CompactorConfig{MaxTokens: 1000, Threshold: 0.5, ProtectTurns: 2}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	assert.Equal(t, EstimateTokens("hello"), EstimateTokens("hello"))
	prev := 0
	for _, n := range []int{0, 1, 4, 5, 100, 1000} {
		got := EstimateTokens(strings.Repeat("a", n))
		assert.GreaterOrEqual(t, got, prev, "estimate must not shrink as content grows")
		prev = got
	}
	assert.Equal(t, 30, EstimateTokens(strings.Repeat("x", 100)))
}

func TestContextStore_AppendAndClear(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.fill(t, 4, 10)

	wc, err := f.cs.WorkingContext(ctx, f.session)
	require.NoError(t, err)
	require.Len(t, wc.Turns, 4)
	for i, turn := range wc.Turns {
		assert.Equal(t, int64(i+1), turn.Seq)
		assert.Positive(t, turn.TokenEstimate)
	}

	require.NoError(t, f.cs.Clear(ctx, f.session))
	wc, err = f.cs.WorkingContext(ctx, f.session)
	require.NoError(t, err)
	assert.Empty(t, wc.Turns)

	n, err := f.st.CountTurns(ctx, f.session)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "clear must keep the durable log")

	f.fill(t, 1, 10)
	wc, err = f.cs.WorkingContext(ctx, f.session)
	require.NoError(t, err)
	require.Len(t, wc.Turns, 1)
	assert.Equal(t, int64(5), wc.Turns[0].Seq)

	require.NoError(t, f.cs.Wipe(ctx, f.session))
	n, err = f.st.CountTurns(ctx, f.session)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWorkingContext_MessagesRendersOrphanToolResults(t *testing.T) {
	t.Parallel()
	wc := &WorkingContext{
		Summary: "user likes tea",
		Turns: []store.Turn{
			{Role: store.RoleTool, ToolCallID: "gone", ToolName: "list_files", Content: "a.txt"},
			{Role: store.RoleUser, Content: "run it"},
			{Role: store.RoleAssistant, ToolCalls: []store.ToolCall{{ID: "c1", Name: "shell_exec", Arguments: `{"command":"ls"}`}}},
			{Role: store.RoleTool, ToolCallID: "c1", ToolName: "shell_exec", Content: "ok"},
		},
	}
	msgs := wc.Messages()
	require.Len(t, msgs, 5)
	assert.Equal(t, provider.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "user likes tea")
	assert.Equal(t, provider.RoleUser, msgs[1].Role, "orphan tool result becomes a note")
	assert.Contains(t, msgs[1].Content, "list_files")
	assert.Equal(t, "c1", msgs[3].ToolCalls[0].ID)
	assert.Equal(t, provider.RoleTool, msgs[4].Role)
	assert.Equal(t, "c1", msgs[4].ToolCallID)
}

func TestMaybeCompact_WithinBudgetIsNoop(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fill(t, 4, 100)
	sum := &fakeSummarizer{out: "never"}
	c := NewCompactor(f.cs, sum, smallBudget(), nil)

	res, err := c.MaybeCompact(context.Background(), f.session)
	require.NoError(t, err)
	assert.False(t, res.Compacted)
	assert.Zero(t, sum.callCount())
}

func TestMaybeCompact_SummarizesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.fill(t, 20, 100) // 20 * 30 = 600 tokens > 500
	sum := &fakeSummarizer{out: "facts"}
	c := NewCompactor(f.cs, sum, smallBudget(), nil)
	require.Equal(t, 500, c.Budget())

	res, err := c.MaybeCompact(ctx, f.session)
	require.NoError(t, err)
	assert.True(t, res.Compacted)
	assert.False(t, res.Degraded)
	assert.Equal(t, 18, res.TurnsFolded)
	assert.LessOrEqual(t, res.After, c.Budget())

	wc, err := f.cs.WorkingContext(ctx, f.session)
	require.NoError(t, err)
	assert.Equal(t, "facts", wc.Summary)
	require.Len(t, wc.Turns, 2)
	assert.Equal(t, int64(19), wc.Turns[0].Seq)
	assert.LessOrEqual(t, wc.Tokens(), c.Budget())

	again, err := c.MaybeCompact(ctx, f.session)
	require.NoError(t, err)
	assert.False(t, again.Compacted)
	assert.Equal(t, 1, sum.callCount())

	n, err := f.st.CountTurns(ctx, f.session)
	require.NoError(t, err)
	assert.Equal(t, 20, n, "compaction never deletes durable turns")
}

func TestMaybeCompact_SummariesCompound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	sum := &fakeSummarizer{out: "first"}
	c := NewCompactor(f.cs, sum, smallBudget(), nil)

	f.fill(t, 20, 100)
	_, err := c.MaybeCompact(ctx, f.session)
	require.NoError(t, err)

	sum.out = "second"
	f.fill(t, 20, 100)
	_, err = c.MaybeCompact(ctx, f.session)
	require.NoError(t, err)

	require.Len(t, sum.previous, 2)
	assert.Equal(t, "", sum.previous[0])
	assert.Equal(t, "first", sum.previous[1], "previous summary must be handed to the summarizer")
}

func TestMaybeCompact_DegradesOnFailure(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		sum  *fakeSummarizer
	}{
		{"summarizer error", &fakeSummarizer{err: errors.New("model unreachable")}},
		{"empty summary", &fakeSummarizer{out: "   "}},
		{"oversized summary", &fakeSummarizer{out: strings.Repeat("y", 4000)}},
		{"no summarizer", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ctx := context.Background()
			f.fill(t, 20, 100)

			var s Summarizer
			if tt.sum != nil {
				s = tt.sum
			}
			c := NewCompactor(f.cs, s, smallBudget(), nil)
			res, err := c.MaybeCompact(ctx, f.session)
			require.NoError(t, err)
			assert.True(t, res.Compacted)
			assert.True(t, res.Degraded)
			assert.Positive(t, res.TurnsFolded)

			wc, err := f.cs.WorkingContext(ctx, f.session)
			require.NoError(t, err)
			assert.True(t, wc.Degraded)
			assert.LessOrEqual(t, wc.Tokens(), c.Budget())
			assert.NotEmpty(t, wc.Turns)
			assert.Equal(t, int64(20), wc.Turns[len(wc.Turns)-1].Seq, "newest turn is kept")

			again, err := c.MaybeCompact(ctx, f.session)
			require.NoError(t, err)
			assert.False(t, again.Compacted)
		})
	}
}

func TestMaybeCompact_ProtectedSuffixKeepsToolPairs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.fill(t, 18, 100)
	require.NoError(t, f.cs.Append(ctx, &store.Turn{
		SessionID: f.session,
		Role:      store.RoleAssistant,
		ToolCalls: []store.ToolCall{{ID: "c1", Name: "list_files", Arguments: "{}"}},
	}))
	require.NoError(t, f.cs.Append(ctx, &store.Turn{
		SessionID: f.session, Role: store.RoleTool, ToolCallID: "c1", ToolName: "list_files",
		Content: strings.Repeat("z", 100),
	}))

	c := NewCompactor(f.cs, &fakeSummarizer{out: "s"}, CompactorConfig{MaxTokens: 1000, Threshold: 0.5, ProtectTurns: 1}, nil)
	_, err := c.MaybeCompact(ctx, f.session)
	require.NoError(t, err)

	wc, err := f.cs.WorkingContext(ctx, f.session)
	require.NoError(t, err)
	require.NotEmpty(t, wc.Turns)
	assert.Equal(t, store.RoleAssistant, wc.Turns[0].Role, "suffix must start at the tool call, not its result")
}

func TestMaybeCompact_ConcurrentCallsRunOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.fill(t, 20, 100)
	sum := &fakeSummarizer{out: "facts", started: make(chan struct{}), release: make(chan struct{})}
	c := NewCompactor(f.cs, sum, smallBudget(), nil)

	var wg sync.WaitGroup
	results := make([]Result, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.MaybeCompact(context.Background(), f.session)
	}()
	<-sum.started
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = c.MaybeCompact(context.Background(), f.session)
	}()
	time.Sleep(20 * time.Millisecond)
	close(sum.release)
	wg.Wait()

	assert.Equal(t, 1, sum.callCount())
	assert.True(t, results[0].Compacted)
}

func TestModelSummarizer(t *testing.T) {
	t.Parallel()
	m := &recordingModel{resp: &provider.Response{Text: "summary"}}
	s := NewModelSummarizer(m, "small-model", 0)
	out, err := s.Summarize(context.Background(), "old facts", []store.Turn{
		{Role: store.RoleUser, Content: "my name is Ana"},
		{Role: store.RoleAssistant, ToolCalls: []store.ToolCall{{Name: "current_time", Arguments: "{}"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "summary", out)
	assert.Equal(t, "small-model", m.req.Model)
	body := m.req.Messages[0].Content
	assert.Contains(t, body, "old facts")
	assert.Contains(t, body, "my name is Ana")
	assert.Contains(t, body, "current_time")

	m.resp = &provider.Response{ToolCalls: []provider.ToolCall{{Name: "x"}}}
	_, err = s.Summarize(context.Background(), "", nil)
	assert.Error(t, err)
}

type recordingModel struct {
	req  provider.Request
	resp *provider.Response
}

func (m *recordingModel) Complete(_ context.Context, req provider.Request) (*provider.Response, error) {
	m.req = req
	return m.resp, nil
}
