package copilot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

func withReminders(cfg *Config) {
	cfg.Reminders.Enabled = true
}

func TestParseWhen(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	day := func(d, h, m int) time.Time { return time.Date(2026, 5, d, h, m, 0, 0, time.UTC) }

	tests := []struct {
		expr string
		want time.Time
	}{
		{"in 30 minutes", day(4, 10, 30)},
		{"in 2 hours", day(4, 12, 0)},
		{"In 1h30m", day(4, 11, 30)},
		{"in 3 days", day(7, 10, 0)},
		{"tomorrow", day(5, 9, 0)},
		{"tomorrow at 9am", day(5, 9, 0)},
		{"tomorrow at 12am", day(5, 0, 0)},
		{"at 3pm", day(4, 15, 0)},
		{"at 12pm", day(4, 12, 0)},
		{"at 9:15", day(5, 9, 15)},
		{"15:30", day(4, 15, 30)},
		{"today at 8am", day(4, 8, 0)},
		{"2026-05-06 18:00", day(6, 18, 0)},
		{"2026-05-06", day(6, 9, 0)},
		{"2026-05-06T18:00:00+02:00", day(6, 16, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := parseWhen(tt.expr, now)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %v, want %v", got, tt.want)
		})
	}

	for _, bad := range []string{"", "whenever", "3", "at 25:00", "at 13pm", "at 9:75"} {
		_, err := parseWhen(bad, now)
		assert.Error(t, err, "parseWhen(%q)", bad)
	}
}

func TestReminders_SetAndDeliverOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withReminders)
	ctx := context.Background()
	h.model.steps = []step{{resp: toolCall("call_1", "set_reminder", `{"message":"stretch","time_expression":"in 30 minutes"}`)}}
	h.model.fallback = &provider.Response{Text: "I'll remind you."}

	reply := h.a.HandleMessage(ctx, incoming("100", "remind me to stretch in half an hour"))
	assert.Equal(t, KindNone, reply.Kind)
	assert.Equal(t, "I'll remind you.", reply.Text)

	u, err := h.st.GetUserByExternalID(ctx, "100")
	require.NoError(t, err)
	list, err := h.st.ListReminders(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "stretch", list[0].Message)
	assert.True(t, h.clock.now().Add(30*time.Minute).Equal(list[0].NextRun))

	n, err := h.a.DeliverReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due yet")

	h.clock.advance(31 * time.Minute)
	n, err = h.a.DeliverReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = h.a.DeliverReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a one-shot reminder goes out once")

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "chat-100", sent[0].chatID)
	assert.Equal(t, "Reminder: stretch", sent[0].text)

	list, err = h.st.ListReminders(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReminders_RecurringAdvances(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withReminders)
	ctx := context.Background()
	h.model.steps = []step{{resp: toolCall("call_1", "add_cron_task", `{"message":"standup","cron_expression":"0 9 * * *"}`)}}

	h.a.HandleMessage(ctx, incoming("100", "every morning at 9 remind me of the standup"))
	u, err := h.st.GetUserByExternalID(ctx, "100")
	require.NoError(t, err)

	// The harness clock starts at 10:00, so the first run is tomorrow.
	h.clock.advance(23 * time.Hour)
	n, err := h.a.DeliverReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := h.st.ListReminders(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Recurring())
	assert.Equal(t, time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC), list[0].NextRun.UTC())

	n, err = h.a.DeliverReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReminders_BlockedUserIsNotReminded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, withReminders)
	ctx := context.Background()
	h.model.steps = []step{{resp: toolCall("call_1", "set_reminder", `{"message":"pay rent","time_expression":"in 5 minutes"}`)}}

	h.a.HandleMessage(ctx, incoming("100", "remind me"))
	u, err := h.a.BlockUser(ctx, "100")
	require.NoError(t, err)

	h.clock.advance(10 * time.Minute)
	n, err := h.a.DeliverReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, h.sender.messages())

	list, err := h.st.ListReminders(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReminders_ToolErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(cfg *Config) {
		withReminders(cfg)
		cfg.Reminders.MaxPerUser = 1
	})
	ctx := context.Background()
	h.a.HandleMessage(ctx, incoming("100", "hi"))
	u, err := h.st.GetUserByExternalID(ctx, "100")
	require.NoError(t, err)
	asUser := tools.WithCaller(ctx, tools.Caller{UserID: u.ID})
	run := func(ctx context.Context, name, args string) (string, error) {
		return h.a.tools.Execute(ctx, name, args, 0)
	}

	_, err = run(ctx, "list_reminders", `{}`)
	assert.Error(t, err, "no caller")

	_, err = run(asUser, "set_reminder", `{"message":"late","time_expression":"today at 8am"}`)
	assert.ErrorContains(t, err, "in the past")
	_, err = run(asUser, "set_reminder", `{"message":"","time_expression":"in 5 minutes"}`)
	assert.ErrorContains(t, err, "message is required")
	_, err = run(asUser, "add_cron_task", `{"message":"x","cron_expression":"every day"}`)
	assert.Error(t, err)

	out, err := run(asUser, "set_reminder", `{"message":"water plants","time_expression":"in 1 hour"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "Reminder set for")
	_, err = run(asUser, "set_reminder", `{"message":"second","time_expression":"in 2 hours"}`)
	assert.ErrorIs(t, err, store.ErrLimitReached)

	list, err := h.st.ListReminders(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)

	out, err = run(asUser, "list_reminders", `{}`)
	require.NoError(t, err)
	assert.Contains(t, out, list[0].ID)
	assert.Contains(t, out, "water plants")

	other := tools.WithCaller(ctx, tools.Caller{UserID: "someone-else"})
	_, err = run(other, "cancel_reminder", `{"task_id":"`+list[0].ID+`"}`)
	assert.ErrorContains(t, err, "no reminder")

	out, err = run(asUser, "cancel_reminder", `{"task_id":"`+list[0].ID+`"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled")
	out, err = run(asUser, "list_reminders", `{}`)
	require.NoError(t, err)
	assert.Equal(t, "No reminders set.", out)
}
