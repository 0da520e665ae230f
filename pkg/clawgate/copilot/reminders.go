package copilot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/clawgate/pkg/clawgate/scheduler"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

const (
	maxReminderChars   = 1000
	maxReminderHorizon = 366 * 24 * time.Hour
	reminderTimeLayout = "Mon 2006-01-02 15:04 MST"
)

var (
	setReminderDesc = tools.MakeDescriptor("set_reminder",
		"Remind the user of something once at a given time. Understands 'in 30 minutes', 'tomorrow at 9am', 'at 15:30' and '2026-05-04 18:00'.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message":         map[string]any{"type": "string", "description": "What to remind the user of"},
				"time_expression": map[string]any{"type": "string", "description": "When to send the reminder"},
			},
			"required": []string{"message", "time_expression"},
		})

	addCronTaskDesc = tools.MakeDescriptor("add_cron_task",
		"Send the user a message on a recurring schedule given as a cron expression (minute hour day month weekday).",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message":         map[string]any{"type": "string", "description": "The message to send on each run"},
				"cron_expression": map[string]any{"type": "string", "description": "For example '0 9 * * 1-5' for 9am on weekdays"},
			},
			"required": []string{"message", "cron_expression"},
		})

	listRemindersDesc = tools.MakeDescriptor("list_reminders", "List the user's reminders and recurring messages.", nil)

	cancelReminderDesc = tools.MakeDescriptor("cancel_reminder", "Cancel one of the user's reminders by id.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"task_id": map[string]any{"type": "string", "description": "Id returned when the reminder was set"},
			},
			"required": []string{"task_id"},
		})
)

func (a *Assistant) registerReminderTools() error {
	regs := []struct {
		desc tools.Descriptor
		h    tools.Handler
	}{
		{setReminderDesc, a.setReminder},
		{addCronTaskDesc, a.addCronTask},
		{listRemindersDesc, a.listReminders},
		{cancelReminderDesc, a.cancelReminder},
	}
	for _, reg := range regs {
		if a.tools.Has(reg.desc.Name) {
			continue
		}
		if err := a.tools.Register(reg.desc, reg.h); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assistant) setReminder(ctx context.Context, args map[string]any) (string, error) {
	caller, ok := tools.CallerFrom(ctx)
	if !ok {
		return "", errors.New("reminders need a user")
	}
	msg, err := reminderMessage(args)
	if err != nil {
		return "", err
	}
	now := a.now()
	at, err := parseWhen(stringArg(args, "time_expression"), now)
	if err != nil {
		return "", err
	}
	switch {
	case !at.After(now):
		return "", fmt.Errorf("%s is in the past", at.Format(reminderTimeLayout))
	case at.Sub(now) > maxReminderHorizon:
		return "", errors.New("reminders can be set at most a year ahead")
	}

	r := &store.Reminder{ID: uuid.NewString(), UserID: caller.UserID, Message: msg, NextRun: at, CreatedAt: now}
	if err := a.store.CreateReminder(ctx, r, a.cfg.Reminders.MaxPerUser); err != nil {
		return "", err
	}
	a.logger.Info("reminder set", "user", caller.UserID, "id", r.ID, "at", at)
	return fmt.Sprintf("Reminder set for %s (id %s).", at.Format(reminderTimeLayout), r.ID), nil
}

func (a *Assistant) addCronTask(ctx context.Context, args map[string]any) (string, error) {
	caller, ok := tools.CallerFrom(ctx)
	if !ok {
		return "", errors.New("reminders need a user")
	}
	msg, err := reminderMessage(args)
	if err != nil {
		return "", err
	}
	spec := strings.TrimSpace(stringArg(args, "cron_expression"))
	sched, err := scheduler.ParseSchedule(spec)
	if err != nil {
		return "", err
	}
	now := a.now()
	next := sched.Next(now)
	if next.IsZero() {
		return "", fmt.Errorf("schedule %q never runs", spec)
	}

	r := &store.Reminder{ID: uuid.NewString(), UserID: caller.UserID, Message: msg, Schedule: spec, NextRun: next, CreatedAt: now}
	if err := a.store.CreateReminder(ctx, r, a.cfg.Reminders.MaxPerUser); err != nil {
		return "", err
	}
	a.logger.Info("recurring reminder set", "user", caller.UserID, "id", r.ID, "schedule", spec)
	return fmt.Sprintf("Recurring message set on %q, next at %s (id %s).", spec, next.Format(reminderTimeLayout), r.ID), nil
}

func (a *Assistant) listReminders(ctx context.Context, _ map[string]any) (string, error) {
	caller, ok := tools.CallerFrom(ctx)
	if !ok {
		return "", errors.New("reminders need a user")
	}
	list, err := a.store.ListReminders(ctx, caller.UserID)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No reminders set.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d reminder(s):\n", len(list))
	for _, r := range list {
		fmt.Fprintf(&b, "- %s: next %s", r.ID, r.NextRun.In(a.now().Location()).Format(reminderTimeLayout))
		if r.Recurring() {
			fmt.Fprintf(&b, ", repeats %q", r.Schedule)
		}
		fmt.Fprintf(&b, "\n  %s\n", r.Message)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (a *Assistant) cancelReminder(ctx context.Context, args map[string]any) (string, error) {
	caller, ok := tools.CallerFrom(ctx)
	if !ok {
		return "", errors.New("reminders need a user")
	}
	id := strings.TrimSpace(stringArg(args, "task_id"))
	if id == "" {
		return "", errors.New("task_id is required")
	}
	if err := a.store.DeleteReminder(ctx, caller.UserID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("no reminder with id %s", id)
		}
		return "", err
	}
	return fmt.Sprintf("Reminder %s cancelled.", id), nil
}

// DeliverReminders sends every due reminder. Each run is claimed in the
// store before it is sent, so a reminder goes out at most once per run
// time. Reminders of blocked users are dropped unsent.
func (a *Assistant) DeliverReminders(ctx context.Context) (int, error) {
	now := a.now()
	due, err := a.store.DueReminders(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("listing due reminders: %w", err)
	}

	sent := 0
	for _, r := range due {
		user, err := a.store.GetUser(ctx, r.UserID)
		if err != nil {
			a.logger.Error("loading reminder owner failed", "id", r.ID, "error", err)
			continue
		}
		if user.TrustState == store.TrustBlocked {
			if n, err := a.store.DeleteUserReminders(ctx, user.ID); err == nil && n > 0 {
				a.logger.Info("dropped reminders of blocked user", "user", user.ID, "count", n)
			}
			continue
		}
		if !a.claimReminder(ctx, r, now) {
			continue
		}
		a.deliver(ctx, user, "Reminder: "+r.Message)
		sent++
	}
	return sent, nil
}

// claimReminder removes a one-shot reminder or advances a recurring one.
// It reports false when another run got there first.
func (a *Assistant) claimReminder(ctx context.Context, r *store.Reminder, now time.Time) bool {
	var err error
	if r.Recurring() {
		sched, perr := scheduler.ParseSchedule(r.Schedule)
		if perr != nil {
			a.logger.Warn("dropping reminder with a bad schedule", "id", r.ID, "error", perr)
			_ = a.store.DeleteReminder(ctx, r.UserID, r.ID)
			return false
		}
		err = a.store.AdvanceReminder(ctx, r, sched.Next(now))
	} else {
		err = a.store.DeleteReminder(ctx, r.UserID, r.ID)
	}
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			a.logger.Error("claiming reminder failed", "id", r.ID, "error", err)
		}
		return false
	}
	return true
}

func reminderMessage(args map[string]any) (string, error) {
	msg := strings.TrimSpace(stringArg(args, "message"))
	switch {
	case msg == "":
		return "", errors.New("message is required")
	case len([]rune(msg)) > maxReminderChars:
		return "", fmt.Errorf("message is longer than %d characters", maxReminderChars)
	}
	return msg, nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// ── Time expressions ──

var (
	relativePattern = regexp.MustCompile(`^in\s+(\d+)\s*(seconds?|secs?|s|minutes?|mins?|m|hours?|hrs?|h|days?|d|weeks?|w)$`)
	clockPattern    = regexp.MustCompile(`^(?:(today|tomorrow)\s+)?(at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)

	absoluteLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04",
		"2006-01-02 15:04",
		"2006-01-02",
	}
)

// parseWhen turns a time expression into an instant relative to now.
// Wall-clock times are read in now's location; a bare clock time that
// has passed today means tomorrow.
func parseWhen(expr string, now time.Time) (time.Time, error) {
	s := strings.ToLower(strings.Join(strings.Fields(expr), " "))
	if s == "" {
		return time.Time{}, errors.New("time_expression is required")
	}

	if m := relativePattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, fmt.Errorf("bad amount in %q", expr)
		}
		return now.Add(time.Duration(n) * timeUnit(m[2])), nil
	}
	if rest, ok := strings.CutPrefix(s, "in "); ok {
		if d, err := time.ParseDuration(strings.ReplaceAll(rest, " ", "")); err == nil && d > 0 {
			return now.Add(d), nil
		}
	}
	if s == "tomorrow" {
		return atClock(now.AddDate(0, 0, 1), 9, 0), nil
	}

	if m := clockPattern.FindStringSubmatch(s); m != nil && (m[1] != "" || m[2] != "" || m[4] != "" || m[5] != "") {
		hour, _ := strconv.Atoi(m[3])
		minute := 0
		if m[4] != "" {
			minute, _ = strconv.Atoi(m[4])
		}
		if m[5] != "" {
			if hour < 1 || hour > 12 {
				return time.Time{}, fmt.Errorf("bad hour in %q", expr)
			}
			hour %= 12
			if m[5] == "pm" {
				hour += 12
			}
		}
		if hour > 23 || minute > 59 {
			return time.Time{}, fmt.Errorf("bad time in %q", expr)
		}

		day := now
		if m[1] == "tomorrow" {
			day = now.AddDate(0, 0, 1)
		}
		t := atClock(day, hour, minute)
		if m[1] == "" && !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}

	trimmed := strings.TrimSpace(expr)
	for _, layout := range absoluteLayouts {
		if t, err := time.ParseInLocation(layout, trimmed, now.Location()); err == nil {
			if layout == "2006-01-02" {
				t = t.Add(9 * time.Hour)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf(`could not understand %q; try "in 30 minutes", "tomorrow at 9am", "at 15:30" or "2026-05-04 18:00"`, expr)
}

func timeUnit(u string) time.Duration {
	switch u[0] {
	case 's':
		return time.Second
	case 'm':
		return time.Minute
	case 'h':
		return time.Hour
	case 'd':
		return 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

func atClock(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
}
