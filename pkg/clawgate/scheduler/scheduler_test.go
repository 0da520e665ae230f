package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestAddJob_Validation(t *testing.T) {
	t.Parallel()
	s := New(nil)
	noop := func(context.Context) error { return nil }

	if err := s.AddJob("", Every(time.Second), noop); err == nil {
		t.Error("empty name accepted")
	}
	if err := s.AddJob("x", Every(time.Second), nil); err == nil {
		t.Error("nil function accepted")
	}
	if err := s.AddJob("bad", "not a schedule", noop); err == nil {
		t.Error("invalid schedule accepted")
	}
	if err := s.AddJob("sweep", Every(30*time.Second), noop); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.AddJob("sweep", "@hourly", noop); err == nil {
		t.Error("duplicate name accepted")
	}
	if !s.RemoveJob("sweep") || s.RemoveJob("sweep") {
		t.Error("RemoveJob should succeed once")
	}
}

func TestRunNow_RecordsOutcome(t *testing.T) {
	t.Parallel()
	s := New(nil)
	calls := 0
	fail := errors.New("boom")
	if err := s.AddJob("purge", "@daily", func(context.Context) error {
		calls++
		if calls == 2 {
			return fail
		}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.RunNow("purge"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := s.RunNow("purge"); !errors.Is(err, fail) {
		t.Fatalf("second run = %v, want %v", err, fail)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].Runs != 2 || jobs[0].LastErr != "boom" || jobs[0].LastRun.IsZero() {
		t.Errorf("jobs = %+v", jobs)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("RunNow on unknown job should fail")
	}
}

func TestStart_FiresJobs(t *testing.T) {
	t.Parallel()
	s := New(nil)
	var runs atomic.Int32
	if err := s.AddJob("tick", Every(time.Second), func(context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if runs.Load() == 0 {
		t.Fatal("job never fired")
	}
	s.Stop()
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		spec string
		want time.Time
	}{
		{"0 9 * * *", time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 5, 4, 10, 15, 0, 0, time.UTC)},
		{"@hourly", time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)},
		{" 30 10 * * * ", time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		sched, err := ParseSchedule(tt.spec)
		if err != nil {
			t.Errorf("ParseSchedule(%q): %v", tt.spec, err)
			continue
		}
		if got := sched.Next(from); !got.Equal(tt.want) {
			t.Errorf("ParseSchedule(%q).Next = %v, want %v", tt.spec, got, tt.want)
		}
	}
	for _, bad := range []string{"", "every day", "0 9 * *", "61 * * * *"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Errorf("ParseSchedule(%q) accepted", bad)
		}
	}
}
