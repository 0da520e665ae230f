package ratelimit

import (
	"context"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestMemory_ThirtyFirstMessageRejected(t *testing.T) {
	t.Parallel()
	l := NewMemory(Config{Messages: 30, Window: time.Minute}, nil)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		ok, err := l.Allow(ctx, "u1", t0.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("message %d rejected, want allowed", i+1)
		}
	}
	ok, _ := l.Allow(ctx, "u1", t0.Add(31*time.Second))
	if ok {
		t.Fatal("31st message within the window allowed")
	}
}

func TestMemory_RejectionNotRecorded(t *testing.T) {
	t.Parallel()
	l := NewMemory(Config{Messages: 2, Window: 10 * time.Second}, nil)
	ctx := context.Background()

	l.Allow(ctx, "u", t0)
	l.Allow(ctx, "u", t0.Add(time.Second))
	for i := 2; i < 9; i++ {
		if ok, _ := l.Allow(ctx, "u", t0.Add(time.Duration(i)*time.Second)); ok {
			t.Fatalf("allowed at +%ds", i)
		}
	}
	// The first accepted message leaves the window at +10s; rejected
	// attempts must not have extended it.
	if ok, _ := l.Allow(ctx, "u", t0.Add(10*time.Second+time.Millisecond)); !ok {
		t.Error("rejected after the oldest message left the window")
	}
}

func TestMemory_KeysIndependent(t *testing.T) {
	t.Parallel()
	l := NewMemory(Config{Messages: 1, Window: time.Minute}, nil)
	ctx := context.Background()

	if ok, _ := l.Allow(ctx, "a", t0); !ok {
		t.Fatal("a rejected")
	}
	if ok, _ := l.Allow(ctx, "b", t0); !ok {
		t.Error("b throttled by a's window")
	}
	if ok, _ := l.Allow(ctx, "a", t0); ok {
		t.Error("a allowed twice")
	}
	l.Reset("a")
	if ok, _ := l.Allow(ctx, "a", t0); !ok {
		t.Error("a rejected after Reset")
	}
}

func TestMemory_Prune(t *testing.T) {
	t.Parallel()
	l := NewMemory(Config{Messages: 5, Window: time.Minute}, nil)
	ctx := context.Background()

	l.Allow(ctx, "old", t0)
	l.Allow(ctx, "new", t0.Add(50*time.Second))
	if n := l.Prune(t0.Add(70 * time.Second)); n != 1 {
		t.Errorf("Prune = %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("Len = %d, want 1", l.Len())
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()
	c := Config{}.withDefaults()
	if c.Messages != 30 || c.Window != time.Minute {
		t.Errorf("defaults = %+v, want 30/1m", c)
	}
}
