package copilot

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

func TestDispatcher_PreservesPerSenderOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string][]string{}
	d := newDispatcher(func(msg *channels.IncomingMessage) {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen[msg.From] = append(seen[msg.From], msg.Content)
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		for _, from := range []string{"a", "b", "c"} {
			d.submit(&channels.IncomingMessage{Channel: "telegram", From: from, Content: fmt.Sprint(i)})
		}
	}
	d.wait()

	for _, from := range []string{"a", "b", "c"} {
		want := make([]string, 10)
		for i := range want {
			want[i] = fmt.Sprint(i)
		}
		assert.Equal(t, want, seen[from], "order for %s", from)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.queues)
}

func TestSessionLocks(t *testing.T) {
	t.Parallel()
	locks := newSessionLocks()
	ctx := context.Background()

	unlock, err := locks.Lock(ctx, "u1")
	require.NoError(t, err)

	// Another key is independent.
	other, err := locks.Lock(ctx, "u2")
	require.NoError(t, err)
	other()

	// The same key waits, and gives up with the context.
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(short, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan struct{})
	go func() {
		u, err := locks.Lock(ctx, "u1")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	unlock() // second call is a no-op

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not handed over")
	}

	require.Eventually(t, func() bool { return locks.size() == 0 }, time.Second, 5*time.Millisecond)
}

type fakeInbound struct {
	recordingSender
	in chan *channels.IncomingMessage
}

func (f *fakeInbound) Messages() <-chan *channels.IncomingMessage { return f.in }

func (f *fakeInbound) SendTyping(context.Context, string, string) {}

func TestRun_AnswersUntilStreamCloses(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	h.model.fallback = &provider.Response{Text: "pong"}

	in := &fakeInbound{in: make(chan *channels.IncomingMessage, 4)}
	in.in <- incoming("100", "ping")
	in.in <- incoming("100", "ping again")
	in.in <- incoming("400", "hello")
	close(in.in)

	require.NoError(t, h.a.Run(context.Background(), in))

	sent := in.messages()
	require.Len(t, sent, 3)
	var pongs, pairing int
	for _, m := range sent {
		switch {
		case m.text == "pong":
			pongs++
		case m.chatID == "chat-400":
			pairing++
		}
	}
	assert.Equal(t, 2, pongs)
	assert.Equal(t, 1, pairing)
}
