package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	name       string
	connectErr error
	in         chan *IncomingMessage

	mu     sync.Mutex
	sent   []string
	typing int
	up     bool
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, in: make(chan *IncomingMessage, 4)}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.up = true
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.up = false
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Send(_ context.Context, chatID string, msg *OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, chatID+":"+msg.Content)
	return nil
}

func (f *fakeChannel) SendTyping(context.Context, string) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Receive() <-chan *IncomingMessage { return f.in }

func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}

func (f *fakeChannel) Health() HealthStatus { return HealthStatus{Connected: f.IsConnected()} }

func TestManager_MergesAndRoutes(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	tg := newFakeChannel("telegram")
	con := newFakeChannel("console")
	require.NoError(t, m.Register(tg))
	require.NoError(t, m.Register(con))
	require.Error(t, m.Register(newFakeChannel("telegram")), "duplicate name")

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"console", "telegram"}, m.Names())

	tg.in <- &IncomingMessage{Channel: "telegram", Content: "a"}
	con.in <- &IncomingMessage{Channel: "console", Content: "b"}

	got := map[string]bool{}
	for range 2 {
		select {
		case msg := <-m.Messages():
			got[msg.Content] = true
		case <-time.After(2 * time.Second):
			t.Fatal("message not forwarded")
		}
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, got)

	require.NoError(t, m.Send(context.Background(), "telegram", "42", &OutgoingMessage{Content: "hi"}))
	assert.Equal(t, []string{"42:hi"}, tg.sent)
	assert.Error(t, m.Send(context.Background(), "discord", "42", &OutgoingMessage{Content: "hi"}))

	m.SendTyping(context.Background(), "telegram", "42")
	m.SendTyping(context.Background(), "nowhere", "42")
	assert.Equal(t, 1, tg.typing)

	health := m.HealthAll()
	assert.True(t, health["telegram"].Connected)

	m.Stop()
	_, open := <-m.Messages()
	assert.False(t, open, "stream closed after Stop")
	assert.False(t, tg.IsConnected())
}

func TestManager_StartFailures(t *testing.T) {
	t.Parallel()

	empty := NewManager(nil)
	assert.Error(t, empty.Start(context.Background()))

	m := NewManager(nil)
	broken := newFakeChannel("telegram")
	broken.connectErr = errors.New("bad token")
	require.NoError(t, m.Register(broken))
	assert.ErrorContains(t, m.Start(context.Background()), "no channel connected")

	mixed := NewManager(nil)
	ok := newFakeChannel("console")
	require.NoError(t, mixed.Register(broken))
	require.NoError(t, mixed.Register(ok))
	require.NoError(t, mixed.Start(context.Background()))
	assert.True(t, ok.IsConnected())
	mixed.Stop()
}
