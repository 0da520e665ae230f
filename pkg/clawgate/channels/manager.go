package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager connects every registered channel and merges their inbound
// messages into one stream.
type Manager struct {
	channels map[string]Channel
	messages chan *IncomingMessage
	logger   *slog.Logger

	listenWg sync.WaitGroup
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Call before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects every channel. A channel that fails to connect is logged
// and skipped; Start fails only when none connected.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		snapshot = append(snapshot, ch)
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		return fmt.Errorf("no channels registered")
	}

	connected := 0
	for _, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("channel failed to connect", "channel", ch.Name(), "error", err)
			continue
		}
		connected++
		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listen(c)
		}(ch)
	}
	if connected == 0 {
		return fmt.Errorf("no channel connected")
	}
	m.logger.Info("channels started", "connected", connected)
	return nil
}

// Stop disconnects every channel and closes the merged stream.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Error("channel disconnect failed", "channel", name, "error", err)
		}
	}
	m.mu.RUnlock()

	m.listenWg.Wait()
	close(m.messages)
	m.logger.Info("channels stopped")
}

// Messages is the merged inbound stream. It is closed by Stop.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Send delivers msg through the named channel.
func (m *Manager) Send(ctx context.Context, channelName, chatID string, msg *OutgoingMessage) error {
	m.mu.RLock()
	ch, ok := m.channels[channelName]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("channel %q not found", channelName)
	}
	return ch.Send(ctx, chatID, msg)
}

// SendTyping shows a typing indicator where the channel supports it.
func (m *Manager) SendTyping(ctx context.Context, channelName, chatID string) {
	m.mu.RLock()
	ch, ok := m.channels[channelName]
	m.mu.RUnlock()
	if tc, isTyping := ch.(TypingChannel); ok && isTyping {
		if err := tc.SendTyping(ctx, chatID); err != nil {
			m.logger.Debug("typing indicator failed", "channel", channelName, "error", err)
		}
	}
}

// Names lists registered channels.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthAll returns the health of every registered channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.Health()
	}
	return out
}

func (m *Manager) listen(ch Channel) {
	in := ch.Receive()
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}
