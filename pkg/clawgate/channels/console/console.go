// Package console is a terminal channel for local chats with the
// assistant, built on chzyer/readline.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

// ChatID is the single chat the console serves.
const ChatID = "console"

// Config configures the console channel.
type Config struct {
	// User is the identity the local operator chats as.
	User string

	// HistoryFile keeps input history between runs; empty disables it.
	HistoryFile string

	// Stdin and Stdout default to the process terminal.
	Stdin  io.ReadCloser
	Stdout io.Writer
}

// Console implements channels.Channel over a terminal.
type Console struct {
	cfg    Config
	logger *slog.Logger

	rl       *readline.Instance
	messages chan *channels.IncomingMessage
	seq      atomic.Int64
	lastMsg  atomic.Value // time.Time

	mu        sync.Mutex
	connected bool
	done      chan struct{}
}

// New creates a console channel.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.User == "" {
		cfg.User = "local"
	}
	return &Console{
		cfg:      cfg,
		logger:   logger.With("component", "console"),
		messages: make(chan *channels.IncomingMessage, 1),
	}
}

// Name returns "console".
func (c *Console) Name() string { return "console" }

// Connect opens the terminal and starts reading lines. Receive is closed
// when input ends.
func (c *Console) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you> ",
		HistoryFile:     c.cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           c.cfg.Stdin,
		Stdout:          c.cfg.Stdout,
	})
	if err != nil {
		return fmt.Errorf("console: opening terminal: %w", err)
	}
	c.rl = rl
	c.connected = true
	c.done = make(chan struct{})
	go c.readLoop(ctx)
	return nil
}

func (c *Console) readLoop(ctx context.Context) {
	defer close(c.messages)
	defer close(c.done)
	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("console: read failed", "error", err)
			}
			return
		}
		msg := c.toIncoming(line)
		if msg == nil {
			continue
		}
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// toIncoming wraps a typed line, or returns nil for blank input.
func (c *Console) toIncoming(line string) *channels.IncomingMessage {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	now := time.Now()
	c.lastMsg.Store(now)
	return &channels.IncomingMessage{
		ID:        strconv.FormatInt(c.seq.Add(1), 10),
		Channel:   "console",
		From:      c.cfg.User,
		Username:  c.cfg.User,
		FromName:  c.cfg.User,
		ChatID:    ChatID,
		Content:   line,
		Timestamp: now,
	}
}

// Disconnect closes the terminal.
func (c *Console) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.rl.Close()
}

// Send prints a reply.
func (c *Console) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) error {
	out := c.cfg.Stdout
	c.mu.Lock()
	if c.rl != nil {
		out = c.rl.Stdout()
	}
	c.mu.Unlock()
	if out == nil {
		return channels.ErrChannelDisconnected
	}
	_, err := fmt.Fprintf(out, "assistant> %s\n", msg.Content)
	return err
}

// Receive returns typed lines.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// Done is closed once input has ended.
func (c *Console) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// IsConnected reports whether the terminal is open.
func (c *Console) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := c.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{Connected: c.IsConnected(), LastMessageAt: lastAt}
}
