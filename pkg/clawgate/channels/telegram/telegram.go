// Package telegram is a long-polling Telegram Bot API channel built on
// plain HTTP calls.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string `yaml:"token" envconfig:"TELEGRAM_BOT_TOKEN"`

	// APIURL overrides https://api.telegram.org, for tests and proxies.
	APIURL string `yaml:"api_url"`

	// PollTimeout is the getUpdates long-poll duration.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// RespondToGroups lets the bot answer in group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// ChunkSize is the maximum characters per sent message.
	ChunkSize int `yaml:"chunk_size"`
}

// DefaultConfig answers DMs only with 30s long polls.
func DefaultConfig() Config {
	return Config{
		APIURL:      "https://api.telegram.org",
		PollTimeout: 30 * time.Second,
		ChunkSize:   channels.DefaultChunkSize,
	}
}

// Telegram implements channels.Channel and channels.TypingChannel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	baseURL  string
	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
	offset     int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Telegram channel. Nothing is contacted until Connect or
// Send.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.APIURL == "" {
		cfg.APIURL = def.APIURL
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: cfg.PollTimeout + 15*time.Second},
		baseURL:  strings.TrimRight(cfg.APIURL, "/") + "/bot" + cfg.Token,
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// ---------- Channel Interface ----------

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token and starts the polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected.Load() {
		return nil
	}

	me, err := t.getMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)

	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.connected.Store(true)
	go t.pollLoop(pollCtx, t.done)
	return nil
}

// Disconnect stops the polling loop and waits for it to exit.
func (t *Telegram) Disconnect() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	t.connected.Store(false)
	t.logger.Info("telegram: disconnected")
	return nil
}

// Send delivers a reply, split into chunks Telegram accepts. It does not
// need a running poll loop, so replies can be pushed from anywhere.
func (t *Telegram) Send(ctx context.Context, chatID string, msg *channels.OutgoingMessage) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}
	for i, chunk := range channels.Split(msg.Content, t.cfg.ChunkSize) {
		payload := map[string]any{
			"chat_id": id,
			"text":    chunk,
		}
		if i == 0 && msg.ReplyTo != "" {
			if msgID, e := strconv.ParseInt(msg.ReplyTo, 10, 64); e == nil {
				payload["reply_parameters"] = map[string]any{
					"message_id":                  msgID,
					"allow_sending_without_reply": true,
				}
			}
		}
		if _, err := t.apiCall(ctx, "sendMessage", payload); err != nil {
			return fmt.Errorf("%w: %v", channels.ErrSendFailed, err)
		}
	}
	return nil
}

// SendTyping shows the "typing..." indicator.
func (t *Telegram) SendTyping(ctx context.Context, chatID string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}
	_, err = t.apiCall(ctx, "sendChatAction", map[string]any{"chat_id": id, "action": "typing"})
	return err
}

// Receive returns the incoming messages channel.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage {
	return t.messages
}

// IsConnected reports whether polling is running.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
	}
}

// ---------- Polling ----------

func (t *Telegram) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t.logger.Info("telegram: polling started")
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			t.logger.Info("telegram: polling stopped")
			return
		}

		updates, err := t.getUpdates(ctx, t.offset, int(t.cfg.PollTimeout/time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.errorCount.Add(1)
			t.logger.Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)
		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			if in := t.toIncoming(u); in != nil {
				select {
				case t.messages <- in:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// toIncoming converts an update into a message, or nil for updates the
// assistant ignores.
func (t *Telegram) toIncoming(u tgUpdate) *channels.IncomingMessage {
	msg := u.Message
	if msg == nil || msg.From == nil || msg.From.IsBot {
		return nil
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	if isGroup && !t.cfg.RespondToGroups {
		return nil
	}

	name := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if name == "" {
		name = msg.From.Username
	}
	t.lastMsg.Store(time.Now())
	return &channels.IncomingMessage{
		ID:        strconv.Itoa(msg.MessageID),
		Channel:   "telegram",
		From:      strconv.FormatInt(msg.From.ID, 10),
		Username:  msg.From.Username,
		FromName:  name,
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Content:   text,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
}

// ---------- Wire Types ----------

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int     `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Date      int     `json:"date"`
	Text      string  `json:"text"`
	Caption   string  `json:"caption"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// ---------- API Helpers ----------

// apiCall POSTs a Bot API method and returns its result.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

func (t *Telegram) getMe(ctx context.Context) (*tgUser, error) {
	data, err := t.apiCall(ctx, "getMe", map[string]any{})
	if err != nil {
		return nil, err
	}
	var user tgUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64, timeoutSecs int) ([]tgUpdate, error) {
	data, err := t.apiCall(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           100,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing getUpdates: %w", err)
	}
	return updates, nil
}
