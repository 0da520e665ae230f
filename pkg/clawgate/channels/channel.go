// Package channels defines the contract between chat transports and the
// assistant. A channel delivers inbound text messages and sends replies;
// the assistant never branches on which channel it talks to.
package channels

import (
	"context"
	"errors"
	"time"
)

// Channel is implemented by every transport.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect starts receiving messages.
	Connect(ctx context.Context) error

	// Disconnect stops receiving. Pending sends may still complete.
	Disconnect() error

	// Send delivers a reply to a chat.
	Send(ctx context.Context, chatID string, msg *OutgoingMessage) error

	// Receive returns the stream of inbound messages.
	Receive() <-chan *IncomingMessage

	// IsConnected reports whether the channel is receiving.
	IsConnected() bool

	// Health returns the channel health status.
	Health() HealthStatus
}

// TypingChannel is implemented by channels that can show a typing
// indicator while a reply is produced.
type TypingChannel interface {
	Channel
	SendTyping(ctx context.Context, chatID string) error
}

// IncomingMessage is a message received from a channel.
type IncomingMessage struct {
	// ID is the message identifier in the source channel.
	ID string

	// Channel is the source channel name.
	Channel string

	// From is the sender's stable identifier on the platform.
	From string

	// Username is the sender's handle without "@", if any.
	Username string

	// FromName is the sender's display name.
	FromName string

	// ChatID is where replies go.
	ChatID string

	// Content is the text of the message.
	Content string

	// Timestamp is when the platform received the message.
	Timestamp time.Time
}

// OutgoingMessage is a reply to be sent through a channel.
type OutgoingMessage struct {
	// Content is the full text. Channels split it with Split.
	Content string

	// ReplyTo is the ID of the message being answered, if any.
	ReplyTo string
}

// HealthStatus is a channel's health snapshot.
type HealthStatus struct {
	Connected     bool      `json:"connected"`
	LastMessageAt time.Time `json:"last_message_at"`
	ErrorCount    int       `json:"error_count"`
}

var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
)
