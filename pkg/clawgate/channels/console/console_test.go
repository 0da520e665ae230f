package console

import (
	"bytes"
	"context"
	"testing"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
)

func TestConsole_SendWithoutTerminal(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	c := New(Config{User: "ops", Stdout: &out}, nil)
	if err := c.Send(context.Background(), ChatID, &channels.OutgoingMessage{Content: "hi there"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := out.String(); got != "assistant> hi there\n" {
		t.Errorf("output = %q", got)
	}
}

func TestConsole_ToIncoming(t *testing.T) {
	t.Parallel()
	c := New(Config{}, nil)
	if c.toIncoming("   ") != nil {
		t.Error("blank line produced a message")
	}
	first := c.toIncoming("  hello ")
	second := c.toIncoming("again")
	if first.Content != "hello" || first.From != "local" || first.ChatID != ChatID || first.Channel != "console" {
		t.Errorf("message = %+v", first)
	}
	if first.ID == second.ID {
		t.Error("message ids must be unique")
	}
	if c.Health().LastMessageAt.IsZero() {
		t.Error("health should record the last message")
	}
}
