// Package copilot – commands.go implements the chat commands a paired
// user can send instead of a message for the model:
//
//	/start, /help        - Show available commands
//	/status              - Show session and context state
//	/clear               - Start over with an empty working context
//	/model [name]        - Show or change the model for this session
//	/pending             - Show the approval waiting for a decision
//	/approve [id]        - Run the pending tool call
//	/deny [id]           - Cancel the pending tool call
//
// Anything else starting with "/" goes to the model like any message.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jholhewres/clawgate/pkg/clawgate/approval"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

// CommandResult is the outcome of command parsing.
type CommandResult struct {
	Reply *Reply

	// Handled is false when the text was not a known command.
	Handled bool
}

// IsCommand reports whether content starts with "/".
func IsCommand(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "/")
}

// parseCommand splits "/cmd@bot arg ..." into a lowercase command and its
// arguments.
func parseCommand(content string) (string, []string) {
	parts := strings.Fields(strings.TrimSpace(content))
	if len(parts) == 0 {
		return "", nil
	}
	cmd := strings.ToLower(parts[0])
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return cmd, parts[1:]
}

// handleCommand runs a chat command. The caller holds the user's lock.
func (a *Assistant) handleCommand(ctx context.Context, user *store.User, sess *store.Session, content string) CommandResult {
	if !IsCommand(content) {
		return CommandResult{}
	}
	cmd, args := parseCommand(content)

	var reply *Reply
	switch cmd {
	case "/start", "/help":
		reply = textReply(a.helpText())
	case "/status":
		reply = a.cmdStatus(ctx, user, sess)
	case "/clear", "/reset":
		reply = a.cmdClear(ctx, sess)
	case "/model":
		reply = a.cmdModel(ctx, sess, args)
	case "/pending":
		reply = a.cmdPending(ctx, user)
	case "/approve", "/deny":
		id := ""
		if len(args) > 0 {
			id = args[0]
		}
		reply = a.resolveLocked(ctx, user, id, cmd == "/approve")
	default:
		return CommandResult{}
	}
	return CommandResult{Reply: reply, Handled: true}
}

func (a *Assistant) helpText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s commands\n\n", a.cfg.Name)
	b.WriteString("/status - session and context state\n")
	b.WriteString("/clear - start over with an empty context\n")
	b.WriteString("/model [name] - show or change the model\n")
	b.WriteString("/pending - show the approval waiting for you\n")
	b.WriteString("/approve [id] - run the pending tool call\n")
	b.WriteString("/deny [id] - cancel the pending tool call\n")
	b.WriteString("/help - this message\n\n")
	b.WriteString("Anything else is sent to the assistant.")
	return b.String()
}

func (a *Assistant) cmdStatus(ctx context.Context, user *store.User, sess *store.Session) *Reply {
	wc, err := a.contexts.WorkingContext(ctx, sess.ID)
	if err != nil {
		return errorReply(KindInternal, "Could not read the session state.", err)
	}
	turns, err := a.store.CountTurns(ctx, sess.ID)
	if err != nil {
		return errorReply(KindInternal, "Could not read the session state.", err)
	}

	model := sess.Model
	if model == "" {
		model = a.cfg.Provider.Model + " (default)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s status\n\n", a.cfg.Name)
	fmt.Fprintf(&b, "Model: %s\n", model)
	fmt.Fprintf(&b, "Turns: %d total, %d in context\n", turns, len(wc.Turns))
	fmt.Fprintf(&b, "Context: %d / %d tokens\n", wc.Tokens(), a.compactor.Budget())
	if wc.Summary != "" {
		fmt.Fprintf(&b, "Summary: %d tokens\n", wc.SummaryTokens)
	}
	if wc.Degraded {
		b.WriteString("Note: older turns were dropped without a summary\n")
	}
	fmt.Fprintf(&b, "Rate limit: %d messages per %s\n", a.cfg.RateLimit.Messages, a.cfg.RateLimit.Window)

	if ap, err := a.approvals.Pending(ctx, user.ID); err == nil {
		fmt.Fprintf(&b, "Pending approval: %s (id %s)\n", ap.ToolName, ap.ID)
	}
	return textReply(strings.TrimRight(b.String(), "\n"))
}

func (a *Assistant) cmdClear(ctx context.Context, sess *store.Session) *Reply {
	if err := a.contexts.Clear(ctx, sess.ID); err != nil {
		return errorReply(KindInternal, "Could not clear the session.", err)
	}
	return textReply("Context cleared. The conversation starts fresh; the history is kept.")
}

func (a *Assistant) cmdModel(ctx context.Context, sess *store.Session, args []string) *Reply {
	if len(args) == 0 {
		if sess.Model == "" {
			return textReply(fmt.Sprintf("Model: %s (default)", a.cfg.Provider.Model))
		}
		return textReply("Model: " + sess.Model)
	}

	name := args[0]
	if strings.EqualFold(name, "default") {
		name = ""
	}
	if err := a.store.SetSessionModel(ctx, sess.ID, name); err != nil {
		return errorReply(KindInternal, "Could not change the model.", err)
	}
	if name == "" {
		return textReply(fmt.Sprintf("Model reset to the default (%s).", a.cfg.Provider.Model))
	}
	return textReply("Model set to " + name + ".")
}

func (a *Assistant) cmdPending(ctx context.Context, user *store.User) *Reply {
	ap, err := a.approvals.Pending(ctx, user.ID)
	if errors.Is(err, approval.ErrNotFound) {
		return textReply("Nothing is waiting for your approval.")
	}
	if err != nil {
		return errorReply(KindInternal, "Could not read pending approvals.", err)
	}
	return &Reply{Text: approval.FormatPrompt(ap, a.now()), Approval: ap}
}
