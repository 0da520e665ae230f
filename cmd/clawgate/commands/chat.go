package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/console"
	"github.com/jholhewres/clawgate/pkg/clawgate/copilot"
	"github.com/jholhewres/clawgate/pkg/clawgate/scheduler"
)

// newChatCmd creates the `clawgate chat` command for a terminal session.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal",
		Long: `Open an interactive session on the console channel. The local user is
always allowlisted, so no pairing is needed. Slash commands work as on
Telegram: /help, /status, /pending, /approve, /deny.

Examples:
  clawgate chat
  clawgate chat --user alice`,
		Args: cobra.NoArgs,
		RunE: runChat,
	}
	cmd.Flags().String("user", "local", "identity to chat as")
	return cmd
}

func runChat(cmd *cobra.Command, _ []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("chat needs an interactive terminal")
	}
	user, _ := cmd.Flags().GetString("user")

	// Ctrl+C is handled by the line editor.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cmd, os.Stderr, slog.LevelWarn, func(cfg *copilot.Config) {
		if !slices.Contains(cfg.Access.AllowedUsers, user) {
			cfg.Access.AllowedUsers = append(cfg.Access.AllowedUsers, user)
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	con := console.New(console.Config{User: user, HistoryFile: historyFile()}, a.logger)
	mgr := channels.NewManager(a.logger)
	if err := mgr.Register(con); err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-con.Done():
		case <-runCtx.Done():
		}
		cancel()
	}()

	sched := scheduler.New(a.logger)
	if err := a.assistant.RegisterJobs(sched); err != nil {
		return err
	}
	sched.Start(runCtx)
	defer sched.Stop()

	fmt.Fprintf(os.Stdout, "%s (%s). Type /help for commands, Ctrl+D to exit.\n",
		a.cfg.Name, a.cfg.Provider.Model)
	return a.assistant.Run(runCtx, mgr)
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	dir := filepath.Join(home, ".clawgate")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "chat_history")
}
