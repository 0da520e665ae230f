package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// withApp opens the app quietly, runs fn and closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx, cmd, os.Stderr, slog.LevelWarn)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// newPairingCmd creates the `clawgate pairing` command group.
func newPairingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairing",
		Short: "Manage pairing requests from new users",
		Long: `Unknown users receive a one-time pairing code. Approving the code
grants them access and notifies them on their channel.

Examples:
  clawgate pairing list
  clawgate pairing approve K7P2QX`,
	}
	cmd.AddCommand(newPairingListCmd(), newPairingApproveCmd())
	return cmd
}

func newPairingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending pairing requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				reqs, err := a.assistant.ListPendingPairings(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(reqs) == 0 {
					fmt.Fprintln(out, "No pending pairing requests.")
					return nil
				}
				w := newTable(out)
				fmt.Fprintln(w, "CODE\tUSER\tISSUED\tEXPIRES")
				for _, r := range reqs {
					name := r.UserID
					if u, err := a.assistant.FindUser(ctx, r.UserID); err == nil {
						name = displayUser(u.Username, u.ExternalID)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Code, name, formatTime(r.IssuedAt), formatTime(r.ExpiresAt))
				}
				return w.Flush()
			})
		},
	}
}

func newPairingApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <code>",
		Short: "Approve a pairing code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				u, err := a.assistant.ApprovePairing(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approved %s (%s).\n", displayUser(u.Username, u.ExternalID), u.Channel)
				return nil
			})
		},
	}
}

func displayUser(username, externalID string) string {
	if username != "" {
		return "@" + username
	}
	return externalID
}
