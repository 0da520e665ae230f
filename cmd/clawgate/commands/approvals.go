package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// newApprovalsCmd creates the `clawgate approvals` command group.
func newApprovalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and resolve pending tool approvals",
		Long: `Dangerous tool calls wait for the user's decision. The operator can list
them and decide on the user's behalf; the conversation then resumes and
the user is told the result.

Examples:
  clawgate approvals list
  clawgate approvals resolve @alice approve
  clawgate approvals resolve 123456789 deny`,
	}
	cmd.AddCommand(newApprovalsListCmd(), newApprovalsResolveCmd())
	return cmd
}

func newApprovalsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending approvals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				pending, err := a.assistant.ListPendingApprovals(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(pending) == 0 {
					fmt.Fprintln(out, "No pending approvals.")
					return nil
				}
				w := newTable(out)
				fmt.Fprintln(w, "ID\tUSER\tTOOL\tRISK\tEXPIRES\tARGUMENTS")
				for _, ap := range pending {
					name := ap.UserID
					if u, err := a.assistant.FindUser(ctx, ap.UserID); err == nil {
						name = displayUser(u.Username, u.ExternalID)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						ap.ID, name, ap.ToolName, ap.Risk, formatTime(ap.ExpiresAt), truncate(ap.Arguments, 60))
				}
				return w.Flush()
			})
		},
	}
}

func newApprovalsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "resolve <user> approve|deny",
		Short:     "Approve or deny a user's pending approval",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"approve", "deny"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var approve bool
			switch strings.ToLower(args[1]) {
			case "approve", "yes", "y":
				approve = true
			case "deny", "no", "n":
			default:
				return fmt.Errorf("decision must be approve or deny, got %q", args[1])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				reply, err := a.assistant.ResolveApproval(ctx, args[0], approve)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply.Text)
				return nil
			})
		},
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
