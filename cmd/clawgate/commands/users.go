package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newUsersCmd creates the `clawgate users` command group.
func newUsersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage known users",
		Long: `Users are referenced by internal id, channel id or @username.

Examples:
  clawgate users list
  clawgate users block @mallory
  clawgate users unblock @mallory
  clawgate users wipe 123456789 --yes`,
	}
	cmd.AddCommand(
		newUsersListCmd(),
		newUsersBlockCmd(),
		newUsersUnblockCmd(),
		newUsersWipeCmd(),
	)
	return cmd
}

func newUsersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users and their trust state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				users, err := a.assistant.ListUsers(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(users) == 0 {
					fmt.Fprintln(out, "No users yet.")
					return nil
				}
				w := newTable(out)
				fmt.Fprintln(w, "ID\tCHANNEL\tUSER\tNAME\tSTATE\tLAST ACTIVE")
				for _, u := range users {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						u.ID, u.Channel, displayUser(u.Username, u.ExternalID), u.DisplayName,
						u.TrustState, formatTime(u.LastActiveAt))
				}
				return w.Flush()
			})
		},
	}
}

func newUsersBlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block <user>",
		Short: "Block a user; their messages are dropped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				u, err := a.assistant.BlockUser(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Blocked %s.\n", displayUser(u.Username, u.ExternalID))
				return nil
			})
		},
	}
}

func newUsersUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <user>",
		Short: "Lift a block; the user is approved again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				u, err := a.assistant.UnblockUser(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unblocked %s.\n", displayUser(u.Username, u.ExternalID))
				return nil
			})
		},
	}
}

func newUsersWipeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wipe <user>",
		Short: "Erase a user's conversation history",
		Long: `Delete every turn and the summary of the user's session. The user and
their trust state are kept. This cannot be undone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("refusing to wipe %s without --yes", args[0])
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				u, err := a.assistant.WipeUserData(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Wiped conversation data of %s.\n", displayUser(u.Username, u.ExternalID))
				return nil
			})
		},
	}
	cmd.Flags().Bool("yes", false, "confirm the wipe")
	return cmd
}

// newStatsCmd creates the `clawgate stats` command.
func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show usage counts and storage health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := a.assistant.Stats(ctx)
				if err != nil {
					return err
				}
				health := a.assistant.Health(ctx)
				out := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(out)
					enc.SetIndent("", "  ")
					return enc.Encode(map[string]any{"stats": stats, "health": health})
				}
				w := newTable(out)
				fmt.Fprintf(w, "Status:\t%s\n", health.Status)
				fmt.Fprintf(w, "Database:\t%s, schema v%d, %s\n",
					health.Database.Backend, health.Database.SchemaVersion, health.Database.Latency.Round(time.Microsecond))
				if health.Database.Error != "" {
					fmt.Fprintf(w, "Database error:\t%s\n", health.Database.Error)
				}
				fmt.Fprintf(w, "Model:\t%s\n", health.Model)
				fmt.Fprintf(w, "Users:\t%d (%d blocked)\n", stats.UserCount, stats.BlockedUsers)
				fmt.Fprintf(w, "Sessions:\t%d\n", stats.SessionCount)
				fmt.Fprintf(w, "Messages:\t%d\n", stats.MessageCount)
				fmt.Fprintf(w, "Pending pairings:\t%d\n", stats.PendingPairings)
				fmt.Fprintf(w, "Pending approvals:\t%d\n", stats.PendingApprovals)
				return w.Flush()
			})
		},
	}
	cmd.Flags().Bool("json", false, "print JSON")
	return cmd
}
