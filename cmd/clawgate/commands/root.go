// Package commands implements the clawgate CLI using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clawgate",
		Short: "Clawgate - a gated personal AI assistant",
		Long: `Clawgate is a personal AI assistant reachable over Telegram and the
terminal. New users pair with a one-time code the operator approves, and
dangerous tool calls wait for the user's explicit approval.

Examples:
  clawgate serve
  clawgate chat
  clawgate pairing approve K7P2QX
  clawgate approvals resolve @alice approve`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newPairingCmd(),
		newApprovalsCmd(),
		newUsersCmd(),
		newStatsCmd(),
		newConfigCmd(),
		newSetupCmd(),
		newAuthCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}
