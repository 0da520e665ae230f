package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

// newAuthCmd creates the `clawgate auth` command group for the model API
// key kept in the OS keyring.
func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the model API key in the OS keyring",
		Long: `The API key is looked up in the OS keyring first, then OPENAI_API_KEY,
then the config file.

Examples:
  clawgate auth set-key
  echo "$KEY" | clawgate auth set-key
  clawgate auth status
  clawgate auth delete`,
	}
	cmd.AddCommand(newAuthSetKeyCmd(), newAuthStatusCmd(), newAuthDeleteCmd())
	return cmd
}

func newAuthSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the API key in the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := readSecret(cmd, "API key: ")
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("empty key, nothing stored")
			}
			if err := provider.StoreKeyring(provider.KeyringAPIKey, key); err != nil {
				return fmt.Errorf("storing key in keyring: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key stored in the OS keyring.")
			return nil
		},
	}
}

func newAuthStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show where the API key will be taken from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var configured string
			if cfg, _, err := loadConfig(cmd); err == nil {
				configured = cfg.Provider.APIKey
			}
			key, source := provider.ResolveAPIKey(configured, newQuietLogger())
			out := cmd.OutOrStdout()
			if key == "" {
				fmt.Fprintln(out, "No API key found. Run `clawgate auth set-key` or set OPENAI_API_KEY.")
				return nil
			}
			fmt.Fprintf(out, "API key %s (from %s)\n", maskKey(key), source)
			return nil
		},
	}
}

func newAuthDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete",
		Short: "Remove the API key from the OS keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := provider.DeleteKeyring(provider.KeyringAPIKey); err != nil {
				return fmt.Errorf("deleting key from keyring: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "API key removed from the OS keyring.")
			return nil
		},
	}
}

// readSecret prompts without echo on a terminal, or reads one line from a
// pipe.
func readSecret(cmd *cobra.Command, prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(cmd.ErrOrStderr(), prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("reading key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return "****"
	}
	return k[:4] + "..." + k[len(k)-4:]
}
