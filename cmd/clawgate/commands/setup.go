package commands

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jholhewres/clawgate/pkg/clawgate/copilot"
	"github.com/jholhewres/clawgate/pkg/clawgate/database"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
)

// newSetupCmd creates the `clawgate setup` interactive wizard.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Walk through the essentials (model provider, API key, Telegram bot,
allowed users, storage) and write a config file. The API key can be kept
in the OS keyring instead of the file.

Examples:
  clawgate setup
  clawgate setup -c ~/.clawgate/config.yaml`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
}

const customProvider = "custom"

func runSetup(cmd *cobra.Command, _ []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("setup needs an interactive terminal; use `clawgate config init` instead")
	}

	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "clawgate.yaml"
	}

	cfg := copilot.DefaultConfig()
	var (
		baseURL      = cfg.Provider.BaseURL
		customURL    string
		apiKey       string
		useKeyring   = true
		allowed      string
		backend      = string(cfg.Database.Backend)
		enableGW     bool
		overwrite    = true
		alreadyThere bool
	)
	if _, err := os.Stat(path); err == nil {
		alreadyThere = true
	}

	// ── Step 1: Assistant & provider ──
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&cfg.Name).
				Validate(notEmpty("name")),
			huh.NewSelect[string]().
				Title("Model provider").
				Options(
					huh.NewOption("OpenAI", "https://api.openai.com/v1"),
					huh.NewOption("OpenRouter", "https://openrouter.ai/api/v1"),
					huh.NewOption("Other OpenAI-compatible API", customProvider),
				).
				Value(&baseURL),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("API base URL").
				Placeholder("http://localhost:11434/v1").
				Value(&customURL).
				Validate(validURL),
		).WithHideFunc(func() bool { return baseURL != customProvider }),
		huh.NewGroup(
			huh.NewInput().
				Title("Model").
				Value(&cfg.Provider.Model).
				Validate(notEmpty("model")),
			huh.NewInput().
				Title("API key").
				Description("Leave empty to use OPENAI_API_KEY from the environment.").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewConfirm().
				Title("Store the API key in the OS keyring?").
				Value(&useKeyring),
		),

		// ── Step 2: Channel & access ──
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("From @BotFather. Leave empty for terminal-only use.").
				EchoMode(huh.EchoModePassword).
				Value(&cfg.Telegram.Token),
			huh.NewInput().
				Title("Allowed users").
				Description("Telegram ids or usernames that skip pairing, comma separated.").
				Value(&allowed),
			huh.NewConfirm().
				Title("Require pairing for everyone else?").
				Value(&cfg.Access.PairingEnabled),
		),

		// ── Step 3: Storage & admin API ──
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Database").
				Options(
					huh.NewOption("SQLite", string(database.BackendSQLite)),
					huh.NewOption("SQLite (pure Go, no cgo)", string(database.BackendSQLitePure)),
					huh.NewOption("PostgreSQL", string(database.BackendPostgreSQL)),
				).
				Value(&backend),
			huh.NewConfirm().
				Title("Enable the admin HTTP API on 127.0.0.1:8085?").
				Value(&enableGW),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("%s exists. Overwrite it?", path)).
				Value(&overwrite),
		).WithHideFunc(func() bool { return !alreadyThere }),
	)

	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Fprintln(cmd.OutOrStdout(), "Setup cancelled.")
			return nil
		}
		return err
	}
	if alreadyThere && !overwrite {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing written.")
		return nil
	}

	// ── Apply answers ──
	cfg.Provider.BaseURL = baseURL
	if baseURL == customProvider {
		cfg.Provider.BaseURL = strings.TrimRight(customURL, "/")
	}
	cfg.Access.AllowedUsers = splitList(allowed)
	cfg.Database.Backend = database.BackendType(backend)
	if cfg.Database.Backend == database.BackendPostgreSQL {
		cfg.Database.URL = "${DATABASE_URL}"
	}
	cfg.Gateway.Enabled = enableGW

	out := cmd.OutOrStdout()
	if apiKey != "" {
		cfg.Provider.APIKey = apiKey
		if useKeyring {
			if err := provider.StoreKeyring(provider.KeyringAPIKey, apiKey); err != nil {
				fmt.Fprintf(out, "Could not use the OS keyring (%v); the key goes into the config file.\n", err)
			} else {
				cfg.Provider.APIKey = ""
				fmt.Fprintln(out, "API key stored in the OS keyring.")
			}
		}
	}

	if err := copilot.SaveConfig(cfg, path); err != nil {
		return err
	}
	fmt.Fprintf(out, "Config written to %s\n", path)
	if cfg.Database.Backend == database.BackendPostgreSQL {
		fmt.Fprintln(out, "Set DATABASE_URL before starting.")
	}
	if cfg.Telegram.Token != "" {
		fmt.Fprintln(out, "Run `clawgate serve` to start the bot.")
	} else {
		fmt.Fprintln(out, "Run `clawgate chat` to talk to the assistant.")
	}
	return nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("enter an http(s) URL")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
