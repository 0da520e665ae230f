// Package copilot wires the trust and session core together: the session
// orchestrator, chat commands, the admin facade and configuration.
package copilot

import (
	"fmt"
	"time"

	"github.com/jholhewres/clawgate/pkg/clawgate/access"
	"github.com/jholhewres/clawgate/pkg/clawgate/approval"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/telegram"
	"github.com/jholhewres/clawgate/pkg/clawgate/conversation"
	"github.com/jholhewres/clawgate/pkg/clawgate/database"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/ratelimit"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// Config is the top-level configuration.
type Config struct {
	// Name is the assistant name shown in greetings.
	Name string `yaml:"name"`

	// SystemPrompt is sent with every model call.
	SystemPrompt string `yaml:"system_prompt"`

	// SessionTimeout starts a fresh working context after this much
	// inactivity. Zero disables it.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// MaxToolIterations caps model/tool round trips per inbound message.
	MaxToolIterations int `yaml:"max_tool_iterations"`

	// MaxMessageChars rejects inbound messages longer than this.
	MaxMessageChars int `yaml:"max_message_chars"`

	Provider  provider.Config              `yaml:"provider"`
	Database  database.Config              `yaml:"database"`
	Access    access.Config                `yaml:"access"`
	RateLimit ratelimit.Config             `yaml:"rate_limit"`
	Context   conversation.CompactorConfig `yaml:"context"`
	Approval  approval.Config              `yaml:"approval"`
	Tools     tools.Config                 `yaml:"tools"`
	Reminders ReminderConfig               `yaml:"reminders"`
	Telegram  telegram.Config              `yaml:"telegram"`
	Gateway   GatewayConfig                `yaml:"gateway"`
	Logging   LoggingConfig                `yaml:"logging"`
}

// GatewayConfig configures the admin HTTP API.
type GatewayConfig struct {
	// Enabled starts the gateway with `serve`.
	Enabled bool `yaml:"enabled" envconfig:"GATEWAY_ENABLED"`

	// Address is the listen address (default "127.0.0.1:8085").
	Address string `yaml:"address" envconfig:"GATEWAY_ADDRESS"`

	// AuthToken, when set, is required as a Bearer token on /api routes.
	AuthToken string `yaml:"auth_token" envconfig:"GATEWAY_AUTH_TOKEN"`
}

// ReminderConfig configures the reminder tools.
type ReminderConfig struct {
	// Enabled registers set_reminder, add_cron_task, list_reminders and
	// cancel_reminder, and runs the dispatch job.
	Enabled bool `yaml:"enabled" envconfig:"REMINDERS_ENABLED"`

	// MaxPerUser caps the reminders one user can hold.
	MaxPerUser int `yaml:"max_per_user"`

	// CheckInterval is how often due reminders are sent.
	CheckInterval time.Duration `yaml:"check_interval"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level" envconfig:"LOG_LEVEL"`

	// Format is "text" or "json".
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
}

// DefaultConfig returns the configuration used when no file overrides it.
func DefaultConfig() *Config {
	return &Config{
		Name: "Clawgate",
		SystemPrompt: "You are a helpful personal assistant. Use the available tools when they help. " +
			"Some tools need the user's approval before they run; if a call is denied or expires, " +
			"acknowledge it and continue without it.",
		SessionTimeout:    24 * time.Hour,
		MaxToolIterations: 10,
		MaxMessageChars:   16000,
		Provider:          provider.DefaultConfig(),
		Database:          database.DefaultConfig(),
		Access:            access.DefaultConfig(),
		RateLimit:         ratelimit.DefaultConfig(),
		Context:           conversation.DefaultCompactorConfig(),
		Approval:          approval.DefaultConfig(),
		Tools:             tools.DefaultConfig(),
		Reminders: ReminderConfig{
			Enabled:       true,
			MaxPerUser:    20,
			CheckInterval: 30 * time.Second,
		},
		Telegram: telegram.DefaultConfig(),
		Gateway: GatewayConfig{
			Address: "127.0.0.1:8085",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects configurations the assistant cannot run with.
func (c *Config) Validate() error {
	if c.MaxToolIterations <= 0 {
		return fmt.Errorf("max_tool_iterations must be positive")
	}
	if c.RateLimit.Messages <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit needs positive messages and window")
	}
	if c.Context.MaxTokens <= 0 || c.Context.Threshold <= 0 || c.Context.Threshold > 1 {
		return fmt.Errorf("context.max_tokens must be positive and context.threshold in (0, 1]")
	}
	if c.Access.PairingEnabled && c.Access.CodeLength < 4 {
		return fmt.Errorf("access.code_length must be at least 4")
	}
	if _, err := approval.NewClassifier(c.Approval.Risk); err != nil {
		return err
	}
	switch c.RateLimit.Backend {
	case "", "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			return fmt.Errorf("rate_limit.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown rate_limit.backend %q", c.RateLimit.Backend)
	}
	if c.Reminders.Enabled && c.Reminders.CheckInterval < time.Second {
		return fmt.Errorf("reminders.check_interval must be at least 1s")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging.format %q", c.Logging.Format)
	}
	return nil
}
