package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels/telegram"
	"github.com/jholhewres/clawgate/pkg/clawgate/copilot"
	"github.com/jholhewres/clawgate/pkg/clawgate/database"
	"github.com/jholhewres/clawgate/pkg/clawgate/metrics"
	"github.com/jholhewres/clawgate/pkg/clawgate/provider"
	"github.com/jholhewres/clawgate/pkg/clawgate/ratelimit"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
	"github.com/jholhewres/clawgate/pkg/clawgate/tools"
)

// app is the assembled runtime shared by every command that touches the
// store.
type app struct {
	cfg       *copilot.Config
	logger    *slog.Logger
	backend   *database.Backend
	redis     *redis.Client
	metrics   *metrics.Metrics
	channels  *channels.Manager
	assistant *copilot.Assistant
}

// loadConfig resolves --config and loads the effective configuration.
func loadConfig(cmd *cobra.Command) (*copilot.Config, string, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, used, err := copilot.LoadConfig(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, used, nil
}

// newLogger builds the slog logger from the logging section. floor raises
// the configured level, so interactive commands stay quiet.
func newLogger(cfg *copilot.Config, verbose bool, w io.Writer, floor slog.Level) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if level < floor {
		level = floor
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// openApp loads the config and wires the assistant. Channels are
// registered but not started. tweaks run on the loaded config before
// anything is built from it.
func openApp(ctx context.Context, cmd *cobra.Command, w io.Writer, floor slog.Level, tweaks ...func(*copilot.Config)) (*app, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	for _, t := range tweaks {
		t(cfg)
	}
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg, verbose, w, floor)
	slog.SetDefault(logger)
	if path != "" {
		logger.Debug("config loaded", "path", path)
	}

	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	// ── Secrets ──
	key, source := provider.ResolveAPIKey(cfg.Provider.APIKey, logger)
	cfg.Provider.APIKey = key
	logger.Debug("API key resolved", "source", source)

	// ── Storage ──
	a.backend, err = database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	st := store.New(a.backend)

	// ── Tools ──
	registry := tools.NewRegistry(cfg.Tools, logger)
	if err := tools.RegisterBuiltins(registry); err != nil {
		a.Close()
		return nil, fmt.Errorf("registering tools: %w", err)
	}

	// ── Rate limiter ──
	var limiter copilot.Limiter
	if cfg.RateLimit.Backend == "redis" {
		a.redis, err = ratelimit.DialRedis(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		limiter = ratelimit.NewRedis(a.redis, cfg.RateLimit, logger)
	}

	// ── Assistant ──
	a.assistant, err = copilot.New(cfg, copilot.Deps{
		Store:   st,
		Model:   provider.NewOpenAI(cfg.Provider, logger),
		Tools:   registry,
		Limiter: limiter,
		Metrics: a.metrics,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	// ── Channels ──
	a.channels = channels.NewManager(logger)
	if cfg.Telegram.Token != "" {
		if err := a.channels.Register(telegram.New(cfg.Telegram, logger)); err != nil {
			a.Close()
			return nil, err
		}
	}
	// Admin commands reach users through the same channels, without
	// starting their receive loops.
	a.assistant.SetSender(a.channels)
	return a, nil
}

// Close releases storage connections.
func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("closing redis", "error", err)
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Warn("closing database", "error", err)
		}
	}
}

func newQuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
