package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/clawgate/pkg/clawgate/gateway"
	"github.com/jholhewres/clawgate/pkg/clawgate/scheduler"
)

// newServeCmd creates the `clawgate serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with messaging channels",
		Long: `Start Clawgate as a daemon: connect the configured channels, process
messages, expire stale approvals and, when enabled, serve the admin API.

Examples:
  clawgate serve
  clawgate serve --config ./config.yaml
  TELEGRAM_BOT_TOKEN=... clawgate serve -v`,
		RunE: runServe,
	}
}

var errStreamClosed = errors.New("message stream closed")

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Assemble ──
	a, err := openApp(ctx, cmd, os.Stdout, slog.LevelDebug)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	if len(a.channels.Names()) == 0 {
		return fmt.Errorf("no channel configured: set telegram.token (or TELEGRAM_BOT_TOKEN), or use `clawgate chat`")
	}

	sched := scheduler.New(logger)
	if err := a.assistant.RegisterJobs(sched); err != nil {
		return fmt.Errorf("registering jobs: %w", err)
	}

	// ── Start ──
	if err := a.channels.Start(ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}
	defer a.channels.Stop()

	var gw *gateway.Gateway
	if a.cfg.Gateway.Enabled {
		gw = gateway.New(a.assistant, a.cfg.Gateway, logger,
			gateway.WithMetrics(a.metrics.Handler()),
			gateway.WithChannelHealth(a.channels.HealthAll),
		)
		if err := gw.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.assistant.Run(gctx, a.channels)
		if err == nil && gctx.Err() == nil {
			return errStreamClosed
		}
		return err
	})
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})

	logger.Info("Clawgate running. Press Ctrl+C to stop.",
		"name", a.cfg.Name,
		"model", a.cfg.Provider.Model,
		"channels", a.channels.Names(),
		"pairing", a.cfg.Access.PairingEnabled,
		"gateway", a.cfg.Gateway.Enabled,
	)

	// ── Wait for shutdown ──
	runErr := g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutdown signal received, stopping...")
		runErr = nil
	}

	if gw != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown", "error", err)
		}
	}
	if runErr != nil {
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}
