// Package gateway provides the admin HTTP API for Clawgate: health,
// metrics, pairing approval, tool approvals and user management.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/copilot"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

// Admin is the operator surface the gateway exposes. *copilot.Assistant
// satisfies it.
type Admin interface {
	ApprovePairing(ctx context.Context, code string) (*store.User, error)
	ListPendingPairings(ctx context.Context) ([]*store.PairingRequest, error)
	ListPendingApprovals(ctx context.Context) ([]*store.Approval, error)
	ResolveApproval(ctx context.Context, userRef string, approve bool) (*copilot.Reply, error)
	BlockUser(ctx context.Context, ref string) (*store.User, error)
	UnblockUser(ctx context.Context, ref string) (*store.User, error)
	ListUsers(ctx context.Context) ([]*store.User, error)
	WipeUserData(ctx context.Context, ref string) (*store.User, error)
	Stats(ctx context.Context) (*store.Stats, error)
	Health(ctx context.Context) copilot.Health
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	admin     Admin
	config    copilot.GatewayConfig
	metrics   http.Handler
	channels  func() map[string]channels.HealthStatus
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(g *Gateway) { g.metrics = h }
}

// WithChannelHealth reports channel health on /health.
func WithChannelHealth(fn func() map[string]channels.HealthStatus) Option {
	return func(g *Gateway) { g.channels = fn }
}

// New creates a new Gateway.
func New(admin Admin, cfg copilot.GatewayConfig, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8085"
	}
	g := &Gateway{
		admin:     admin,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		startedAt: time.Now(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Handler builds the router.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(g.authMiddleware)

	r.Get("/health", g.handleHealth)
	if g.metrics != nil {
		r.Method(http.MethodGet, "/metrics", g.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", g.handleStats)

		r.Get("/pairing", g.handleListPairings)
		r.Post("/pairing/{code}/approve", g.handleApprovePairing)

		r.Get("/approvals", g.handleListApprovals)
		r.Post("/approvals/{user}/resolve", g.handleResolveApproval)

		r.Get("/users", g.handleListUsers)
		r.Post("/users/{user}/block", g.handleBlockUser)
		r.Post("/users/{user}/unblock", g.handleUnblockUser)
		r.Delete("/users/{user}/data", g.handleWipeUser)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, "not found", http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

// Start binds the listener and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	ln, err := net.Listen("tcp", g.config.Address)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", g.config.Address, err)
	}
	g.server = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	if g.config.AuthToken == "" && !isLoopback(g.config.Address) {
		g.logger.Warn("SECURITY: gateway has no auth token and listens on a non-loopback address; anyone on the network can manage users",
			"address", g.config.Address)
	}

	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

func isLoopback(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
