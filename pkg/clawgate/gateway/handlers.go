package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jholhewres/clawgate/pkg/clawgate/access"
	"github.com/jholhewres/clawgate/pkg/clawgate/approval"
	"github.com/jholhewres/clawgate/pkg/clawgate/channels"
	"github.com/jholhewres/clawgate/pkg/clawgate/copilot"
	"github.com/jholhewres/clawgate/pkg/clawgate/store"
)

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, msg string, code int) {
	var resp errorResponse
	resp.Error.Message = msg
	resp.Error.Code = code
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAdminError maps operator errors to HTTP statuses.
func (g *Gateway) writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrUserNotFound),
		errors.Is(err, access.ErrPairingNotFound),
		errors.Is(err, approval.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, access.ErrPairingExpired):
		writeError(w, err.Error(), http.StatusGone)
	case errors.Is(err, access.ErrUserBlocked):
		writeError(w, err.Error(), http.StatusConflict)
	default:
		g.logger.Error("admin request failed", "path", r.URL.Path, "error", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func slogLevelFor(status int) slog.Level {
	if status >= 500 {
		return slog.LevelWarn
	}
	return slog.LevelDebug
}

// ---------- Views ----------

type userView struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"external_id"`
	Channel      string    `json:"channel"`
	Username     string    `json:"username,omitempty"`
	DisplayName  string    `json:"display_name,omitempty"`
	TrustState   string    `json:"trust_state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func viewUser(u *store.User) userView {
	return userView{
		ID:           u.ID,
		ExternalID:   u.ExternalID,
		Channel:      u.Channel,
		Username:     u.Username,
		DisplayName:  u.DisplayName,
		TrustState:   string(u.TrustState),
		CreatedAt:    u.CreatedAt,
		LastActiveAt: u.LastActiveAt,
	}
}

type pairingView struct {
	Code      string    `json:"code"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type approvalView struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Tool        string    `json:"tool"`
	Arguments   string    `json:"arguments"`
	Risk        string    `json:"risk"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ---------- Handlers ----------

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(g.startedAt).Round(time.Second).String()
	if uptime == "0s" {
		uptime = "<1s"
	}
	resp := struct {
		copilot.Health
		Uptime   string                           `json:"uptime"`
		Channels map[string]channels.HealthStatus `json:"channels,omitempty"`
	}{
		Health: g.admin.Health(r.Context()),
		Uptime: uptime,
	}
	if g.channels != nil {
		resp.Channels = g.channels()
	}
	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// handleStats implements GET /api/stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.admin.Stats(r.Context())
	if err != nil {
		g.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleListPairings implements GET /api/pairing.
func (g *Gateway) handleListPairings(w http.ResponseWriter, r *http.Request) {
	reqs, err := g.admin.ListPendingPairings(r.Context())
	if err != nil {
		g.writeAdminError(w, r, err)
		return
	}
	out := make([]pairingView, 0, len(reqs))
	for _, p := range reqs {
		out = append(out, pairingView{Code: p.Code, UserID: p.UserID, IssuedAt: p.IssuedAt, ExpiresAt: p.ExpiresAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pairings": out})
}

// handleApprovePairing implements POST /api/pairing/{code}/approve.
func (g *Gateway) handleApprovePairing(w http.ResponseWriter, r *http.Request) {
	user, err := g.admin.ApprovePairing(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		g.writeAdminError(w, r, err)
		return
	}
	g.logger.Info("pairing approved via gateway", "user", user.ID)
	writeJSON(w, http.StatusOK, viewUser(user))
}

// handleListApprovals implements GET /api/approvals.
func (g *Gateway) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := g.admin.ListPendingApprovals(r.Context())
	if err != nil {
		g.writeAdminError(w, r, err)
		return
	}
	out := make([]approvalView, 0, len(pending))
	for _, a := range pending {
		out = append(out, approvalView{
			ID:          a.ID,
			UserID:      a.UserID,
			Tool:        a.ToolName,
			Arguments:   a.Arguments,
			Risk:        a.Risk,
			RequestedAt: a.RequestedAt,
			ExpiresAt:   a.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": out})
}

type resolveRequest struct {
	Approve *bool `json:"approve"`
}

// handleResolveApproval implements POST /api/approvals/{user}/resolve
// with body {"approve": true|false}.
func (g *Gateway) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil || json.Unmarshal(body, &req) != nil || req.Approve == nil {
		writeError(w, `body must be {"approve": true|false}`, http.StatusBadRequest)
		return
	}

	reply, err := g.admin.ResolveApproval(r.Context(), chi.URLParam(r, "user"), *req.Approve)
	if err != nil {
		g.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": reply.Kind.String(),
		"reply":  reply.Text,
	})
}

// handleListUsers implements GET /api/users.
func (g *Gateway) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := g.admin.ListUsers(r.Context())
	if err != nil {
		g.writeAdminError(w, r, err)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, viewUser(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

// handleBlockUser implements POST /api/users/{user}/block.
func (g *Gateway) handleBlockUser(w http.ResponseWriter, r *http.Request) {
	user, err := g.admin.BlockUser(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		g.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(user))
}

// handleUnblockUser implements POST /api/users/{user}/unblock.
func (g *Gateway) handleUnblockUser(w http.ResponseWriter, r *http.Request) {
	user, err := g.admin.UnblockUser(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		g.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewUser(user))
}

// handleWipeUser implements DELETE /api/users/{user}/data.
func (g *Gateway) handleWipeUser(w http.ResponseWriter, r *http.Request) {
	user, err := g.admin.WipeUserData(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		g.writeAdminError(w, r, err)
		return
	}
	g.logger.Warn("user data wiped via gateway", "user", user.ID)
	w.WriteHeader(http.StatusNoContent)
}
