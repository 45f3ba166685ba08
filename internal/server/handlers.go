// internal/server/handlers.go
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/markb/tableside/internal/health"
	"github.com/markb/tableside/internal/log"
	"github.com/markb/tableside/internal/realtime"
	"github.com/markb/tableside/internal/syncbridge"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Health              health.Status `json:"health"`
	Channels            []string      `json:"channels"`
	Aggressive          bool          `json:"aggressive_polling"`
	ActiveSubscriptions int           `json:"active_subscriptions"`
	TotalSubscriptions  int           `json:"total_subscriptions"`
	UptimeSeconds       int64         `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "health monitor not running")
		return
	}
	resp := HealthResponse{
		Health:        s.deps.Health.Status(),
		Channels:      s.deps.Health.Channels(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Bridge != nil {
		resp.Aggressive = s.deps.Bridge.Aggressive()
	}
	if s.deps.Subscriptions != nil {
		resp.ActiveSubscriptions = s.deps.Subscriptions.ActiveCount()
		resp.TotalSubscriptions = s.deps.Subscriptions.TotalCount()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Subscriptions == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "registry not running")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"subscriptions": s.deps.Subscriptions.Status(),
		"active":        s.deps.Subscriptions.ActiveCount(),
		"total":         s.deps.Subscriptions.TotalCount(),
	})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bridge == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "sync bridge not running")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "60")
		s.writeError(w, http.StatusTooManyRequests, "rate_limited", "Too many reconnect requests")
		return
	}
	started := s.deps.Bridge.ForceResubscribe(r.Context())
	status := http.StatusOK
	if !started {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]bool{"started": started})
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

func (s *Server) handleVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Visible == nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Body must be {\"visible\": bool}")
		return
	}
	if s.deps.Bridge == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "sync bridge not running")
		return
	}
	s.deps.Bridge.VisibilityChanged(r.Context(), *req.Visible)
	w.WriteHeader(http.StatusNoContent)
}

type networkRequest struct {
	Online *bool `json:"online"`
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Online == nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Body must be {\"online\": bool}")
		return
	}
	if s.deps.Bridge == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "sync bridge not running")
		return
	}
	s.deps.Bridge.NetworkChanged(r.Context(), *req.Online)
	w.WriteHeader(http.StatusNoContent)
}

// PresenceResponse is the body of GET /presence.
type PresenceResponse struct {
	Status        string                    `json:"status"`
	RetryAttempts int                       `json:"retry_attempts"`
	Count         int                       `json:"count"`
	State         realtime.PresenceSnapshot `json:"state"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.deps.Presence == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "presence tracker not running")
		return
	}
	state := s.deps.Presence.State()
	s.writeJSON(w, http.StatusOK, PresenceResponse{
		Status:        string(s.deps.Presence.Status()),
		RetryAttempts: s.deps.Presence.RetryAttempts(),
		Count:         len(state),
		State:         state,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "history store not configured")
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil || limit < 1 || limit > 1000 {
		s.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
		return
	}
	snaps, err := s.deps.History.List(r.Context(), r.URL.Query().Get("room"), limit)
	if err != nil {
		log.Error("server: history query failed", "error", err.Error())
		s.writeError(w, http.StatusInternalServerError, "history_error", "Failed to read history")
		return
	}
	s.writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n, err := queryInt(r, "n", 100)
	if err != nil || n < 1 {
		s.writeError(w, http.StatusBadRequest, "invalid_n", "n must be a positive integer")
		return
	}
	lines := log.Recent(n)
	if lines == nil {
		lines = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

// handleWorker upgrades to a websocket and attaches the peer to the bridge
// as a background worker.
func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bridge == nil {
		w.Header().Set("Content-Type", "application/json")
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "sync bridge not running")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("server: worker upgrade failed", "error", err.Error())
		return
	}
	worker := syncbridge.NewWSWorker(conn)
	s.deps.Bridge.Attach(worker)
	log.Info("server: worker connected", "remote_addr", r.RemoteAddr)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
