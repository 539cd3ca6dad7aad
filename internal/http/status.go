package http

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/kaibot/internal/agent"
	"github.com/nextlevelbuilder/kaibot/internal/sessions"
)

// Controller is the part of the dispatcher the admin API drives.
type Controller interface {
	Status() agent.Status
	SetDelayMode(on bool) bool
	Snapshot(userID string) (sessions.Snapshot, bool)
}

// StatusHandler serves the operator endpoints under /v1. Every route
// requires the admin bearer token.
type StatusHandler struct {
	ctl      Controller
	token    string
	channels func() map[string]bool // optional
}

func NewStatusHandler(ctl Controller, token string, channels func() map[string]bool) *StatusHandler {
	return &StatusHandler{ctl: ctl, token: token, channels: channels}
}

// RegisterRoutes mounts the admin API. Nothing is mounted without a token.
func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	if h.token == "" {
		slog.Info("admin api disabled (no admin token)")
		return
	}
	mux.HandleFunc("GET /v1/status", h.authMiddleware(h.handleStatus))
	mux.HandleFunc("PUT /v1/delay", h.authMiddleware(h.handleSetDelay))
	mux.HandleFunc("GET /v1/users/{id}", h.authMiddleware(h.handleUser))
}

func (h *StatusHandler) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := extractBearerToken(r)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

type statusResponse struct {
	agent.Status
	Channels map[string]bool `json:"channels,omitempty"`
}

func (h *StatusHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: h.ctl.Status()}
	if h.channels != nil {
		resp.Channels = h.channels()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *StatusHandler) handleSetDelay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": `body must be {"enabled": true|false}`})
		return
	}
	changed := h.ctl.SetDelayMode(*req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"delay_mode": *req.Enabled, "changed": changed})
}

func (h *StatusHandler) handleUser(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.ctl.Snapshot(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
