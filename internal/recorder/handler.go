package recorder

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Handler exposes the read-only status endpoints using go-chi.
type Handler struct {
	registry *Registry
	history  SessionHistory
	log      *slog.Logger
}

// NewHandler returns a Handler reading targets from reg and past sessions
// from history.
func NewHandler(reg *Registry, history SessionHistory, log *slog.Logger) *Handler {
	return &Handler{registry: reg, history: history, log: log}
}

// Routes mounts the handler's endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Route("/targets", func(r chi.Router) {
		r.Get("/", h.ListTargets)
		r.Get("/{platform}/{channel}", h.GetTarget)
		r.Get("/{platform}/{channel}/sessions", h.ListSessions)
	})
	r.Get("/sessions/{id}", h.GetSession)
}

type targetList struct {
	Targets   []Target `json:"targets"`
	Live      int      `json:"live"`
	Recording int      `json:"recording"`
}

// ListTargets handles GET /targets.
func (h *Handler) ListTargets(w http.ResponseWriter, r *http.Request) {
	targets := h.registry.Snapshot()
	resp := targetList{Targets: targets}
	for _, t := range targets {
		if t.State == StateLive {
			resp.Live++
		}
		if t.Recording {
			resp.Recording++
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetTarget handles GET /targets/{platform}/{channel}.
func (h *Handler) GetTarget(w http.ResponseWriter, r *http.Request) {
	key, ok := targetKeyParam(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	t, ok := h.registry.Get(key)
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": ErrTargetNotFound.Error()})
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

type sessionList struct {
	Sessions []SessionRecord `json:"sessions"`
}

// ListSessions handles GET /targets/{platform}/{channel}/sessions. History
// outlives the target, so a removed target still lists its sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	key, ok := targetKeyParam(r)
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := h.history.RecentSessions(r.Context(), key, limit)
	if err != nil {
		h.log.Error("list sessions failed", slog.String("target", key.String()), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []SessionRecord{}
	}
	h.writeJSON(w, http.StatusOK, sessionList{Sessions: recs})
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := h.history.Session(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ErrSessionNotFound):
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	case err != nil:
		h.log.Error("get session failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// targetKeyParam reads the target key from the route. Channels may be URLs;
// clients escape them into one path segment.
func targetKeyParam(r *http.Request) (TargetKey, bool) {
	channel, err := url.PathUnescape(chi.URLParam(r, "channel"))
	key := TargetKey{Platform: chi.URLParam(r, "platform"), Channel: channel}
	return key, err == nil && key.Platform != "" && key.Channel != ""
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "targets": h.registry.Len()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("write response failed", slog.String("error", err.Error()))
	}
}
