package server

import (
	"net/http"
	"strconv"
	"strings"
)

// handleOpsHealth handles GET /api/ops/health: the latest monitor snapshot.
func (s *Server) handleOpsHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	snap, err := s.app.Storage.Ops().LatestSnapshot(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		// No tick yet; report live state instead.
		WriteJSON(w, http.StatusOK, map[string]any{
			"engine_running": s.app.Engine.Running(),
			"worker_count":   0,
			"workers_alive":  0,
			"db_ok":          s.app.Storage.Ping(r.Context()) == nil,
		})
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

// handleOpsAlerts handles GET /api/ops/alerts.
func (s *Server) handleOpsAlerts(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	alerts, err := s.app.Storage.Ops().ListAlerts(r.Context(), limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, alerts)
}

// routeOpsAlerts dispatches POST /api/ops/alerts/{id}/acknowledge.
func (s *Server) routeOpsAlerts(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/ops/alerts/"), "/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[1] != "acknowledge" {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid alert id")
		return
	}
	if err := s.app.Storage.Ops().AcknowledgeAlert(r.Context(), id); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleOpsHeal handles POST /api/ops/heal/{action}.
func (s *Server) handleOpsHeal(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/ops/heal/"), "/")
	if action == "" {
		WriteError(w, http.StatusBadRequest, "Heal action required")
		return
	}

	message, err := s.app.Monitor.Heal(r.Context(), action)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"message": message})
}
