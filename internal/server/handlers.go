package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nexaas/nexaas/internal/common"
	"github.com/nexaas/nexaas/internal/models"
)

// handleHealth handles GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	dbOK := s.app.Storage.Ping(r.Context()) == nil
	status := "ok"
	code := http.StatusOK
	if !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, map[string]any{
		"status":         status,
		"version":        common.GetVersion(),
		"uptime_seconds": int(time.Since(s.app.StartupTime).Seconds()),
		"engine_running": s.app.Engine.Running(),
		"workers":        s.app.Workers.Running(),
		"db_ok":          dbOK,
	})
}

// handleVersion handles GET /api/version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetFullVersion(),
	})
}

// EventUpsertRequest is the POST /api/events payload.
type EventUpsertRequest struct {
	ID                  string          `json:"id"`
	Type                string          `json:"type"`
	ConditionType       string          `json:"condition_type"`
	ConditionExpr       string          `json:"condition_expr"`
	NextEvalAt          string          `json:"next_eval_at"`
	ActionType          string          `json:"action_type"`
	ActionConfig        json.RawMessage `json:"action_config"`
	Status              string          `json:"status"`
	// Pointer so an explicit priority 0 (most urgent) survives decoding;
	// omitted means the default.
	Priority            *int            `json:"priority"`
	ConcurrencyKey      string          `json:"concurrency_key"`
	MaxRetries          int             `json:"max_retries"`
	RetryBackoffMinutes string          `json:"retry_backoff_minutes"`
	ExpiresAt           string          `json:"expires_at"`
	Description         string          `json:"description"`
	Metadata            string          `json:"metadata"`
}

// handleEvents handles GET /api/events and POST /api/events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleEventList(w, r)
	case http.MethodPost:
		s.handleEventUpsert(w, r)
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleEventList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	events, err := s.app.Storage.Events().List(r.Context(), status, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, events)
}

func (s *Server) handleEventUpsert(w http.ResponseWriter, r *http.Request) {
	var req EventUpsertRequest
	if !DecodeJSON(w, r, &req) {
		return
	}
	if req.ConditionType == "" || req.ActionType == "" {
		WriteError(w, http.StatusBadRequest, "condition_type and action_type are required")
		return
	}

	id := req.ID
	if id == "" {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	nextEval := time.Now()
	if req.NextEvalAt != "" {
		if t := common.ParseTime(req.NextEvalAt); !t.IsZero() {
			nextEval = t
		}
	}
	backoff := req.RetryBackoffMinutes
	if backoff == "" {
		backoff = "5,15,60"
	}
	priority := models.DefaultJobPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	existing, err := s.app.Storage.Events().Get(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	event := &models.Event{
		ID:                  id,
		Type:                req.Type,
		ConditionType:       req.ConditionType,
		ConditionExpr:       req.ConditionExpr,
		NextEvalAt:          nextEval,
		ActionType:          req.ActionType,
		ActionConfig:        req.ActionConfig,
		Status:              req.Status,
		Priority:            priority,
		ConcurrencyKey:      req.ConcurrencyKey,
		MaxRetries:          req.MaxRetries,
		RetryBackoffMinutes: backoff,
		ExpiresAt:           common.ParseTime(req.ExpiresAt),
		Description:         req.Description,
		Metadata:            req.Metadata,
	}
	if existing != nil {
		event.CreatedAt = existing.CreatedAt
	}
	if err := s.app.Storage.Events().Upsert(r.Context(), event); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	action := "created"
	topic := models.TopicEventCreated
	if existing != nil {
		action = "updated"
		topic = models.TopicEventUpdated
	}
	s.app.Bus.Publish(r.Context(), topic, map[string]any{"event_id": id}, "api")

	WriteJSON(w, http.StatusOK, map[string]string{"id": id, "action": action})
}

// routeEvents dispatches /api/events/{id}, /api/events/{id}/runs, and
// /api/events/{id}/trigger.
func (s *Server) routeEvents(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/events/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if parts[0] == "" {
		WriteError(w, http.StatusNotFound, "Event id required")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		s.handleEventByID(w, r, id)
		return
	}
	switch parts[1] {
	case "runs":
		s.handleEventRuns(w, r, id)
	case "trigger":
		s.handleEventTrigger(w, r, id)
	default:
		WriteError(w, http.StatusNotFound, "Not found")
	}
}

func (s *Server) handleEventByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		event, err := s.app.Storage.Events().Get(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if event == nil {
			WriteError(w, http.StatusNotFound, "Event not found")
			return
		}
		WriteJSON(w, http.StatusOK, event)
	case http.MethodDelete:
		if err := s.app.Storage.Events().Delete(r.Context(), id); err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		RequireMethod(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) handleEventRuns(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	runs, err := s.app.Storage.Runs().ListByEvent(r.Context(), id, limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, runs)
}

// handleEventTrigger handles POST /api/events/{id}/trigger: enqueue the
// event's action immediately with its own priority and concurrency key. For
// flow events an optional payload rides along as trigger_payload.
func (s *Server) handleEventTrigger(w http.ResponseWriter, r *http.Request, id string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	event, err := s.app.Storage.Events().Get(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if event == nil {
		WriteError(w, http.StatusNotFound, "Event not found")
		return
	}

	actionConfig := event.ActionConfig
	var body struct {
		Payload map[string]any `json:"payload"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if len(body.Payload) > 0 {
		var config map[string]any
		if err := json.Unmarshal(event.ActionConfig, &config); err == nil {
			config["trigger_payload"] = body.Payload
			if raw, err := json.Marshal(config); err == nil {
				actionConfig = raw
			}
		}
	}

	jobID, enqueued, err := s.app.Queue.Enqueue(r.Context(), event.ActionType, actionConfig,
		event.ID, "api_trigger", event.Priority, event.ConcurrencyKey)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !enqueued {
		WriteJSON(w, http.StatusConflict, map[string]any{
			"message": "A job with this concurrency key is already active",
		})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"message": "Event " + id + " triggered",
		"job_id":  jobID,
	})
}

// handleQueueStatus handles GET /api/queue.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	status, err := s.app.Queue.Status(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, status)
}
