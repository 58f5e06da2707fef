package server

import "net/http"

// registerRoutes sets up all REST API routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// System
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	// Events
	mux.HandleFunc("/api/events/", s.routeEvents)
	mux.HandleFunc("/api/events", s.handleEvents)

	// Queue
	mux.HandleFunc("/api/queue", s.handleQueueStatus)

	// Ops
	mux.HandleFunc("/api/ops/health", s.handleOpsHealth)
	mux.HandleFunc("/api/ops/alerts/", s.routeOpsAlerts)
	mux.HandleFunc("/api/ops/alerts", s.handleOpsAlerts)
	mux.HandleFunc("/api/ops/heal/", s.handleOpsHeal)

	// Stream
	mux.HandleFunc("/api/stream", s.handleStream)
}
