package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// handleStream handles GET /api/stream: Server-Sent Events over a bus queue.
// The connection stays open until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	queue := s.app.Bus.CreateSSEQueue()
	defer s.app.Bus.RemoveSSEQueue(queue)

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-queue:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}
