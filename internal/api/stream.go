// ABOUTME: Server-Sent Events stream of queue and state notifications for operator consoles
// ABOUTME: Each subscriber receives events for one workspace until the request ends

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const streamKeepalive = 25 * time.Second

// handleStream handles GET /api/v1/workspaces/{ws}/stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	ws := r.PathValue("ws")
	events, subID := s.events.Subscribe(ctx, ws)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	writeSSEEvent(w, "subscribed", map[string]string{"workspace_id": ws, "subscription_id": subID})
	flusher.Flush()

	keepalive := time.NewTicker(streamKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte(`{"error":"failed to marshal event"}`)
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
