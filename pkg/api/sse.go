package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleSessionLogStream streams a session's log as server-sent events:
// the broker replays the retained buffer first, then pushes live entries.
// Broker heartbeats become SSE comments so proxies keep the connection
// open without polluting the event stream.
func (s *server) handleSessionLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")

		return
	}

	sessionID := chi.URLParam(r, "id")

	sub := s.deps.Broker.Subscribe(sessionID)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-sub.C():
			if !ok {
				return
			}

			if entry.Heartbeat {
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}

				flusher.Flush()

				continue
			}

			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}

			if _, err := fmt.Fprintf(w, "event: log\ndata: %s\n\n", data); err != nil {
				return
			}

			flusher.Flush()
		}
	}
}
