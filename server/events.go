package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"otk-tracker/pkg/tracker"
)

// handleEvents streams cycle notifications as server-sent events. A "state"
// event has an empty payload; a "messages" event carries the new messages.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, cancel := s.engine.Subscribe(8)
	defer cancel()

	ip := clientIP(r)
	s.logger.Debug("Event stream opened", "ip", ip)
	defer s.logger.Debug("Event stream closed", "ip", ip)

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				s.logger.Debug("Failed to write event", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, evt tracker.Event) error {
	data := []byte("{}")
	if evt.Kind == tracker.EventNewMessages {
		msgs := evt.Messages
		if msgs == nil {
			msgs = []tracker.Message{}
		}
		b, err := json.Marshal(msgs)
		if err != nil {
			return fmt.Errorf("encode messages: %w", err)
		}
		data = b
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
	return err
}
