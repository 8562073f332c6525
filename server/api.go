package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"otk-tracker/catalog"
	"otk-tracker/media"
	"otk-tracker/pkg/tracker"
	"otk-tracker/poll"
	"otk-tracker/storage"
)

// threadView is one active thread as shown to clients.
type threadView struct {
	ID       tracker.ThreadID `json:"id"`
	Title    string           `json:"title"`
	Color    string           `json:"color"`
	Messages int              `json:"messages"`
	LastPost int64            `json:"lastPost"`
}

type backgroundView struct {
	Enabled         bool  `json:"enabled"`
	IntervalSeconds int64 `json:"intervalSeconds"`
}

type stateView struct {
	Threads    []threadView   `json:"threads"`
	Stats      tracker.Stats  `json:"stats"`
	Background backgroundView `json:"background"`
	Syncing    bool           `json:"syncing"`
}

// threadTitle returns the opening post subject, or a numbered placeholder.
func threadTitle(id tracker.ThreadID, msgs []tracker.Message) string {
	for _, m := range msgs {
		if m.Title != "" {
			return m.Title
		}
	}
	return "Thread " + id.String()
}

func (s *Server) view(ctx context.Context) stateView {
	snap := s.engine.Snapshot()
	v := stateView{
		Threads: make([]threadView, 0, len(snap.Active)),
		Stats:   snap.Stats,
		Syncing: s.engine.Running(),
	}
	for _, id := range snap.Active {
		msgs := snap.Messages[id]
		color, _ := s.engine.ColorFor(ctx, id)
		tv := threadView{ID: id, Title: threadTitle(id, msgs), Color: color, Messages: len(msgs)}
		if len(msgs) > 0 {
			tv.LastPost = msgs[len(msgs)-1].Time
		}
		v.Threads = append(v.Threads, tv)
	}
	if s.scheduler != nil {
		enabled, interval := s.scheduler.Status()
		v.Background = backgroundView{Enabled: enabled, IntervalSeconds: int64(interval / time.Second)}
	}
	return v
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, s.view(r.Context()))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	msgs := s.engine.Timeline()
	if msgs == nil {
		msgs = []tracker.Message{}
	}
	writeJSON(w, s.logger, http.StatusOK, msgs)
}

type refreshResponse struct {
	Status      string             `json:"status"`
	CycleID     string             `json:"cycleId,omitempty"`
	Added       []tracker.ThreadID `json:"added,omitempty"`
	Removed     []tracker.ThreadID `json:"removed,omitempty"`
	NewMessages []tracker.Message  `json:"newMessages"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Manual refresh triggered", "ip", clientIP(r))

	// A started cycle runs to completion even if the client goes away.
	res, err := s.engine.Sync(context.WithoutCancel(r.Context()), poll.TriggerManual)
	switch {
	case errors.Is(err, catalog.ErrUnavailable):
		writeJSON(w, s.logger, http.StatusBadGateway, refreshResponse{Status: "catalog_unavailable", NewMessages: []tracker.Message{}})
		return
	case err != nil:
		s.logger.Error("Manual refresh failed", "error", err)
		http.Error(w, "Refresh failed", http.StatusInternalServerError)
		return
	case res.Skipped:
		writeJSON(w, s.logger, http.StatusAccepted, refreshResponse{Status: "skipped", NewMessages: []tracker.Message{}})
		return
	}

	out := refreshResponse{
		Status:      "completed",
		CycleID:     res.CycleID,
		Added:       res.Added,
		Removed:     res.Removed,
		NewMessages: res.NewMessages,
	}
	if out.NewMessages == nil {
		out.NewMessages = []tracker.Message{}
	}
	writeJSON(w, s.logger, http.StatusOK, out)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Reset requested", "ip", clientIP(r))
	if err := s.engine.Reset(r.Context()); err != nil {
		s.logger.Error("Reset failed", "error", err)
		http.Error(w, "Reset failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		http.Error(w, "Background synchronization unavailable", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	if v := q.Get("interval"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			http.Error(w, "Invalid interval", http.StatusBadRequest)
			return
		}
		got := s.scheduler.SetInterval(time.Duration(secs) * time.Second)
		s.logger.Info("Background interval changed", "requested_seconds", secs, "interval", got.String())
	}
	if v := q.Get("enabled"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid enabled flag", http.StatusBadRequest)
			return
		}
		s.scheduler.SetEnabled(enabled)
		s.logger.Info("Background synchronization toggled", "enabled", enabled)
	}
	enabled, interval := s.scheduler.Status()
	writeJSON(w, s.logger, http.StatusOK, backgroundView{Enabled: enabled, IntervalSeconds: int64(interval / time.Second)})
}

// handleMedia serves a stored blob. The path segment is the key as encoded
// by media.EncodeKey.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	key, err := media.DecodeKey(r.PathValue("key"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	item, blob, err := s.media.Get(r.Context(), key)
	if err != nil {
		if storage.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		s.logger.Warn("Failed to read media", "key", key, "error", err)
		http.Error(w, "Failed to read media", http.StatusInternalServerError)
		return
	}

	ctype := mime.TypeByExtension(path.Ext(item.Ext))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
	// Keys are content hashes, so a stored blob never changes.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := w.Write(blob); err != nil {
		s.logger.Warn("Failed to write media response", "key", key, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", "error", err)
	}
}
