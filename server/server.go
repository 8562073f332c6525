// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"otk-tracker/media"
	"otk-tracker/pkg/tracker"
	"otk-tracker/poll"
	"otk-tracker/state"
)

//go:embed tmpl/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"unix":     func(ts int64) string { return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05") },
	"mediaKey": media.EncodeKey,
}).ParseFS(templateFS, "tmpl/*.tmpl"))

// Engine interface for the synchronization engine.
type Engine interface {
	Sync(ctx context.Context, trigger poll.Trigger) (*poll.Result, error)
	Reset(ctx context.Context) error
	Snapshot() *state.Snapshot
	Timeline() []tracker.Message
	ColorFor(ctx context.Context, id tracker.ThreadID) (string, bool)
	Subscribe(buffer int) (<-chan tracker.Event, func())
	Healthy() error
	Running() bool
}

// Scheduler interface for the background timer.
type Scheduler interface {
	SetEnabled(enabled bool)
	SetInterval(d time.Duration) time.Duration
	Status() (enabled bool, interval time.Duration)
}

// Media interface for reading stored blobs.
type Media interface {
	Get(ctx context.Context, key string) (media.Item, []byte, error)
}

// Server handles HTTP requests.
type Server struct {
	engine    Engine
	scheduler Scheduler
	media     Media
	logger    *slog.Logger
	limiter   *ipLimiter
	heartbeat time.Duration
}

// Config holds server configuration.
type Config struct {
	Engine    Engine
	Scheduler Scheduler
	Media     Media
	Logger    *slog.Logger
	// ActionsPerMinute limits refresh and reset per client IP; <= 0 disables.
	ActionsPerMinute int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	return &Server{
		engine:    cfg.Engine,
		scheduler: cfg.Scheduler,
		media:     cfg.Media,
		logger:    cfg.Logger,
		limiter:   newIPLimiter(cfg.ActionsPerMinute),
		heartbeat: 30 * time.Second,
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/timeline", s.handleTimeline)
	mux.HandleFunc("POST /refresh", s.limit(s.handleRefresh))
	mux.HandleFunc("POST /reset", s.limit(s.handleReset))
	mux.HandleFunc("POST /background", s.handleBackground)
	mux.HandleFunc("GET /media/{key}", s.handleMedia)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	// Configure server with timeouts to prevent resource exhaustion.
	// WriteTimeout stays zero so the event stream is not cut off.
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'; img-src 'self' data:; media-src 'self'")

	data := map[string]any{
		"State":    s.view(r.Context()),
		"Timeline": s.engine.Timeline(),
	}
	if err := templates.ExecuteTemplate(w, "index.tmpl", data); err != nil {
		s.logger.Error("Failed to render template", "template", "index.tmpl", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Healthy(); err != nil {
		writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "healthy"})
}
