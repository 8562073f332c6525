package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"otk-tracker/catalog"
	"otk-tracker/config"
	"otk-tracker/fetch"
	"otk-tracker/media"
	"otk-tracker/poll"
	"otk-tracker/remote"
	"otk-tracker/state"
	"otk-tracker/storage"
)

// app wires every component for one process.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend storage.Backend
	media   *media.Store
	state   *state.Store
	engine  *poll.Engine
}

func newLogger(cfg config.Logging, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	format := cfg.Format
	if format == "auto" {
		format = "json"
		// Cloud Run sets K_SERVICE and wants JSON; a terminal gets text.
		if os.Getenv("K_SERVICE") == "" && isTerminal(w) {
			format = "text"
		}
	}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func openBackend(ctx context.Context, cfg config.Storage, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case config.BackendGCS:
		logger.Info("Using Cloud Storage backend", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
		return storage.NewGCS(ctx, cfg.Bucket, cfg.Prefix, logger)
	case config.BackendSQLite:
		logger.Info("Using SQLite backend", "path", cfg.SQLitePath)
		return storage.OpenSQLite(ctx, cfg.SQLitePath, logger)
	default:
		logger.Info("Using local storage backend", "storage_path", cfg.LocalPath)
		return storage.NewLocal(cfg.LocalPath, logger)
	}
}

// newApp opens storage, loads persisted state and builds the engine.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	backend, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	stateStore := state.New(backend, logger)
	snap, err := stateStore.Load(ctx)
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}

	client := remote.New(&remote.Config{
		HTTPClient:        &http.Client{Timeout: time.Duration(cfg.Remote.HTTPTimeoutSeconds) * time.Second},
		Logger:            logger,
		UserAgent:         cfg.Remote.UserAgent,
		RequestsPerSecond: cfg.Remote.RequestsPerSecond,
	})
	mediaStore := media.New(backend, logger)
	fetcher := fetch.New(&fetch.Config{
		Client:    client,
		Media:     mediaStore,
		Logger:    logger,
		ThreadURL: cfg.ThreadEndpoint(),
		MediaURL:  cfg.Remote.MediaURL,
		Board:     cfg.Remote.Board,
	})
	engine := poll.New(&poll.Config{
		Scanner:     catalog.New(client, cfg.CatalogEndpoint(), logger),
		Fetcher:     fetcher,
		Store:       stateStore,
		Media:       mediaStore,
		Logger:      logger,
		Keywords:    cfg.Filter.Keywords,
		Concurrency: cfg.Sync.FetchConcurrency,
	}, snap)

	logger.Info("State loaded",
		"active_threads", len(snap.Active),
		"keywords", strings.Join(cfg.Filter.Keywords, ","),
		"board", cfg.Remote.Board)

	return &app{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		media:   mediaStore,
		state:   stateStore,
		engine:  engine,
	}, nil
}

func (a *app) Close() {
	if err := a.backend.Close(); err != nil {
		a.logger.Warn("Failed to close storage", "error", err)
	}
}
