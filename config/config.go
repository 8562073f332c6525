// Package config loads tracker settings from TOML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Remote contains the upstream endpoints and HTTP client settings.
type Remote struct {
	CatalogURL         string  `toml:"catalog_url"` // {board} is replaced
	ThreadURL          string  `toml:"thread_url"`  // {board} is replaced
	MediaURL           string  `toml:"media_url"`
	Board              string  `toml:"board"`
	UserAgent          string  `toml:"user_agent"`
	RequestsPerSecond  float64 `toml:"requests_per_second"`
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"`
}

// Filter contains the catalog keyword filter.
type Filter struct {
	Keywords []string `toml:"keywords"`
}

// Sync contains synchronization timing.
type Sync struct {
	IntervalSeconds  int  `toml:"interval_seconds"`
	Background       bool `toml:"background"`
	FetchConcurrency int  `toml:"fetch_concurrency"`
}

// Storage selects where state and media live.
type Storage struct {
	Backend    string `toml:"backend"` // local, gcs or sqlite
	LocalPath  string `toml:"local_path"`
	Bucket     string `toml:"bucket"`
	Prefix     string `toml:"prefix"`
	SQLitePath string `toml:"sqlite_path"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // auto, text or json
}

// Server contains HTTP listener settings.
type Server struct {
	Port             string `toml:"port"`
	ActionsPerMinute int    `toml:"actions_per_minute"`
}

// Config encapsulates all configuration values.
type Config struct {
	Remote  Remote  `toml:"remote"`
	Filter  Filter  `toml:"filter"`
	Sync    Sync    `toml:"sync"`
	Storage Storage `toml:"storage"`
	Logging Logging `toml:"logging"`
	Server  Server  `toml:"server"`
}

// Backend names.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendSQLite = "sqlite"
)

const defaultPath = "~/.config/otk-tracker/config.toml"

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultPath)
}

// Load locates, parses, and validates a configuration file. A missing file
// yields the defaults. It returns the config, the resolved path and whether
// the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	userPath, err := expandPath(defaultPath)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("otk-tracker.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(userPath); err == nil && !info.IsDir() {
		return userPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return userPath, false, nil
}

// applyEnv overlays deployment environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("STORAGE_BUCKET"); ok && v != "" {
		c.Storage.Backend = BackendGCS
		c.Storage.Bucket = v
	}
	if v, ok := lookup("LOCAL_STORAGE"); ok && v != "" {
		c.Storage.Backend = BackendLocal
		c.Storage.LocalPath = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		c.Server.Port = v
	}
	if v, ok := lookup("OTK_KEYWORDS"); ok {
		c.Filter.Keywords = strings.Split(v, ",")
	}
	if v, ok := lookup("OTK_BOARD"); ok && v != "" {
		c.Remote.Board = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
}

// CatalogEndpoint returns the catalog URL for the configured board.
func (c *Config) CatalogEndpoint() string {
	return strings.ReplaceAll(c.Remote.CatalogURL, "{board}", c.Remote.Board)
}

// ThreadEndpoint returns the thread URL prefix for the configured board.
func (c *Config) ThreadEndpoint() string {
	return strings.ReplaceAll(c.Remote.ThreadURL, "{board}", c.Remote.Board)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
