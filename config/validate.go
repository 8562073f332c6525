package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateRemote(); err != nil {
		return err
	}
	if err := c.validateSync(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateRemote() error {
	for name, raw := range map[string]string{
		"remote.catalog_url": c.Remote.CatalogURL,
		"remote.thread_url":  c.Remote.ThreadURL,
		"remote.media_url":   c.Remote.MediaURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw)
		}
	}
	if c.Remote.RequestsPerSecond < 0 {
		return errors.New("remote.requests_per_second must be >= 0")
	}
	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.IntervalSeconds < minIntervalSeconds {
		return fmt.Errorf("sync.interval_seconds must be at least %d, got %d", minIntervalSeconds, c.Sync.IntervalSeconds)
	}
	if c.Sync.FetchConcurrency < 1 {
		return errors.New("sync.fetch_concurrency must be positive")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case BackendLocal, BackendSQLite:
		return nil
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required for the gcs backend (or set STORAGE_BUCKET)")
		}
		return nil
	default:
		return fmt.Errorf("storage.backend must be local, gcs or sqlite, got %q", c.Storage.Backend)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("logging.format must be auto, text or json, got %q", c.Logging.Format)
	}
	return nil
}
