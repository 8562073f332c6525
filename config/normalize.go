package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	c.normalizeRemote()
	c.normalizeFilter()
	c.normalizeSync()
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.Server.Port = strings.TrimPrefix(strings.TrimSpace(c.Server.Port), ":")
	if c.Server.Port == "" {
		c.Server.Port = defaultPort
	}
	return nil
}

func (c *Config) normalizeRemote() {
	c.Remote.CatalogURL = strings.TrimSpace(c.Remote.CatalogURL)
	if c.Remote.CatalogURL == "" {
		c.Remote.CatalogURL = defaultCatalogURL
	}
	c.Remote.ThreadURL = strings.TrimSuffix(strings.TrimSpace(c.Remote.ThreadURL), "/")
	if c.Remote.ThreadURL == "" {
		c.Remote.ThreadURL = defaultThreadURL
	}
	c.Remote.MediaURL = strings.TrimSuffix(strings.TrimSpace(c.Remote.MediaURL), "/")
	if c.Remote.MediaURL == "" {
		c.Remote.MediaURL = defaultMediaURL
	}
	c.Remote.Board = strings.Trim(strings.TrimSpace(c.Remote.Board), "/")
	if c.Remote.Board == "" {
		c.Remote.Board = defaultBoard
	}
	c.Remote.UserAgent = strings.TrimSpace(c.Remote.UserAgent)
	if c.Remote.HTTPTimeoutSeconds <= 0 {
		c.Remote.HTTPTimeoutSeconds = defaultHTTPTimeoutSeconds
	}
}

func (c *Config) normalizeFilter() {
	keywords := make([]string, 0, len(c.Filter.Keywords))
	seen := make(map[string]bool, len(c.Filter.Keywords))
	for _, k := range c.Filter.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keywords = append(keywords, k)
	}
	if len(keywords) == 0 {
		keywords = []string{"otk"}
	}
	c.Filter.Keywords = keywords
}

func (c *Config) normalizeSync() {
	if c.Sync.IntervalSeconds == 0 {
		c.Sync.IntervalSeconds = defaultIntervalSeconds
	}
	if c.Sync.FetchConcurrency == 0 {
		c.Sync.FetchConcurrency = defaultFetchConcurrency
	}
}

func (c *Config) normalizeStorage() error {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendLocal
	}
	c.Storage.Bucket = strings.TrimSpace(c.Storage.Bucket)
	c.Storage.Prefix = strings.Trim(strings.TrimSpace(c.Storage.Prefix), "/")

	var err error
	if strings.TrimSpace(c.Storage.LocalPath) == "" {
		c.Storage.LocalPath = defaultLocalPath
	}
	if c.Storage.LocalPath, err = expandPath(c.Storage.LocalPath); err != nil {
		return fmt.Errorf("storage.local_path: %w", err)
	}
	if strings.TrimSpace(c.Storage.SQLitePath) == "" {
		c.Storage.SQLitePath = defaultSQLitePath
	}
	if c.Storage.SQLitePath, err = expandPath(c.Storage.SQLitePath); err != nil {
		return fmt.Errorf("storage.sqlite_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "auto"
	}
}
