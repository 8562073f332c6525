// Package remote wraps the HTTP client shared by every request to the board API.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// DefaultUserAgent identifies the tracker to the remote API.
const DefaultUserAgent = "otk-tracker/1.0 (+https://github.com/otk-tracker)"

// StatusError indicates an unexpected HTTP status code.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.URL)
}

// IsNotFound checks if an error is an HTTP 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Client issues paced GET requests.
type Client struct {
	http      *http.Client
	limiter   *rate.Limiter
	logger    *slog.Logger
	userAgent string
}

// Config holds client configuration.
type Config struct {
	HTTPClient        *http.Client
	Logger            *slog.Logger
	UserAgent         string
	RequestsPerSecond float64 // <= 0 disables pacing
}

// New creates a new remote client.
func New(cfg *Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:      hc,
		limiter:   rate.NewLimiter(limit, 1),
		logger:    logger,
		userAgent: ua,
	}
}

// Get performs a GET request with the given extra headers. The caller owns
// the response body. Status codes are not interpreted here.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	startTime := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed",
			"url", url,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, err
	}

	c.logger.Debug("HTTP request completed",
		"url", url,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", resp.ContentLength)

	return resp, nil
}

// Close closes a response body, logging any failure.
func (c *Client) Close(resp *http.Response) {
	if closeErr := resp.Body.Close(); closeErr != nil {
		c.logger.Warn("Failed to close response body", "error", closeErr)
	}
}
