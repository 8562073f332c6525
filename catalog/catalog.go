// Package catalog scans the board listing for threads matching keyword filters.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"otk-tracker/pkg/htmltext"
	"otk-tracker/pkg/tracker"
	"otk-tracker/remote"
)

// DefaultKeyword is substituted when no keywords are configured.
const DefaultKeyword = "otk"

// ErrUnavailable wraps every scan failure. A failed scan must never be
// mistaken for an empty board.
var ErrUnavailable = errors.New("catalog unavailable")

// Fetcher abstracts the HTTP client.
type Fetcher interface {
	Get(ctx context.Context, url string, header http.Header) (*http.Response, error)
	Close(resp *http.Response)
}

// Thread is a matching thread summary.
type Thread struct {
	ID    tracker.ThreadID
	Title string
}

type page struct {
	Page    int       `json:"page"`
	Threads []summary `json:"threads"`
}

type summary struct {
	No  int64  `json:"no"`
	Sub string `json:"sub"`
	Com string `json:"com"`
}

// Scanner queries the catalog endpoint.
type Scanner struct {
	client Fetcher
	logger *slog.Logger
	url    string
}

// New creates a new catalog scanner for the given listing URL.
func New(client Fetcher, url string, logger *slog.Logger) *Scanner {
	return &Scanner{
		client: client,
		logger: logger,
		url:    url,
	}
}

// Scan returns every live thread whose subject or comment contains any of the
// keywords, case-insensitively. Any network or decode failure is returned as an
// error wrapping ErrUnavailable. No retries are made; the caller's polling
// interval is the retry cadence.
func (s *Scanner) Scan(ctx context.Context, keywords []string) ([]Thread, error) {
	keywords = NormalizeKeywords(keywords)

	resp, err := s.client.Get(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %w", ErrUnavailable, err)
	}
	defer s.client.Close(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, &remote.StatusError{URL: s.url, Code: resp.StatusCode})
	}

	var pages []page
	if err := json.NewDecoder(resp.Body).Decode(&pages); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrUnavailable, err)
	}

	matches := filter(pages, keywords)

	total := 0
	for _, p := range pages {
		total += len(p.Threads)
	}
	s.logger.Info("Catalog scanned",
		"pages", len(pages),
		"threads", total,
		"matches", len(matches),
		"keywords", keywords)

	return matches, nil
}

// filter flattens all pages and keeps the summaries matching any keyword.
// Keywords must already be lower-cased. Matching runs over the raw subject
// and body as served, markup included; only the title is converted to text.
func filter(pages []page, keywords []string) []Thread {
	var matches []Thread
	seen := make(map[tracker.ThreadID]bool)
	for _, p := range pages {
		for _, t := range p.Threads {
			if t.No <= 0 {
				continue
			}
			id := tracker.ThreadID(t.No)
			if seen[id] {
				continue
			}
			haystack := strings.ToLower(t.Sub + t.Com)
			if !containsAny(haystack, keywords) {
				continue
			}
			seen[id] = true
			matches = append(matches, Thread{ID: id, Title: htmltext.Plain(t.Sub)})
		}
	}
	return matches
}

// NormalizeKeywords lower-cases and trims keywords, dropping blanks. An empty
// result is replaced by DefaultKeyword.
func NormalizeKeywords(keywords []string) []string {
	out := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return []string{DefaultKeyword}
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
