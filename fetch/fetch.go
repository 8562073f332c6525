// Package fetch retrieves single threads conditionally and normalizes their posts.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"otk-tracker/media"
	"otk-tracker/pkg/tracker"
	"otk-tracker/remote"
)

// Status is the outcome class of a thread fetch.
type Status int

const (
	// StatusOK means a fresh response was processed, or the fetch failed softly.
	StatusOK Status = iota
	// StatusNotModified means the remote confirmed nothing changed.
	StatusNotModified
	// StatusGone means the thread no longer exists and must be evicted.
	StatusGone
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotModified:
		return "not_modified"
	case StatusGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Result is the outcome of fetching one thread. Err is diagnostic only: a
// soft failure still reports StatusOK with no messages.
type Result struct {
	ThreadID tracker.ThreadID
	Status   Status
	Messages []tracker.Message
	Stats    tracker.Stats
	Err      error
}

// Client abstracts the HTTP client.
type Client interface {
	Get(ctx context.Context, url string, header http.Header) (*http.Response, error)
	Close(resp *http.Response)
}

// MediaStore abstracts the content-addressable media store.
type MediaStore interface {
	Ensure(ctx context.Context, item media.Item, download func(ctx context.Context) ([]byte, error)) (bool, error)
}

// Fetcher retrieves threads and populates the media store.
type Fetcher struct {
	client    Client
	media     MediaStore
	cache     *MetaCache
	logger    *slog.Logger
	threadURL string
	mediaURL  string
	board     string
}

// Config holds fetcher configuration.
type Config struct {
	Client    Client
	Media     MediaStore
	Cache     *MetaCache
	Logger    *slog.Logger
	ThreadURL string // e.g. https://a.4cdn.org/vt/thread
	MediaURL  string // e.g. https://i.4cdn.org
	Board     string
}

// New creates a new thread fetcher.
func New(cfg *Config) *Fetcher {
	cache := cfg.Cache
	if cache == nil {
		cache = NewMetaCache()
	}
	return &Fetcher{
		client:    cfg.Client,
		media:     cfg.Media,
		cache:     cache,
		logger:    cfg.Logger,
		threadURL: strings.TrimSuffix(cfg.ThreadURL, "/"),
		mediaURL:  strings.TrimSuffix(cfg.MediaURL, "/"),
		board:     cfg.Board,
	}
}

// Cache returns the validator cache used for conditional requests.
func (f *Fetcher) Cache() *MetaCache {
	return f.cache
}

// Forget drops the validators for a thread.
func (f *Fetcher) Forget(id tracker.ThreadID) {
	f.cache.Clear(id)
}

// ForgetAll drops every cached validator.
func (f *Fetcher) ForgetAll() {
	f.cache.Reset()
}

func (f *Fetcher) threadEndpoint(id tracker.ThreadID) string {
	return fmt.Sprintf("%s/%s.json", f.threadURL, id)
}

func (f *Fetcher) mediaEndpoint(remoteID, ext string) string {
	return fmt.Sprintf("%s/%s/%s%s", f.mediaURL, f.board, remoteID, ext)
}

// Fetch retrieves one thread. It never returns an error; see Result.
func (f *Fetcher) Fetch(ctx context.Context, id tracker.ThreadID) Result {
	res := Result{ThreadID: id, Status: StatusOK}
	url := f.threadEndpoint(id)

	var header http.Header
	if v, ok := f.cache.Get(id); ok {
		header = v.Header()
	}

	resp, err := f.client.Get(ctx, url, header)
	if err != nil {
		f.logger.Warn("Thread fetch failed, treating as unchanged", "thread_id", id, "error", err)
		res.Err = err
		return res
	}
	defer f.client.Close(resp)

	switch resp.StatusCode {
	case http.StatusNotModified:
		f.logger.Debug("Thread not modified", "thread_id", id)
		res.Status = StatusNotModified
		return res
	case http.StatusNotFound:
		f.logger.Info("Thread gone", "thread_id", id)
		f.cache.Clear(id)
		res.Status = StatusGone
		return res
	case http.StatusOK:
	default:
		res.Err = &remote.StatusError{URL: url, Code: resp.StatusCode}
		f.logger.Warn("Thread fetch returned unexpected status, treating as unchanged",
			"thread_id", id, "status_code", resp.StatusCode)
		return res
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		res.Err = fmt.Errorf("read thread body: %w", err)
		f.logger.Warn("Failed to read thread body", "thread_id", id, "error", err)
		return res
	}

	var envelope struct {
		Posts []json.RawMessage `json:"posts"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		res.Err = fmt.Errorf("decode thread: %w", err)
		f.logger.Warn("Failed to decode thread", "thread_id", id, "error", err)
		return res
	}

	// Validators are only trusted once the body decoded; otherwise a later
	// 304 would hide posts that were never processed.
	f.cache.Set(id, validatorsFrom(resp.Header))

	res.Messages = make([]tracker.Message, 0, len(envelope.Posts))
	for i, raw := range envelope.Posts {
		p, err := decodePost(raw)
		if err != nil {
			f.logger.Warn("Skipping malformed post", "thread_id", id, "index", i, "error", err)
			continue
		}
		msg, fallback := p.message(id)
		if fallback {
			f.logger.Warn("Attachment has no usable hash, keying by remote file id",
				"thread_id", id,
				"post_id", msg.ID,
				"content_key", msg.Attachment.ContentKey)
		}
		if msg.Attachment != nil {
			f.storeAttachment(ctx, id, msg.Attachment, &res.Stats)
		}
		res.Messages = append(res.Messages, msg)
	}

	f.logger.Info("Thread fetched",
		"thread_id", id,
		"posts", len(envelope.Posts),
		"messages", len(res.Messages),
		"images_fetched", res.Stats.ImagesFetched,
		"videos_fetched", res.Stats.VideosFetched,
		"images_stored", res.Stats.ImagesStored,
		"videos_stored", res.Stats.VideosStored)

	return res
}

// storeAttachment counts the attachment as fetched and stores its blob when
// the content key is new. LocalRef is set when the blob is durably present.
func (f *Fetcher) storeAttachment(ctx context.Context, id tracker.ThreadID, a *tracker.Attachment, stats *tracker.Stats) {
	video := a.IsVideo()
	if video {
		stats.VideosFetched++
	} else {
		stats.ImagesFetched++
	}

	if f.media == nil {
		return
	}

	item := media.Item{
		ContentKey: a.ContentKey,
		ThreadID:   id,
		Filename:   a.Filename,
		Ext:        a.Ext,
	}
	stored, err := f.media.Ensure(ctx, item, func(ctx context.Context) ([]byte, error) {
		return f.download(ctx, a.RemoteID, a.Ext)
	})
	if err != nil {
		f.logger.Warn("Failed to store attachment",
			"thread_id", id,
			"content_key", a.ContentKey,
			"error", err)
		return
	}

	a.LocalRef = a.ContentKey
	if !stored {
		return
	}
	if video {
		stats.VideosStored++
	} else {
		stats.ImagesStored++
	}
}

func (f *Fetcher) download(ctx context.Context, remoteID, ext string) ([]byte, error) {
	url := f.mediaEndpoint(remoteID, ext)
	resp, err := f.client.Get(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer f.client.Close(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, &remote.StatusError{URL: url, Code: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read media body: %w", err)
	}
	return data, nil
}
