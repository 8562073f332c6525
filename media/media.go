// Package media implements a content-addressable store for downloaded attachments.
package media

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"otk-tracker/pkg/tracker"
	"otk-tracker/storage"
)

const (
	rootPrefix = "media/"
	stripes    = 64
)

// Item is the metadata stored next to each blob.
type Item struct {
	ContentKey string           `json:"contentKey"`
	ThreadID   tracker.ThreadID `json:"threadId"` // provenance only
	Filename   string           `json:"filename"`
	Ext        string           `json:"ext"`
	Size       int              `json:"size"`
	StoredAt   time.Time        `json:"storedAt"`
}

// ContentKey derives the dedup key for an attachment. The remote hash is
// preferred. Without a usable hash the key falls back to the remote file id
// plus extension, so identical files uploaded twice are stored twice.
func ContentKey(hash, remoteID, ext string) (key string, fallback bool) {
	hash = strings.TrimSpace(hash)
	if validHash(hash) {
		return hash, false
	}
	return remoteID + ext, true
}

// validHash accepts non-empty base64 alphabet strings, the form the board API
// uses for its md5 field.
func validHash(h string) bool {
	if h == "" || len(h) > 128 {
		return false
	}
	for _, c := range h {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+', c == '/', c == '=':
		default:
			return false
		}
	}
	return true
}

// Store persists blobs keyed by content key on a storage backend.
type Store struct {
	backend storage.Backend
	logger  *slog.Logger
	locks   [stripes]sync.Mutex
}

// New creates a media store.
func New(backend storage.Backend, logger *slog.Logger) *Store {
	return &Store{backend: backend, logger: logger}
}

// EncodeKey maps a content key to a single path segment. Base64 hashes
// contain '/' and '+', so keys are never used in paths or URLs as is.
func EncodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// DecodeKey reverses EncodeKey.
func DecodeKey(segment string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return "", fmt.Errorf("decode media key %q: %w", segment, err)
	}
	return string(raw), nil
}

func objectDir(key string) string {
	return rootPrefix + EncodeKey(key) + "/"
}

func blobKey(key string) string { return objectDir(key) + "blob" }
func metaKey(key string) string { return objectDir(key) + "meta.json" }

func (s *Store) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &s.locks[h.Sum32()%stripes]
	m.Lock()
	return m.Unlock
}

// Has reports whether a blob is stored for key. Metadata is written last, so
// its presence marks a complete item.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errors.New("empty content key")
	}
	return s.backend.Exists(ctx, metaKey(key))
}

// Ensure stores the blob for item.ContentKey unless it already exists. The
// download func runs only when the key is absent, and at most once at a time
// per key. It returns true when this call stored the blob.
func (s *Store) Ensure(ctx context.Context, item Item, download func(ctx context.Context) ([]byte, error)) (bool, error) {
	if item.ContentKey == "" {
		return false, errors.New("empty content key")
	}
	unlock := s.lock(item.ContentKey)
	defer unlock()

	exists, err := s.Has(ctx, item.ContentKey)
	if err != nil {
		return false, fmt.Errorf("check media: %w", err)
	}
	if exists {
		s.logger.Debug("Media already stored", "content_key", item.ContentKey)
		return false, nil
	}

	blob, err := download(ctx)
	if err != nil {
		return false, fmt.Errorf("download media: %w", err)
	}
	if err := s.put(ctx, item, blob); err != nil {
		return false, err
	}
	return true, nil
}

// Put stores a blob unless the key already exists. It returns true when stored.
func (s *Store) Put(ctx context.Context, item Item, blob []byte) (bool, error) {
	return s.Ensure(ctx, item, func(context.Context) ([]byte, error) { return blob, nil })
}

func (s *Store) put(ctx context.Context, item Item, blob []byte) error {
	item.Size = len(blob)
	if item.StoredAt.IsZero() {
		item.StoredAt = time.Now().UTC()
	}
	meta, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal media item: %w", err)
	}
	if err := s.backend.Put(ctx, blobKey(item.ContentKey), blob); err != nil {
		return fmt.Errorf("write media blob: %w", err)
	}
	if err := s.backend.Put(ctx, metaKey(item.ContentKey), meta); err != nil {
		return fmt.Errorf("write media metadata: %w", err)
	}

	s.logger.Info("Media stored",
		"content_key", item.ContentKey,
		"thread_id", item.ThreadID,
		"filename", item.Filename+item.Ext,
		"bytes", len(blob))
	return nil
}

// Get returns the metadata and blob for key.
func (s *Store) Get(ctx context.Context, key string) (Item, []byte, error) {
	var item Item
	meta, err := s.backend.Get(ctx, metaKey(key))
	if err != nil {
		return item, nil, fmt.Errorf("read media metadata: %w", err)
	}
	if err := json.Unmarshal(meta, &item); err != nil {
		return item, nil, fmt.Errorf("unmarshal media metadata: %w", err)
	}
	blob, err := s.backend.Get(ctx, blobKey(key))
	if err != nil {
		return item, nil, fmt.Errorf("read media blob: %w", err)
	}
	return item, blob, nil
}

// Delete removes the blob and metadata for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	unlock := s.lock(key)
	defer unlock()

	if err := s.backend.Delete(ctx, metaKey(key)); err != nil {
		return fmt.Errorf("delete media metadata: %w", err)
	}
	if err := s.backend.Delete(ctx, blobKey(key)); err != nil {
		return fmt.Errorf("delete media blob: %w", err)
	}
	return nil
}

// Keys lists the content keys of every complete item.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	objects, err := s.backend.List(ctx, rootPrefix)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	var keys []string
	for _, obj := range objects {
		rest, ok := strings.CutPrefix(obj, rootPrefix)
		if !ok {
			continue
		}
		enc, name, ok := strings.Cut(rest, "/")
		if !ok || name != "meta.json" {
			continue
		}
		key, err := DecodeKey(enc)
		if err != nil {
			s.logger.Warn("Skipping undecodable media object", "object", obj, "error", err)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Clear deletes every stored item and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int, error) {
	objects, err := s.backend.List(ctx, rootPrefix)
	if err != nil {
		return 0, fmt.Errorf("list media: %w", err)
	}
	removed := 0
	for _, obj := range objects {
		if err := s.backend.Delete(ctx, obj); err != nil {
			return removed, fmt.Errorf("delete media object: %w", err)
		}
		if strings.HasSuffix(obj, "/meta.json") {
			removed++
		}
	}
	return removed, nil
}
