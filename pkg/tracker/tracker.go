// Package tracker contains the core domain types for the thread tracker.
package tracker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ThreadID is the remote thread number.
type ThreadID int64

// String returns the decimal form used for persisted map keys and URLs.
func (id ThreadID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseThreadID converts a persisted key back into a ThreadID.
// Only positive decimal integers are accepted.
func ParseThreadID(s string) (ThreadID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse thread id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("parse thread id %q: not positive", s)
	}
	return ThreadID(n), nil
}

// MessageID is the remote post number.
type MessageID int64

// Attachment describes the single media file a post may carry.
type Attachment struct {
	Filename    string `json:"filename"`
	Ext         string `json:"ext"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	ThumbWidth  int    `json:"thumbWidth"`
	ThumbHeight int    `json:"thumbHeight"`
	RemoteID    string `json:"remoteTimestampId"` // remote file id ("tim"), used for download URLs
	ContentKey  string `json:"contentKey"`
	LocalRef    string `json:"localStoreRef,omitempty"` // set to ContentKey once the blob is stored
}

// IsVideo reports whether the attachment is a video container.
func (a *Attachment) IsVideo() bool {
	switch strings.ToLower(a.Ext) {
	case ".webm", ".mp4", ".mov":
		return true
	default:
		return false
	}
}

// Message is one normalized remote post. Messages are never mutated after creation.
type Message struct {
	ID         MessageID   `json:"id"`
	ThreadID   ThreadID    `json:"threadId"`
	Time       int64       `json:"time"` // unix seconds
	Text       string      `json:"text"`
	Title      string      `json:"title,omitempty"` // thread subject, only set on the opening post
	Attachment *Attachment `json:"attachment"`
}

// Stats holds media counters. Fetched counts every attachment seen, Stored
// counts only first-time writes to the media store.
type Stats struct {
	ImagesFetched int64 `json:"imagesFetched"`
	VideosFetched int64 `json:"videosFetched"`
	ImagesStored  int64 `json:"imagesStored"`
	VideosStored  int64 `json:"videosStored"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.ImagesFetched += other.ImagesFetched
	s.VideosFetched += other.VideosFetched
	s.ImagesStored += other.ImagesStored
	s.VideosStored += other.VideosStored
}

// IsZero reports whether no counter is set.
func (s Stats) IsZero() bool {
	return s == Stats{}
}

// EventKind identifies what changed.
type EventKind int

const (
	// EventStateUpdated carries no payload; consumers re-read the snapshot.
	EventStateUpdated EventKind = iota
	// EventNewMessages carries the messages not yet delivered to consumers.
	EventNewMessages
)

func (k EventKind) String() string {
	switch k {
	case EventStateUpdated:
		return "state"
	case EventNewMessages:
		return "messages"
	default:
		return "unknown"
	}
}

// Event is emitted after every completed synchronization cycle.
type Event struct {
	Kind     EventKind
	Messages []Message
}

// SortByTime sorts messages ascending by time. Equal timestamps keep their
// existing relative order.
func SortByTime(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Time < msgs[j].Time
	})
}

// SortedThreadIDs returns the ids in ascending order.
func SortedThreadIDs[V any](m map[ThreadID]V) []ThreadID {
	ids := make([]ThreadID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
