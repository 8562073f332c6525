// Package state persists the tracker's active threads, messages, colors and counters.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"otk-tracker/pkg/tracker"
	"otk-tracker/storage"
)

// Persisted keys.
const (
	KeyActive   = "state/activeThreads"
	KeyMessages = "state/messages"
	KeyColors   = "state/colors"
	KeyStats    = "state/stats"
	// KeyDropped is a legacy list of evicted thread ids, applied once at load.
	KeyDropped = "state/droppedThreads"
)

// Field selects which parts of a Snapshot Save writes.
type Field uint8

const (
	FieldActive Field = 1 << iota
	FieldMessages
	FieldColors
	FieldStats

	FieldAll = FieldActive | FieldMessages | FieldColors | FieldStats
)

// Snapshot is the full persisted state.
type Snapshot struct {
	Active   []tracker.ThreadID
	Messages map[tracker.ThreadID][]tracker.Message
	Colors   map[tracker.ThreadID]string
	Stats    tracker.Stats
}

// NewSnapshot returns an empty snapshot with initialized maps.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Messages: make(map[tracker.ThreadID][]tracker.Message),
		Colors:   make(map[tracker.ThreadID]string),
	}
}

// Store reads and writes snapshots on a storage backend.
type Store struct {
	backend storage.Backend
	logger  *slog.Logger
}

// New creates a state store.
func New(backend storage.Backend, logger *slog.Logger) *Store {
	return &Store{backend: backend, logger: logger}
}

// Load reads the persisted state and normalizes it: thread ids are coerced to
// integers (ids that fail are dropped), messages and colors of threads absent
// from the active list are removed, and a legacy dropped-id list is applied
// then deleted. Normalized state is written back when anything changed.
// Missing keys load as empty state.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	snap := NewSnapshot()
	var report normalizeReport

	if raw, err := s.read(ctx, KeyActive); err != nil {
		return nil, err
	} else if raw != nil {
		ids, rejected, err := decodeIDList(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", KeyActive, err)
		}
		snap.Active = ids
		report.rejected += rejected
	}
	active := make(map[tracker.ThreadID]bool, len(snap.Active))
	for _, id := range snap.Active {
		active[id] = true
	}

	if raw, err := s.read(ctx, KeyMessages); err != nil {
		return nil, err
	} else if raw != nil {
		msgs, rejected, err := decodeMessages(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", KeyMessages, err)
		}
		report.rejected += rejected
		for id, list := range msgs {
			if !active[id] {
				report.orphans++
				continue
			}
			snap.Messages[id] = list
		}
	}

	if raw, err := s.read(ctx, KeyColors); err != nil {
		return nil, err
	} else if raw != nil {
		colors, rejected, err := decodeColors(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", KeyColors, err)
		}
		report.rejected += rejected
		for id, c := range colors {
			if !active[id] {
				report.orphans++
				continue
			}
			snap.Colors[id] = c
		}
	}

	if raw, err := s.read(ctx, KeyStats); err != nil {
		return nil, err
	} else if raw != nil {
		if err := json.Unmarshal(raw, &snap.Stats); err != nil {
			s.logger.Warn("Discarding unreadable stats", "error", err)
			report.rejected++
		}
	}

	droppedRaw, err := s.read(ctx, KeyDropped)
	if err != nil {
		return nil, err
	}
	if droppedRaw != nil {
		dropped, _, err := decodeIDList(droppedRaw)
		if err != nil {
			s.logger.Warn("Discarding unreadable dropped thread list", "error", err)
		}
		report.dropped = applyDropped(snap, dropped)
		report.legacyList = true
	}

	if report.changed() {
		s.logger.Info("Normalized persisted state",
			"rejected", report.rejected,
			"orphans", report.orphans,
			"dropped", report.dropped,
			"legacy_list", report.legacyList)
		if err := s.Save(ctx, snap, FieldAll); err != nil {
			return nil, fmt.Errorf("save normalized state: %w", err)
		}
		if report.legacyList {
			if err := s.backend.Delete(ctx, KeyDropped); err != nil {
				return nil, fmt.Errorf("delete %s: %w", KeyDropped, err)
			}
		}
	}

	s.logger.Info("State loaded",
		"active_threads", len(snap.Active),
		"threads_with_messages", len(snap.Messages),
		"colors", len(snap.Colors))
	return snap, nil
}

type normalizeReport struct {
	rejected   int
	orphans    int
	dropped    int
	legacyList bool
}

func (r normalizeReport) changed() bool {
	return r.rejected > 0 || r.orphans > 0 || r.dropped > 0 || r.legacyList
}

func applyDropped(snap *Snapshot, dropped []tracker.ThreadID) int {
	if len(dropped) == 0 {
		return 0
	}
	drop := make(map[tracker.ThreadID]bool, len(dropped))
	for _, id := range dropped {
		drop[id] = true
	}
	removed := 0
	kept := snap.Active[:0]
	for _, id := range snap.Active {
		if drop[id] {
			removed++
			continue
		}
		kept = append(kept, id)
	}
	snap.Active = kept
	for id := range drop {
		delete(snap.Messages, id)
		delete(snap.Colors, id)
	}
	return removed
}

// Save writes the selected fields of snap.
func (s *Store) Save(ctx context.Context, snap *Snapshot, fields Field) error {
	if fields&FieldActive != 0 {
		ids := snap.Active
		if ids == nil {
			ids = []tracker.ThreadID{}
		}
		if err := s.write(ctx, KeyActive, ids); err != nil {
			return err
		}
	}
	if fields&FieldMessages != 0 {
		if err := s.write(ctx, KeyMessages, EncodeMessages(snap.Messages)); err != nil {
			return err
		}
	}
	if fields&FieldColors != 0 {
		if err := s.write(ctx, KeyColors, EncodeColors(snap.Colors)); err != nil {
			return err
		}
	}
	if fields&FieldStats != 0 {
		if err := s.write(ctx, KeyStats, snap.Stats); err != nil {
			return err
		}
	}
	return nil
}

// Clear deletes every persisted key.
func (s *Store) Clear(ctx context.Context) error {
	for _, key := range []string{KeyActive, KeyMessages, KeyColors, KeyStats, KeyDropped} {
		if err := s.backend.Delete(ctx, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	s.logger.Info("Persisted state cleared")
	return nil
}

func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.backend.Get(ctx, key)
	if storage.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.backend.Put(ctx, key, data); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// EncodeMessages converts the typed message map to its JSON-object form.
func EncodeMessages(m map[tracker.ThreadID][]tracker.Message) map[string][]tracker.Message {
	out := make(map[string][]tracker.Message, len(m))
	for id, msgs := range m {
		out[id.String()] = msgs
	}
	return out
}

// EncodeColors converts the typed color map to its JSON-object form.
func EncodeColors(m map[tracker.ThreadID]string) map[string]string {
	out := make(map[string]string, len(m))
	for id, c := range m {
		out[id.String()] = c
	}
	return out
}

func decodeMessages(raw []byte) (map[tracker.ThreadID][]tracker.Message, int, error) {
	var byKey map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, 0, err
	}
	out := make(map[tracker.ThreadID][]tracker.Message, len(byKey))
	rejected := 0
	for key, value := range byKey {
		id, err := tracker.ParseThreadID(key)
		if err != nil {
			rejected++
			continue
		}
		var msgs []tracker.Message
		if err := json.Unmarshal(value, &msgs); err != nil {
			rejected++
			continue
		}
		out[id] = msgs
	}
	return out, rejected, nil
}

func decodeColors(raw []byte) (map[tracker.ThreadID]string, int, error) {
	var byKey map[string]string
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil, 0, err
	}
	out := make(map[tracker.ThreadID]string, len(byKey))
	rejected := 0
	for key, c := range byKey {
		id, err := tracker.ParseThreadID(key)
		if err != nil {
			rejected++
			continue
		}
		out[id] = c
	}
	return out, rejected, nil
}

// decodeIDList reads a JSON array whose elements may be numbers or numeric
// strings. Elements that do not coerce to a positive integer are counted as
// rejected, and duplicates are collapsed.
func decodeIDList(raw []byte) ([]tracker.ThreadID, int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var elems []any
	if err := dec.Decode(&elems); err != nil {
		return nil, 0, err
	}

	ids := make([]tracker.ThreadID, 0, len(elems))
	seen := make(map[tracker.ThreadID]bool, len(elems))
	rejected := 0
	for _, e := range elems {
		id, ok := coerceID(e)
		if !ok {
			rejected++
			continue
		}
		if seen[id] {
			rejected++
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, rejected, nil
}

func coerceID(v any) (tracker.ThreadID, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(t.String(), 10, 64); err == nil && n > 0 {
			return tracker.ThreadID(n), true
		}
		f, err := strconv.ParseFloat(t.String(), 64)
		if err != nil || f <= 0 || f != math.Trunc(f) || f >= math.MaxInt64 {
			return 0, false
		}
		return tracker.ThreadID(int64(f)), true
	case string:
		id, err := tracker.ParseThreadID(strings.TrimSpace(t))
		if err != nil {
			return 0, false
		}
		return id, true
	default:
		return 0, false
	}
}
