// Package poll runs synchronization cycles that reconcile the board catalog
// with locally tracked threads.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"otk-tracker/catalog"
	"otk-tracker/fetch"
	"otk-tracker/palette"
	"otk-tracker/pkg/tracker"
	"otk-tracker/state"
)

const defaultConcurrency = 4

// Trigger identifies what started a cycle.
type Trigger int

const (
	// TriggerBackground is the periodic timer.
	TriggerBackground Trigger = iota
	// TriggerManual is a user-initiated refresh.
	TriggerManual
)

func (t Trigger) String() string {
	if t == TriggerManual {
		return "manual"
	}
	return "background"
}

// Scanner interface for listing candidate threads.
type Scanner interface {
	Scan(ctx context.Context, keywords []string) ([]catalog.Thread, error)
}

// Fetcher interface for retrieving single threads.
type Fetcher interface {
	Fetch(ctx context.Context, id tracker.ThreadID) fetch.Result
	Forget(id tracker.ThreadID)
	ForgetAll()
}

// Store interface for state persistence.
type Store interface {
	Save(ctx context.Context, snap *state.Snapshot, fields state.Field) error
	Clear(ctx context.Context) error
}

// MediaStore interface for clearing stored media on reset.
type MediaStore interface {
	Clear(ctx context.Context) (int, error)
}

// Result summarizes one cycle.
type Result struct {
	CycleID     string
	Trigger     Trigger
	Skipped     bool // another cycle was running
	Added       []tracker.ThreadID
	Removed     []tracker.ThreadID // dropped from the catalog or gone
	Fetched     int
	NotModified int
	Failed      int
	NewMessages []tracker.Message
	Stats       tracker.Stats
	Duration    time.Duration
	PersistErr  error
}

// Engine owns the tracked state and runs at most one cycle at a time.
type Engine struct {
	scanner     Scanner
	fetcher     Fetcher
	store       Store
	media       MediaStore
	logger      *slog.Logger
	concurrency int

	running atomic.Bool

	// mu guards everything below; cycles mutate, readers snapshot.
	mu       sync.RWMutex
	keywords []string
	active   map[tracker.ThreadID]bool
	messages map[tracker.ThreadID][]tracker.Message
	colors   map[tracker.ThreadID]string
	stats    tracker.Stats
	seen     map[tracker.MessageID]bool // delivered to subscribers
	lastErr  error                      // last persistence failure

	persistMu sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]chan tracker.Event
	nextSub int
}

// Config holds engine dependencies.
type Config struct {
	Scanner     Scanner
	Fetcher     Fetcher
	Store       Store
	Media       MediaStore
	Logger      *slog.Logger
	Keywords    []string
	Concurrency int
}

// New creates an engine seeded with previously persisted state. Loaded
// messages count as already delivered.
func New(cfg *Config, snap *state.Snapshot) *Engine {
	if snap == nil {
		snap = state.NewSnapshot()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	e := &Engine{
		scanner:     cfg.Scanner,
		fetcher:     cfg.Fetcher,
		store:       cfg.Store,
		media:       cfg.Media,
		logger:      cfg.Logger,
		concurrency: concurrency,
		keywords:    append([]string(nil), cfg.Keywords...),
		active:      make(map[tracker.ThreadID]bool, len(snap.Active)),
		messages:    make(map[tracker.ThreadID][]tracker.Message, len(snap.Messages)),
		colors:      make(map[tracker.ThreadID]string, len(snap.Colors)),
		stats:       snap.Stats,
		seen:        make(map[tracker.MessageID]bool),
		subs:        make(map[int]chan tracker.Event),
	}
	for _, id := range snap.Active {
		e.active[id] = true
	}
	for id, msgs := range snap.Messages {
		e.messages[id] = msgs
		for _, m := range msgs {
			e.seen[m.ID] = true
		}
	}
	for id, c := range snap.Colors {
		e.colors[id] = c
	}
	return e
}

// Running reports whether a cycle is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// SetKeywords replaces the catalog filter used by subsequent cycles.
func (e *Engine) SetKeywords(keywords []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keywords = append([]string(nil), keywords...)
}

// Keywords returns the configured catalog filter.
func (e *Engine) Keywords() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.keywords...)
}

// Sync runs one cycle: scan, reconcile membership, fetch, merge, persist,
// notify. If another cycle is running the call is skipped and returns a
// Result with Skipped set. A catalog failure aborts the cycle before any state
// changes and is returned as an error.
func (e *Engine) Sync(ctx context.Context, trigger Trigger) (*Result, error) {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Info("Synchronization already in progress, skipping", "trigger", trigger.String(), "reason", "cycle_running")
		return &Result{Trigger: trigger, Skipped: true}, nil
	}
	defer e.running.Store(false)

	res := &Result{CycleID: uuid.NewString(), Trigger: trigger}
	logger := e.logger.With("cycle_id", res.CycleID, "trigger", trigger.String())
	start := time.Now()
	logger.Info("Synchronization started")

	candidates, err := e.scanner.Scan(ctx, e.Keywords())
	if err != nil {
		logger.Warn("Catalog scan failed, aborting cycle", "error", err)
		return nil, fmt.Errorf("scan catalog: %w", err)
	}

	live := e.reconcile(candidates, res)
	logger.Info("Membership reconciled",
		"candidates", len(candidates),
		"added", len(res.Added),
		"removed", len(res.Removed))

	results := e.fetchAll(ctx, live)
	e.merge(logger, results, res)

	res.PersistErr = e.persist(ctx, state.FieldAll)
	if res.PersistErr != nil {
		logger.Error("Failed to persist state, keeping in-memory state", "error", res.PersistErr)
	}

	e.notify(trigger, res.NewMessages)

	res.Duration = time.Since(start)
	logger.Info("Synchronization completed",
		"active_threads", len(live)-countGone(results),
		"fetched", res.Fetched,
		"not_modified", res.NotModified,
		"failed", res.Failed,
		"new_messages", len(res.NewMessages),
		"images_stored", res.Stats.ImagesStored,
		"videos_stored", res.Stats.VideosStored,
		"duration_ms", res.Duration.Milliseconds())

	return res, nil
}

// reconcile applies the scan result to the active set and returns the
// threads to fetch this cycle, in catalog order.
func (e *Engine) reconcile(candidates []catalog.Thread, res *Result) []tracker.ThreadID {
	e.mu.Lock()
	defer e.mu.Unlock()

	live := make([]tracker.ThreadID, 0, len(candidates))
	want := make(map[tracker.ThreadID]bool, len(candidates))
	for _, c := range candidates {
		if want[c.ID] {
			continue
		}
		want[c.ID] = true
		live = append(live, c.ID)
	}

	for _, id := range tracker.SortedThreadIDs(e.active) {
		if !want[id] {
			e.evictLocked(id)
			res.Removed = append(res.Removed, id)
		}
	}
	for _, id := range live {
		if !e.active[id] {
			e.active[id] = true
			res.Added = append(res.Added, id)
		}
	}
	return live
}

// evictLocked purges a thread's membership, messages, color and validators.
func (e *Engine) evictLocked(id tracker.ThreadID) {
	for _, m := range e.messages[id] {
		delete(e.seen, m.ID)
	}
	delete(e.active, id)
	delete(e.messages, id)
	delete(e.colors, id)
	e.fetcher.Forget(id)
}

// fetchAll fetches every thread concurrently. Each thread's outcome is
// captured independently; one failure never stops the others.
func (e *Engine) fetchAll(ctx context.Context, ids []tracker.ThreadID) []fetch.Result {
	results := make([]fetch.Result, len(ids))
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					results[i] = fetch.Result{ThreadID: id, Status: fetch.StatusOK, Err: fmt.Errorf("fetch panicked: %v", r)}
				}
			}()
			results[i] = e.fetcher.Fetch(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// merge applies fetch results one thread at a time.
func (e *Engine) merge(logger *slog.Logger, results []fetch.Result, res *Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range results {
		switch r.Status {
		case fetch.StatusGone:
			if e.active[r.ThreadID] {
				e.evictLocked(r.ThreadID)
				res.Removed = append(res.Removed, r.ThreadID)
			}
			continue
		case fetch.StatusNotModified:
			res.NotModified++
			continue
		}

		if r.Err != nil {
			res.Failed++
			logger.Warn("Thread fetch failed softly", "thread_id", r.ThreadID, "error", r.Err)
		} else {
			res.Fetched++
		}
		res.Stats.Add(r.Stats)
		if !e.active[r.ThreadID] || len(r.Messages) == 0 {
			continue
		}
		merged, added, updated := Merge(e.messages[r.ThreadID], r.Messages)
		if added > 0 || updated > 0 {
			e.messages[r.ThreadID] = merged
			logger.Debug("Messages merged",
				"thread_id", r.ThreadID,
				"added", added,
				"media_linked", updated,
				"total", len(merged))
		}
	}
	e.stats.Add(res.Stats)

	for _, id := range tracker.SortedThreadIDs(e.messages) {
		for _, m := range e.messages[id] {
			if !e.seen[m.ID] {
				e.seen[m.ID] = true
				res.NewMessages = append(res.NewMessages, m)
			}
		}
	}
	tracker.SortByTime(res.NewMessages)
}

// Merge appends the incoming messages whose id is not already present and
// re-sorts the result by time. Equal timestamps keep arrival order. A known
// message whose attachment was not stored yet picks up the incoming
// LocalRef; updated counts those. The existing slice is never modified.
func Merge(existing, incoming []tracker.Message) (merged []tracker.Message, added, updated int) {
	index := make(map[tracker.MessageID]int, len(existing)+len(incoming))
	for i, m := range existing {
		index[m.ID] = i
	}
	merged = make([]tracker.Message, len(existing), len(existing)+len(incoming))
	copy(merged, existing)
	for _, m := range incoming {
		i, ok := index[m.ID]
		if !ok {
			index[m.ID] = len(merged)
			merged = append(merged, m)
			added++
			continue
		}
		if ref := localRef(m); ref != "" && merged[i].Attachment != nil && merged[i].Attachment.LocalRef == "" {
			a := *merged[i].Attachment
			a.LocalRef = ref
			merged[i].Attachment = &a
			updated++
		}
	}
	if added == 0 && updated == 0 {
		return existing, 0, 0
	}
	if added > 0 {
		tracker.SortByTime(merged)
	}
	return merged, added, updated
}

func localRef(m tracker.Message) string {
	if m.Attachment == nil {
		return ""
	}
	return m.Attachment.LocalRef
}

func countGone(results []fetch.Result) int {
	n := 0
	for _, r := range results {
		if r.Status == fetch.StatusGone {
			n++
		}
	}
	return n
}

// persist writes the selected fields from a fresh snapshot. Writes are
// serialized so an older snapshot never overwrites a newer one.
func (e *Engine) persist(ctx context.Context, fields state.Field) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	snap := e.Snapshot()
	err := e.store.Save(ctx, snap, fields)

	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	return err
}

// Snapshot returns a copy of the current state. Message slices are shared but
// never mutated in place.
func (e *Engine) Snapshot() *state.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := state.NewSnapshot()
	snap.Active = tracker.SortedThreadIDs(e.active)
	for id, msgs := range e.messages {
		snap.Messages[id] = msgs
	}
	for id, c := range e.colors {
		snap.Colors[id] = c
	}
	snap.Stats = e.stats
	return snap
}

// Timeline returns every active message sorted by time.
func (e *Engine) Timeline() []tracker.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var all []tracker.Message
	for _, id := range tracker.SortedThreadIDs(e.messages) {
		all = append(all, e.messages[id]...)
	}
	tracker.SortByTime(all)
	return all
}

// Healthy reports the last persistence error, if any.
func (e *Engine) Healthy() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// ColorFor returns the thread's color, assigning and persisting one on first
// use. It returns false for threads that are not active.
func (e *Engine) ColorFor(ctx context.Context, id tracker.ThreadID) (string, bool) {
	e.mu.Lock()
	if !e.active[id] {
		e.mu.Unlock()
		return "", false
	}
	if c, ok := e.colors[id]; ok {
		e.mu.Unlock()
		return c, true
	}
	c := palette.Next(e.colors)
	e.colors[id] = c
	e.mu.Unlock()

	if err := e.persist(ctx, state.FieldColors); err != nil {
		e.logger.Warn("Failed to persist color assignment", "thread_id", id, "error", err)
	}
	return c, true
}

// ErrResetCanceled is returned when a reset gives up waiting for a running cycle.
var ErrResetCanceled = errors.New("reset canceled while waiting for synchronization")

// Reset clears all tracked state, persisted data and stored media. It waits
// for a running cycle to finish first.
func (e *Engine) Reset(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !e.running.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrResetCanceled, ctx.Err())
		case <-ticker.C:
		}
	}
	defer e.running.Store(false)

	e.mu.Lock()
	e.active = make(map[tracker.ThreadID]bool)
	e.messages = make(map[tracker.ThreadID][]tracker.Message)
	e.colors = make(map[tracker.ThreadID]string)
	e.seen = make(map[tracker.MessageID]bool)
	e.stats = tracker.Stats{}
	e.mu.Unlock()
	e.fetcher.ForgetAll()

	if err := e.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	if e.media != nil {
		n, err := e.media.Clear(ctx)
		if err != nil {
			return fmt.Errorf("clear media: %w", err)
		}
		e.logger.Info("Media cleared", "items", n)
	}

	e.logger.Info("All tracked data reset")
	e.notify(TriggerBackground, nil)
	return nil
}

// Subscribe registers for cycle events. Events are dropped for a subscriber
// whose buffer is full. Call the returned func to unsubscribe.
func (e *Engine) Subscribe(buffer int) (<-chan tracker.Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan tracker.Event, buffer)

	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subsMu.Lock()
			delete(e.subs, id)
			e.subsMu.Unlock()
			close(ch)
		})
	}
}

// notify emits a payload-free update for background cycles and the new
// message list for manual ones.
func (e *Engine) notify(trigger Trigger, msgs []tracker.Message) {
	evt := tracker.Event{Kind: tracker.EventStateUpdated}
	if trigger == TriggerManual {
		evt = tracker.Event{Kind: tracker.EventNewMessages, Messages: msgs}
	}

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- evt:
		default:
			e.logger.Debug("Dropping event for slow subscriber", "subscriber", id, "kind", evt.Kind.String())
		}
	}
}
