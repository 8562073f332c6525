package fetch

import (
	"net/http"
	"sync"

	"otk-tracker/pkg/tracker"
)

// Validators are the conditional-request markers of the last full response.
type Validators struct {
	ETag         string
	LastModified string
}

// Empty reports whether neither validator is present.
func (v Validators) Empty() bool {
	return v.ETag == "" && v.LastModified == ""
}

// Header returns the conditional request headers for v.
func (v Validators) Header() http.Header {
	h := http.Header{}
	if v.ETag != "" {
		h.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		h.Set("If-Modified-Since", v.LastModified)
	}
	return h
}

func validatorsFrom(h http.Header) Validators {
	return Validators{
		ETag:         h.Get("ETag"),
		LastModified: h.Get("Last-Modified"),
	}
}

// MetaCache is an in-memory map of per-thread validators. It is not persisted;
// losing it only costs one unconditional fetch per thread.
type MetaCache struct {
	mu      sync.Mutex
	entries map[tracker.ThreadID]Validators
}

// NewMetaCache returns an empty cache.
func NewMetaCache() *MetaCache {
	return &MetaCache{entries: make(map[tracker.ThreadID]Validators)}
}

// Get returns the validators recorded for id.
func (c *MetaCache) Get(id tracker.ThreadID) (Validators, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[id]
	return v, ok
}

// Set replaces the validators for id. Empty validators clear the entry.
func (c *MetaCache) Set(id tracker.ThreadID, v Validators) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.Empty() {
		delete(c.entries, id)
		return
	}
	c.entries[id] = v
}

// Clear removes the entry for id.
func (c *MetaCache) Clear(id tracker.ThreadID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Reset drops every entry.
func (c *MetaCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[tracker.ThreadID]Validators)
}

// Len returns the number of cached threads.
func (c *MetaCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
