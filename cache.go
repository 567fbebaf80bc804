package main

import (
	"sync"
	"time"
)

// Global conversation list cache instance
var listCache = NewListCache(ListCacheTTL)

// listEntry is one cached conversation listing.
type listEntry struct {
	conversations []ConversationMetadata
	cachedAt      time.Time
}

// ListCache provides thread-safe caching of conversation listings, keyed by
// client ID (the empty key caches the unfiltered listing). Listing walks and
// parses every conversation file, so the list endpoint serves from here
// between writes.
type ListCache struct {
	mu      sync.RWMutex
	entries map[string]listEntry
	ttl     time.Duration
}

// NewListCache creates a new list cache with the specified TTL
func NewListCache(ttl time.Duration) *ListCache {
	return &ListCache{
		entries: make(map[string]listEntry),
		ttl:     ttl,
	}
}

// Get retrieves a client's listing from cache if present and not expired.
// Returns the listing and a boolean indicating a cache hit.
func (c *ListCache) Get(clientID string) ([]ConversationMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[clientID]
	if !ok {
		return nil, false
	}

	if time.Since(entry.cachedAt) > c.ttl {
		return nil, false
	}

	// Return a copy to prevent external modifications
	listing := make([]ConversationMetadata, len(entry.conversations))
	copy(listing, entry.conversations)

	return listing, true
}

// Set stores a client's listing.
func (c *ListCache) Set(clientID string, conversations []ConversationMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Store a copy to prevent external modifications
	listing := make([]ConversationMetadata, len(conversations))
	copy(listing, conversations)

	c.entries[clientID] = listEntry{conversations: listing, cachedAt: time.Now()}
}

// Invalidate drops one client's listing.
func (c *ListCache) Invalidate(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, clientID)
}

// InvalidateAll drops every cached listing. Called on any conversation
// write: a single write can change the listing of its owner and of the
// unfiltered view, and writes are rare next to list reads.
func (c *ListCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]listEntry)
}

// Size returns the number of cached listings.
func (c *ListCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}
