package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"mobileconnect/mcerr"
)

// DefaultMaxEntries bounds the in-memory store when no size is given.
const DefaultMaxEntries = 1024

// Memory is an in-process Store backed by a bounded LRU.
type Memory struct {
	// mu makes the expiry check and eviction in Get atomic with respect to
	// Add, so a lazy eviction never removes a freshly added entry.
	mu    sync.Mutex
	cache *lru.Cache[Key, *Entry]
	now   func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates an in-memory store holding at most maxEntries operators.
func NewMemory(maxEntries int, opts ...MemoryOption) (*Memory, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c, err := lru.New[Key, *Entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	m := &Memory{cache: c, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Add stores a copy of entry under key.
func (m *Memory) Add(_ context.Context, key Key, entry *Entry) error {
	if !key.Valid() {
		return mcerr.InvalidArgument("key")
	}
	if entry == nil {
		return mcerr.InvalidArgument("entry")
	}
	m.mu.Lock()
	m.cache.Add(key, entry.clone())
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the live entry for key, evicting it if expired.
func (m *Memory) Get(_ context.Context, key Key) (*Entry, error) {
	if !key.Valid() {
		return nil, mcerr.InvalidArgument("key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if entry.Expired(m.now()) {
		m.cache.Remove(key)
		return nil, nil
	}
	return entry.clone(), nil
}

// Remove deletes the entry for key, if any.
func (m *Memory) Remove(_ context.Context, key Key) error {
	m.mu.Lock()
	m.cache.Remove(key)
	m.mu.Unlock()
	return nil
}

// Clear removes every entry.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	m.cache.Purge()
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

var _ Store = (*Memory)(nil)
