// Package cache provides the generic key-value store the gateway uses for
// short-lived lookups (peer public keys, oid-to-agid mappings). The contract
// is intentionally narrow so a Redis-backed implementation can be swapped in
// without touching callers.
package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Store is a get/set/expire key-value view.
type Store interface {
	// Get returns the value for key and whether it was present and
	// unexpired.
	Get(ctx context.Context, key string) (string, bool)

	// Set stores value under key. A zero ttl uses the store's default.
	Set(ctx context.Context, key, value string, ttl time.Duration)

	// Delete removes key if present.
	Delete(ctx context.Context, key string)
}

// Memory is an in-process Store built on an expiring LRU. Entries older than
// the configured TTL are evicted lazily.
type Memory struct {
	lru        *expirable.LRU[string, entry]
	defaultTTL time.Duration
}

type entry struct {
	value    string
	deadline time.Time
}

// NewMemory creates a Memory store holding at most size entries with the
// given default TTL. The LRU's own expiry is set to the default TTL;
// per-entry deadlines tighten it for shorter-lived values.
func NewMemory(size int, defaultTTL time.Duration) *Memory {
	return &Memory{
		lru:        expirable.NewLRU[string, entry](size, nil, defaultTTL),
		defaultTTL: defaultTTL,
	}
}

var _ Store = (*Memory)(nil)

// Get returns the value for key if present and unexpired.
func (m *Memory) Get(_ context.Context, key string) (string, bool) {
	e, ok := m.lru.Get(key)
	if !ok {
		return "", false
	}
	if !e.deadline.IsZero() && time.Now().After(e.deadline) {
		m.lru.Remove(key)
		return "", false
	}
	return e.value, true
}

// Set stores value under key with the given ttl.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	var deadline time.Time
	if ttl < m.defaultTTL {
		deadline = time.Now().Add(ttl)
	}
	m.lru.Add(key, entry{value: value, deadline: deadline})
}

// Delete removes key if present.
func (m *Memory) Delete(_ context.Context, key string) {
	m.lru.Remove(key)
}
