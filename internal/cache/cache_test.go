package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mvera/fedgate/internal/cache"
)

func TestMemoryGetSetDelete(t *testing.T) {
	store := cache.NewMemory(8, time.Hour)
	ctx := context.Background()

	_, ok := store.Get(ctx, "missing")
	assert.False(t, ok)

	store.Set(ctx, "pubkey:agid-1", "pem-data", 0)
	got, ok := store.Get(ctx, "pubkey:agid-1")
	assert.True(t, ok)
	assert.Equal(t, "pem-data", got)

	store.Delete(ctx, "pubkey:agid-1")
	_, ok = store.Get(ctx, "pubkey:agid-1")
	assert.False(t, ok)
}

func TestMemoryHonorsEntryTTL(t *testing.T) {
	store := cache.NewMemory(8, time.Hour)
	ctx := context.Background()

	store.Set(ctx, "short", "value", 20*time.Millisecond)
	_, ok := store.Get(ctx, "short")
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = store.Get(ctx, "short")
	assert.False(t, ok, "entry past its TTL must not be served")
}

func TestMemoryEvictsAtCapacity(t *testing.T) {
	store := cache.NewMemory(2, time.Hour)
	ctx := context.Background()

	store.Set(ctx, "a", "1", 0)
	store.Set(ctx, "b", "2", 0)
	store.Set(ctx, "c", "3", 0)

	_, okA := store.Get(ctx, "a")
	assert.False(t, okA, "oldest entry must be evicted at capacity")
	_, okC := store.Get(ctx, "c")
	assert.True(t, okC)
}
