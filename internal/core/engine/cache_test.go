package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenialCache_NeverExtendsWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewDenialCache(10 * time.Second)

	resetAt := now.Add(3 * time.Second)
	cache.Remember("k", Decision{Limit: 20, ResetAt: resetAt}, now)

	got, ok := cache.Lookup("k", now.Add(2999*time.Millisecond))
	require.True(t, ok)
	assert.False(t, got.Allowed)
	assert.Zero(t, got.Remaining)
	assert.True(t, got.Cached)

	_, ok = cache.Lookup("k", resetAt)
	assert.False(t, ok, "entry must expire no later than the window reset")
	assert.Zero(t, cache.Len())
}

func TestDenialCache_IgnoresAdmissions(t *testing.T) {
	now := time.Now()
	cache := NewDenialCache(time.Minute)
	cache.Remember("k", Decision{Allowed: true, Remaining: 5, ResetAt: now.Add(time.Minute)}, now)

	_, ok := cache.Lookup("k", now)
	assert.False(t, ok)
}

func TestDenialCache_TTLBoundsStaleness(t *testing.T) {
	now := time.Now()
	cache := NewDenialCache(2 * time.Second)
	cache.Remember("k", Decision{ResetAt: now.Add(time.Hour)}, now)

	_, ok := cache.Lookup("k", now.Add(time.Second))
	assert.True(t, ok)
	_, ok = cache.Lookup("k", now.Add(2*time.Second))
	assert.False(t, ok)
}

func TestDenialCache_DisabledAndNil(t *testing.T) {
	now := time.Now()
	disabled := NewDenialCache(0)
	disabled.Remember("k", Decision{ResetAt: now.Add(time.Minute)}, now)
	_, ok := disabled.Lookup("k", now)
	assert.False(t, ok)

	var nilCache *DenialCache
	nilCache.Remember("k", Decision{}, now)
	nilCache.Forget("k")
	_, ok = nilCache.Lookup("k", now)
	assert.False(t, ok)
}

func TestDenialCache_BoundedSize(t *testing.T) {
	now := time.Now()
	cache := &DenialCache{TTL: time.Minute, MaxEntries: 3}
	for _, key := range []string{"a", "b", "c", "d"} {
		cache.Remember(key, Decision{ResetAt: now.Add(time.Minute)}, now)
	}
	assert.LessOrEqual(t, cache.Len(), 3)

	_, ok := cache.Lookup("d", now)
	assert.True(t, ok)

	cache.Forget("d")
	_, ok = cache.Lookup("d", now)
	assert.False(t, ok)
}
