package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func activeResult(token string) *VerificationResult {
	return &VerificationResult{
		Kind:          "subscription",
		PackageName:   testPackage,
		ProductID:     "pro_monthly",
		PurchaseToken: token,
		OrderID:       "GPA.1",
		Active:        true,
		Acknowledged:  true,
	}
}

func TestMemoryVerificationCache_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cache := NewMemoryVerificationCache(5*time.Minute, 1000)
	cache.now = clock.Now

	key := CacheKey(testPackage, "pro_monthly", "token-1")
	cache.Set(ctx, key, activeResult("token-1"))

	clock.Advance(4*time.Minute + 59*time.Second)
	got, ok := cache.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "token-1", got.PurchaseToken)

	clock.Advance(time.Second)
	_, ok = cache.Get(ctx, key)
	assert.False(t, ok, "entry must not be served at its expiry instant")
	assert.Equal(t, 0, cache.Len(), "expired entry is evicted on lookup")
}

func TestMemoryVerificationCache_IgnoresInactiveResults(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryVerificationCache(time.Minute, 1000)

	inactive := activeResult("token-1")
	inactive.Active = false
	cache.Set(ctx, "k", inactive)
	cache.Set(ctx, "nil", nil)

	assert.Equal(t, 0, cache.Len())
}

func TestMemoryVerificationCache_SweepsAboveThreshold(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	cache := NewMemoryVerificationCache(time.Minute, 2)
	cache.now = clock.Now

	cache.Set(ctx, "a", activeResult("a"))
	cache.Set(ctx, "b", activeResult("b"))
	clock.Advance(2 * time.Minute)

	cache.Set(ctx, "c", activeResult("c"))
	assert.Equal(t, 1, cache.Len())

	_, ok := cache.Get(ctx, "c")
	assert.True(t, ok)
}

func TestMemoryVerificationCache_Delete(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryVerificationCache(time.Minute, 10)

	cache.Set(ctx, "a", activeResult("a"))
	cache.Delete(ctx, "a")

	_, ok := cache.Get(ctx, "a")
	assert.False(t, ok)
}

func newTestRedisVerificationCache(t *testing.T, ttl time.Duration) (*RedisVerificationCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisVerificationCache(client, ttl), mr
}

func TestRedisVerificationCache_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisVerificationCache(t, 5*time.Minute)

	key := CacheKey(testPackage, "pro_monthly", "token-1")
	cache.Set(ctx, key, activeResult("token-1"))
	assert.True(t, mr.Exists("purchase_verification:"+key))

	got, ok := cache.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "GPA.1", got.OrderID)
	assert.True(t, got.Active)

	cache.Delete(ctx, key)
	_, ok = cache.Get(ctx, key)
	assert.False(t, ok)
}

func TestRedisVerificationCache_TTLAndInactive(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisVerificationCache(t, 5*time.Minute)

	inactive := activeResult("token-2")
	inactive.Active = false
	cache.Set(ctx, "inactive", inactive)
	assert.False(t, mr.Exists("purchase_verification:inactive"))

	cache.Set(ctx, "active", activeResult("token-3"))
	mr.FastForward(5 * time.Minute)

	_, ok := cache.Get(ctx, "active")
	assert.False(t, ok)
}

func TestRedisVerificationCache_UnavailableIsMiss(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestRedisVerificationCache(t, time.Minute)
	mr.Close()

	_, ok := cache.Get(ctx, "anything")
	assert.False(t, ok)
}
