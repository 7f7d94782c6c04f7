package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"entitlement-api/pkg/logging"

	"github.com/redis/go-redis/v9"
)

const (
	defaultCacheTTL            = 5 * time.Minute
	defaultCacheSweepThreshold = 1000
)

// VerificationCache holds successful remote verifications for a short time.
// Implementations store only active results.
type VerificationCache interface {
	Get(ctx context.Context, key string) (*VerificationResult, bool)
	Set(ctx context.Context, key string, result *VerificationResult)
	Delete(ctx context.Context, key string)
}

// CacheKey builds the (packageName, productId, purchaseToken) key
func CacheKey(packageName, productID, purchaseToken string) string {
	return fmt.Sprintf("%s:%s:%s", packageName, productID, purchaseToken)
}

type cacheEntry struct {
	result    VerificationResult
	expiresAt time.Time
}

// MemoryVerificationCache is a per-process TTL cache. Expired entries are dropped
// when looked up, and the whole map is swept once it grows past the threshold.
type MemoryVerificationCache struct {
	mu             sync.Mutex
	entries        map[string]cacheEntry
	ttl            time.Duration
	sweepThreshold int
	now            func() time.Time
}

// NewMemoryVerificationCache creates an in-process cache
func NewMemoryVerificationCache(ttl time.Duration, sweepThreshold int) *MemoryVerificationCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if sweepThreshold <= 0 {
		sweepThreshold = defaultCacheSweepThreshold
	}
	return &MemoryVerificationCache{
		entries:        make(map[string]cacheEntry),
		ttl:            ttl,
		sweepThreshold: sweepThreshold,
		now:            time.Now,
	}
}

func (c *MemoryVerificationCache) Get(_ context.Context, key string) (*VerificationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}

	result := entry.result
	return &result, true
}

func (c *MemoryVerificationCache) Set(_ context.Context, key string, result *VerificationResult) {
	if result == nil || !result.Active {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = cacheEntry{result: *result, expiresAt: now.Add(c.ttl)}

	if len(c.entries) > c.sweepThreshold {
		c.sweepLocked(now)
	}
}

func (c *MemoryVerificationCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Len returns the number of entries currently held, expired or not
func (c *MemoryVerificationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *MemoryVerificationCache) sweepLocked(now time.Time) {
	initialCount := len(c.entries)
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
		}
	}

	if removed := initialCount - len(c.entries); removed > 0 {
		logging.Debugf("Verification cache sweep: removed %d expired entries, remaining: %d", removed, len(c.entries))
	}
}

// RedisVerificationCache shares verification results across instances.
// Redis expires keys itself, so there is no sweep.
type RedisVerificationCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisVerificationCache creates a Redis-backed cache
func NewRedisVerificationCache(client *redis.Client, ttl time.Duration) *RedisVerificationCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisVerificationCache{
		client: client,
		ttl:    ttl,
		prefix: "purchase_verification:",
	}
}

func (c *RedisVerificationCache) Get(ctx context.Context, key string) (*VerificationResult, bool) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.Errorf("Verification cache read failed - key: %s, error: %v", key, err)
		}
		return nil, false
	}

	var result VerificationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		logging.Errorf("Verification cache entry corrupt - key: %s, error: %v", key, err)
		return nil, false
	}
	return &result, true
}

func (c *RedisVerificationCache) Set(ctx context.Context, key string, result *VerificationResult) {
	if result == nil || !result.Active {
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		logging.Errorf("Failed to encode verification result - key: %s, error: %v", key, err)
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, raw, c.ttl).Err(); err != nil {
		logging.Errorf("Verification cache write failed - key: %s, error: %v", key, err)
	}
}

func (c *RedisVerificationCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		logging.Errorf("Verification cache delete failed - key: %s, error: %v", key, err)
	}
}
