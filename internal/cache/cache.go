// Package cache is the two-tier content cache: a ristretto L1 in
// front of the durable store (L2, source of truth).
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/siftlabs/siftd/internal/store"
)

// ErrNotFound is returned when no live entry exists in either tier.
var ErrNotFound = errors.New("cache: not found")

// Config configures the cache.
type Config struct {
	// L1MaxBytes bounds the in-memory tier. Zero uses a 64 MiB default.
	L1MaxBytes int64

	// TTL applies to L1 entries and to L2 writes made through Put when
	// the caller passes no explicit TTL.
	TTL time.Duration
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	L1Hits   uint64 `json:"l1_hits"`
	L1Misses uint64 `json:"l1_misses"`
	L2Hits   uint64 `json:"l2_hits"`
	L2Misses uint64 `json:"l2_misses"`
	Puts     uint64 `json:"puts"`
}

// Cache serves content by (tier, url). Reads check L1 first and fall
// through to L2, repopulating L1 on an L2 hit. Writes land in L2
// before L1 so a cache restart never loses acknowledged data.
type Cache struct {
	l1    *ristretto.Cache
	store *store.Store
	ttl   time.Duration

	l1Hits   atomic.Uint64
	l1Misses atomic.Uint64
	l2Hits   atomic.Uint64
	l2Misses atomic.Uint64
	puts     atomic.Uint64
}

// New creates the cache over the given durable store.
func New(cfg Config, s *store.Store) (*Cache, error) {
	maxBytes := cfg.L1MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create l1 cache: %w", err)
	}
	return &Cache{l1: l1, store: s, ttl: cfg.TTL}, nil
}

func cacheKey(tier, url string) string {
	return tier + "\x00" + url
}

// Get returns the content at (tier, url), or ErrNotFound.
func (c *Cache) Get(ctx context.Context, tier, url string) (string, error) {
	if v, ok := c.l1.Get(cacheKey(tier, url)); ok {
		c.l1Hits.Add(1)
		return v.(string), nil
	}
	c.l1Misses.Add(1)

	entry, err := c.store.GetCacheEntry(ctx, tier, url)
	if errors.Is(err, store.ErrNotFound) {
		c.l2Misses.Add(1)
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	c.l2Hits.Add(1)
	c.setL1(tier, url, entry.Value, c.repopulateTTL(entry))
	return entry.Value, nil
}

// GetAny returns the most-processed live content for url, preferring
// extracted over cleaned over raw. L1 is only consulted per-tier, so
// the priority decision always comes from L2's view.
func (c *Cache) GetAny(ctx context.Context, url string) (tier, value string, err error) {
	entry, err := c.store.GetAnyTier(ctx, url)
	if errors.Is(err, store.ErrNotFound) {
		c.l2Misses.Add(1)
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}
	c.l2Hits.Add(1)
	c.setL1(entry.Tier, url, entry.Value, c.repopulateTTL(entry))
	return entry.Tier, entry.Value, nil
}

// Put writes (tier, url) through the cache: L2 first for durability,
// then L1. A zero ttl uses the configured default. The caller's ttl
// bounds both tiers, so L1 never serves an entry past its deadline.
func (c *Cache) Put(ctx context.Context, tier, url, value string, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	if err := c.store.PutCacheEntry(ctx, tier, url, value, ttl); err != nil {
		return err
	}
	c.puts.Add(1)
	if ttl < 0 {
		return nil
	}
	c.setL1(tier, url, value, ttl)
	return nil
}

// Invalidate removes (tier, url) from both tiers.
func (c *Cache) Invalidate(ctx context.Context, tier, url string) error {
	c.l1.Del(cacheKey(tier, url))
	return c.store.DeleteCacheEntry(ctx, tier, url)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		L1Hits:   c.l1Hits.Load(),
		L1Misses: c.l1Misses.Load(),
		L2Hits:   c.l2Hits.Load(),
		L2Misses: c.l2Misses.Load(),
		Puts:     c.puts.Load(),
	}
}

// Wait flushes pending L1 admissions. Tests use it to make Set
// visibility deterministic.
func (c *Cache) Wait() {
	c.l1.Wait()
}

// Close releases the L1 cache.
func (c *Cache) Close() {
	c.l1.Close()
}

// repopulateTTL caps an L2 hit's L1 lifetime at the entry's remaining
// time, so repopulation never outlives the original deadline.
func (c *Cache) repopulateTTL(entry *store.CacheEntry) time.Duration {
	remaining := entry.Remaining(time.Now())
	if remaining <= 0 {
		return c.ttl
	}
	if c.ttl > 0 && c.ttl < remaining {
		return c.ttl
	}
	return remaining
}

// setL1 admits the value with the given lifetime; ttl <= 0 means no
// expiry beyond ristretto's eviction.
func (c *Cache) setL1(tier, url, value string, ttl time.Duration) {
	cost := int64(len(value))
	if cost == 0 {
		cost = 1
	}
	if ttl > 0 {
		c.l1.SetWithTTL(cacheKey(tier, url), value, cost, ttl)
	} else {
		c.l1.Set(cacheKey(tier, url), value, cost)
	}
}
