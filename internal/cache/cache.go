// Package cache provides the durable, bounded, TTL-based weather snapshot cache.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-offline-service/internal/kvstore"
	"github.com/kjstillabower/weather-offline-service/internal/models"
	"github.com/kjstillabower/weather-offline-service/internal/observability"
)

const (
	DefaultKey     = "weather_cache"
	DefaultTTL     = 30 * time.Minute
	DefaultMaxSize = 10
)

// Stats summarises the stored entry list.
type Stats struct {
	TotalItems          int `json:"totalItems"`
	ValidItems          int `json:"validItems"`
	ExpiredItems        int `json:"expiredItems"`
	ApproximateByteSize int `json:"approximateByteSize"`
}

// Option configures a WeatherCache.
type Option func(*WeatherCache)

// WithTTL sets how long an entry stays valid after Put.
func WithTTL(ttl time.Duration) Option {
	return func(c *WeatherCache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxSize bounds the number of stored entries.
func WithMaxSize(n int) Option {
	return func(c *WeatherCache) {
		if n > 0 {
			c.maxSize = n
		}
	}
}

// WithKey sets the store key the entry list is persisted under.
func WithKey(key string) Option {
	return func(c *WeatherCache) {
		if key != "" {
			c.key = key
		}
	}
}

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(c *WeatherCache) { c.now = now }
}

// WeatherCache keeps one snapshot per location id as a newest-first JSON array
// under a single store key. Put inserts at the front and truncates the tail, so
// the list behaves as a bounded FIFO of MaxSize entries.
//
// Store failures never reach callers: they are logged, counted, and the
// operation degrades to "empty cache" or a dropped write.
type WeatherCache struct {
	store   kvstore.Store
	logger  *zap.Logger
	key     string
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	mu sync.Mutex
}

// New creates a WeatherCache over store.
func New(store kvstore.Store, logger *zap.Logger, opts ...Option) *WeatherCache {
	c := &WeatherCache{
		store:   store,
		logger:  observability.OrNop(logger),
		key:     DefaultKey,
		ttl:     DefaultTTL,
		maxSize: DefaultMaxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the configured entry lifetime.
func (c *WeatherCache) TTL() time.Duration { return c.ttl }

// MaxSize returns the configured entry bound.
func (c *WeatherCache) MaxSize() int { return c.maxSize }

// Put stores snapshot for loc, replacing any existing entry for loc.ID.
// Entries beyond MaxSize are dropped oldest-first regardless of validity.
func (c *WeatherCache) Put(ctx context.Context, loc models.Location, snapshot models.WeatherSnapshot) models.CacheEntry {
	now := c.now()
	entry := models.CacheEntry{
		Location:  loc,
		Snapshot:  snapshot,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	entry.Snapshot.Stale = false

	c.mu.Lock()
	defer c.mu.Unlock()

	entries, _ := c.load(ctx)
	next := make([]models.CacheEntry, 0, len(entries)+1)
	next = append(next, entry)
	for _, e := range entries {
		if e.Location.ID != loc.ID {
			next = append(next, e)
		}
	}
	if len(next) > c.maxSize {
		observability.CacheEvictionsTotal.WithLabelValues("capacity").Add(float64(len(next) - c.maxSize))
		next = next[:c.maxSize]
	}
	c.save(ctx, "put", next)
	return entry
}

// Get returns the entry for id if it is still valid. An expired entry is
// reported absent and removed from the store.
func (c *WeatherCache) Get(ctx context.Context, id string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, _ := c.load(ctx)
	for i, e := range entries {
		if e.Location.ID != id {
			continue
		}
		if !e.ValidAt(c.now()) {
			observability.CacheLookupsTotal.WithLabelValues("expired").Inc()
			observability.CacheEvictionsTotal.WithLabelValues("expired").Inc()
			c.save(ctx, "expire", append(entries[:i:i], entries[i+1:]...))
			return models.CacheEntry{}, false
		}
		observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return e, true
	}
	observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
	return models.CacheEntry{}, false
}

// Age returns whole minutes since the entry for id was created. Expired
// entries are absent, matching Get.
func (c *WeatherCache) Age(ctx context.Context, id string) (int, bool) {
	e, ok := c.Get(ctx, id)
	if !ok {
		return 0, false
	}
	return int(c.now().Sub(e.CreatedAt) / time.Minute), true
}

// Remove deletes the entry for id.
func (c *WeatherCache) Remove(ctx context.Context, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, _ := c.load(ctx)
	next := entries[:0]
	for _, e := range entries {
		if e.Location.ID != id {
			next = append(next, e)
		}
	}
	if len(next) < len(entries) {
		observability.CacheEvictionsTotal.WithLabelValues("removed").Inc()
	}
	c.save(ctx, "remove", next)
}

// Clear deletes the whole cache key.
func (c *WeatherCache) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.RemoveItem(ctx, c.key); err != nil {
		c.storageError("clear", err)
		return
	}
	observability.CacheItems.Set(0)
}

// CleanupExpired removes every expired entry in a single write and returns
// how many were removed.
func (c *WeatherCache) CleanupExpired(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, _ := c.load(ctx)
	now := c.now()
	next := entries[:0]
	for _, e := range entries {
		if e.ValidAt(now) {
			next = append(next, e)
		}
	}
	removed := len(entries) - len(next)
	if removed > 0 {
		observability.CacheEvictionsTotal.WithLabelValues("expired").Add(float64(removed))
		c.save(ctx, "cleanup", next)
	}
	return removed
}

// Stats scans the stored list. ApproximateByteSize is the length of the stored JSON.
func (c *WeatherCache) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, size := c.load(ctx)
	now := c.now()
	s := Stats{TotalItems: len(entries), ApproximateByteSize: size}
	for _, e := range entries {
		if e.ValidAt(now) {
			s.ValidItems++
		} else {
			s.ExpiredItems++
		}
	}
	return s
}

// load reads the entry list. Missing, unreadable or corrupt data yields an empty list.
func (c *WeatherCache) load(ctx context.Context) ([]models.CacheEntry, int) {
	raw, ok, err := c.store.GetItem(ctx, c.key)
	if err != nil {
		c.storageError("get", err)
		return nil, 0
	}
	if !ok || raw == "" {
		return nil, 0
	}
	var entries []models.CacheEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		c.storageError("decode", fmt.Errorf("%w: %v", kvstore.ErrCorrupt, err))
		return nil, 0
	}
	return entries, len(raw)
}

func (c *WeatherCache) save(ctx context.Context, op string, entries []models.CacheEntry) {
	if entries == nil {
		entries = []models.CacheEntry{}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		c.storageError(op, err)
		return
	}
	if err := c.store.SetItem(ctx, c.key, string(raw)); err != nil {
		c.storageError(op, err)
		return
	}
	observability.CacheItems.Set(float64(len(entries)))
}

func (c *WeatherCache) storageError(op string, err error) {
	category := kvstore.Categorize(err)
	observability.StorageErrorsTotal.WithLabelValues("cache", op, category).Inc()
	c.logger.Warn("cache storage error, continuing without cache",
		zap.String("op", op),
		zap.String("category", category),
		zap.Error(err),
	)
}
