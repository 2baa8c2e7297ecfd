package models

import "time"

// CacheEntry is one cached snapshot plus freshness metadata.
// ExpiresAt is always CreatedAt plus the cache TTL; entries are replaced, never mutated.
type CacheEntry struct {
	Location  Location        `json:"location"`
	Snapshot  WeatherSnapshot `json:"snapshot"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// ValidAt reports whether the entry is still fresh at now (now <= ExpiresAt).
func (e CacheEntry) ValidAt(now time.Time) bool {
	return !now.After(e.ExpiresAt)
}

// QueueItem is a pending fetch to replay once connectivity returns.
// At most one item exists per (Kind, Location.ID) pair.
type QueueItem struct {
	ID         string        `json:"id"`
	Kind       OperationKind `json:"kind"`
	Location   Location      `json:"location"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
	RetryCount int           `json:"retryCount"`
}

// Key returns the de-duplication key of the item.
func (q QueueItem) Key() string {
	return QueueKey(q.Kind, q.Location.ID)
}

// QueueKey builds the de-duplication key for a kind and location id.
func QueueKey(kind OperationKind, locationID string) string {
	return string(kind) + ":" + locationID
}
