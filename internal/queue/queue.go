// Package queue provides the durable offline retry queue.
package queue

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
	DefaultKey           = "offline_queue"
	DefaultMaxRetryCount = 3
)

// Option configures an OfflineQueue.
type Option func(*OfflineQueue)

// WithKey sets the store key the item list is persisted under.
func WithKey(key string) Option {
	return func(q *OfflineQueue) {
		if key != "" {
			q.key = key
		}
	}
}

// WithMaxRetryCount sets the retry count at which an item is dropped.
func WithMaxRetryCount(n int) Option {
	return func(q *OfflineQueue) {
		if n > 0 {
			q.maxRetryCount = n
		}
	}
}

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(q *OfflineQueue) { q.now = now }
}

// OfflineQueue persists pending fetches as an insertion-ordered JSON array
// under one store key. At most one item exists per (kind, location id).
// Store failures are logged and counted; reads then behave as an empty queue.
type OfflineQueue struct {
	store         kvstore.Store
	logger        *zap.Logger
	key           string
	maxRetryCount int
	now           func() time.Time

	mu sync.Mutex
}

// New creates an OfflineQueue over store.
func New(store kvstore.Store, logger *zap.Logger, opts ...Option) *OfflineQueue {
	q := &OfflineQueue{
		store:         store,
		logger:        observability.OrNop(logger),
		key:           DefaultKey,
		maxRetryCount: DefaultMaxRetryCount,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxRetryCount returns the configured drop threshold.
func (q *OfflineQueue) MaxRetryCount() int { return q.maxRetryCount }

// Enqueue appends a fresh item for (kind, loc), replacing any existing item for
// the same pair. The replacement starts again at RetryCount 0.
func (q *OfflineQueue) Enqueue(ctx context.Context, kind models.OperationKind, loc models.Location) models.QueueItem {
	now := q.now()
	item := models.QueueItem{
		ID:         fmt.Sprintf("%s-%s-%d", kind, loc.ID, now.UnixMilli()),
		Kind:       kind,
		Location:   loc,
		EnqueuedAt: now,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.load(ctx)
	next := make([]models.QueueItem, 0, len(items)+1)
	for _, it := range items {
		if it.Key() != item.Key() {
			next = append(next, it)
		}
	}
	next = append(next, item)
	q.save(ctx, "enqueue", next)
	observability.QueueEnqueuedTotal.WithLabelValues(string(kind)).Inc()
	return item
}

// List returns all items in insertion order.
func (q *OfflineQueue) List(ctx context.Context) []models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Get returns the item with id.
func (q *OfflineQueue) Get(ctx context.Context, id string) (models.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.load(ctx) {
		if it.ID == id {
			return it, true
		}
	}
	return models.QueueItem{}, false
}

// Len returns the number of queued items.
func (q *OfflineQueue) Len(ctx context.Context) int {
	return len(q.List(ctx))
}

// Remove deletes the item with id. It reports whether an item was removed.
func (q *OfflineQueue) Remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.load(ctx)
	next := items[:0]
	for _, it := range items {
		if it.ID != id {
			next = append(next, it)
		}
	}
	removed := len(next) < len(items)
	q.save(ctx, "remove", next)
	return removed
}

// IncrementRetry bumps the retry count of id. When the new count reaches the
// max retry count the item is dropped and false is returned. A missing id
// also returns false.
func (q *OfflineQueue) IncrementRetry(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.load(ctx)
	for i := range items {
		if items[i].ID != id {
			continue
		}
		items[i].RetryCount++
		if items[i].RetryCount >= q.maxRetryCount {
			q.logger.Info("queue item dropped after max retries",
				zap.String("item_id", id),
				zap.Int("retry_count", items[i].RetryCount),
			)
			observability.QueueDroppedTotal.WithLabelValues("max_retries").Inc()
			q.save(ctx, "drop", append(items[:i:i], items[i+1:]...))
			return false
		}
		q.save(ctx, "increment", items)
		return true
	}
	return false
}

// Clear deletes the whole queue key.
func (q *OfflineQueue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.RemoveItem(ctx, q.key); err != nil {
		q.storageError("clear", err)
		return
	}
	observability.QueueSize.Set(0)
}

func (q *OfflineQueue) load(ctx context.Context) []models.QueueItem {
	raw, ok, err := q.store.GetItem(ctx, q.key)
	if err != nil {
		q.storageError("get", err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	var items []models.QueueItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.storageError("decode", fmt.Errorf("%w: %v", kvstore.ErrCorrupt, err))
		return nil
	}
	return items
}

func (q *OfflineQueue) save(ctx context.Context, op string, items []models.QueueItem) {
	if items == nil {
		items = []models.QueueItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		q.storageError(op, err)
		return
	}
	if err := q.store.SetItem(ctx, q.key, string(raw)); err != nil {
		q.storageError(op, err)
		return
	}
	observability.QueueSize.Set(float64(len(items)))
}

func (q *OfflineQueue) storageError(op string, err error) {
	category := kvstore.Categorize(err)
	observability.StorageErrorsTotal.WithLabelValues("queue", op, category).Inc()
	q.logger.Warn("queue storage error",
		zap.String("op", op),
		zap.String("category", category),
		zap.Error(err),
	)
}
