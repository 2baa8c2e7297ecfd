package queue

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/kjstillabower/weather-offline-service/internal/kvstore"
	"github.com/kjstillabower/weather-offline-service/internal/models"
)

var (
	paris = models.Location{ID: "paris-fr", Name: "Paris", Country: "FR"}
	tokyo = models.Location{ID: "tokyo-jp", Name: "Tokyo", Country: "JP"}
)

func newTestQueue(t *testing.T, opts ...Option) (*OfflineQueue, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return New(kvstore.NewMemoryStore(0), nil, opts...), &now
}

func TestOfflineQueue_Enqueue(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	item := q.Enqueue(ctx, models.OperationWeather, paris)

	wantID := "weather-paris-fr-" + strconv.FormatInt(now.UnixMilli(), 10)
	if item.ID != wantID {
		t.Errorf("Enqueue() id = %q, want %q", item.ID, wantID)
	}
	if item.RetryCount != 0 || !item.EnqueuedAt.Equal(*now) {
		t.Errorf("Enqueue() = %+v", item)
	}
	if got := q.List(ctx); len(got) != 1 || got[0].ID != item.ID {
		t.Errorf("List() = %+v, want the enqueued item", got)
	}
}

// TestOfflineQueue_Dedup verifies that enqueueing the same (kind, location)
// twice leaves a single item whose retry count restarts at zero.
func TestOfflineQueue_Dedup(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	first := q.Enqueue(ctx, models.OperationWeather, paris)
	q.IncrementRetry(ctx, first.ID)
	*now = now.Add(time.Second)
	second := q.Enqueue(ctx, models.OperationWeather, paris)

	items := q.List(ctx)
	if len(items) != 1 {
		t.Fatalf("List() length = %d, want 1", len(items))
	}
	if items[0].ID != second.ID || items[0].RetryCount != 0 {
		t.Errorf("List()[0] = %+v, want second enqueue with retryCount 0", items[0])
	}
}

// TestOfflineQueue_DistinctKinds verifies that the same location under
// different kinds yields separate items kept in insertion order.
func TestOfflineQueue_DistinctKinds(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, models.OperationWeather, paris)
	q.Enqueue(ctx, models.OperationForecast, paris)
	q.Enqueue(ctx, models.OperationWeather, tokyo)

	items := q.List(ctx)
	if len(items) != 3 {
		t.Fatalf("List() length = %d, want 3", len(items))
	}
	if items[0].Kind != models.OperationWeather || items[1].Kind != models.OperationForecast || items[2].Location.ID != "tokyo-jp" {
		t.Errorf("List() order = %+v", items)
	}
	if q.Len(ctx) != 3 {
		t.Errorf("Len() = %d, want 3", q.Len(ctx))
	}
}

// TestOfflineQueue_IncrementRetry_Exhaustion verifies that the
// MaxRetryCount-th increment removes the item and returns false.
func TestOfflineQueue_IncrementRetry_Exhaustion(t *testing.T) {
	q, _ := newTestQueue(t, WithMaxRetryCount(3))
	ctx := context.Background()
	item := q.Enqueue(ctx, models.OperationWeather, paris)

	if !q.IncrementRetry(ctx, item.ID) {
		t.Fatal("IncrementRetry() #1 = false, want true")
	}
	if !q.IncrementRetry(ctx, item.ID) {
		t.Fatal("IncrementRetry() #2 = false, want true")
	}
	got, _ := q.Get(ctx, item.ID)
	if got.RetryCount != 2 {
		t.Fatalf("RetryCount = %d, want 2", got.RetryCount)
	}
	if q.IncrementRetry(ctx, item.ID) {
		t.Error("IncrementRetry() #3 = true, want false")
	}
	if q.Len(ctx) != 0 {
		t.Errorf("Len() = %d, want 0 after drop", q.Len(ctx))
	}
}

func TestOfflineQueue_IncrementRetry_Missing(t *testing.T) {
	q, _ := newTestQueue(t)
	if q.IncrementRetry(context.Background(), "nope") {
		t.Error("IncrementRetry(missing) = true, want false")
	}
}

func TestOfflineQueue_RemoveAndClear(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	a := q.Enqueue(ctx, models.OperationWeather, paris)
	q.Enqueue(ctx, models.OperationWeather, tokyo)

	if !q.Remove(ctx, a.ID) {
		t.Error("Remove() = false, want true")
	}
	if q.Remove(ctx, a.ID) {
		t.Error("Remove() twice = true, want false")
	}
	if _, ok := q.Get(ctx, a.ID); ok {
		t.Error("Get() after Remove ok = true")
	}
	q.Clear(ctx)
	if q.Len(ctx) != 0 {
		t.Errorf("Len() after Clear = %d, want 0", q.Len(ctx))
	}
}

func TestOfflineQueue_PersistsAcrossInstances(t *testing.T) {
	store := kvstore.NewMemoryStore(0)
	ctx := context.Background()
	New(store, nil).Enqueue(ctx, models.OperationSearch, paris)

	items := New(store, nil).List(ctx)
	if len(items) != 1 || items[0].Kind != models.OperationSearch {
		t.Errorf("List() on new instance = %+v", items)
	}
}

type brokenStore struct{}

func (brokenStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}
func (brokenStore) SetItem(ctx context.Context, key, value string) error {
	return errors.New("connection refused")
}
func (brokenStore) RemoveItem(ctx context.Context, key string) error {
	return errors.New("connection refused")
}

// TestOfflineQueue_BrokenStore verifies that store failures degrade to an
// empty queue instead of surfacing.
func TestOfflineQueue_BrokenStore(t *testing.T) {
	q := New(brokenStore{}, nil)
	ctx := context.Background()

	item := q.Enqueue(ctx, models.OperationWeather, paris)
	if item.ID == "" {
		t.Error("Enqueue() returned empty item")
	}
	if q.Len(ctx) != 0 {
		t.Errorf("Len() = %d, want 0", q.Len(ctx))
	}
	if q.IncrementRetry(ctx, item.ID) {
		t.Error("IncrementRetry() = true on broken store")
	}
	q.Clear(ctx)
}
