// Package offline ties the weather cache, the offline queue and the network
// state into the read path the HTTP layer uses.
package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-offline-service/internal/cache"
	"github.com/kjstillabower/weather-offline-service/internal/client"
	"github.com/kjstillabower/weather-offline-service/internal/models"
	"github.com/kjstillabower/weather-offline-service/internal/network"
	"github.com/kjstillabower/weather-offline-service/internal/observability"
	"github.com/kjstillabower/weather-offline-service/internal/queue"
	"github.com/kjstillabower/weather-offline-service/internal/retry"
	"github.com/kjstillabower/weather-offline-service/internal/traffic"
)

// FetchFunc fetches a fresh snapshot from the remote API.
type FetchFunc func(ctx context.Context, loc models.Location, kind models.OperationKind) (models.WeatherSnapshot, error)

// Fetcher is the remote weather source. *client.OpenWeatherClient implements it.
type Fetcher interface {
	Fetch(ctx context.Context, loc models.Location, kind models.OperationKind) (models.WeatherSnapshot, error)
}

// State is the read-only view exposed to the UI.
type State struct {
	IsOffline         bool        `json:"isOffline"`
	HasOfflineData    bool        `json:"hasOfflineData"`
	QueueSize         int         `json:"queueSize"`
	CacheStats        cache.Stats `json:"cacheStats"`
	IsProcessingQueue bool        `json:"isProcessingQueue"`
}

// Config tunes the manager.
type Config struct {
	// DropNonRetryable removes a queue item on its first non-retryable failure
	// instead of letting it use up its retry count.
	DropNonRetryable bool
	// ItemRetry is the backoff applied between successive replays of the same
	// queue item. MaxRetries is always taken from the queue.
	ItemRetry retry.Config
	// IsRetryable classifies fetch failures. Defaults to client.IsRetryable.
	IsRetryable func(error) bool
}

// Manager is the offline facade. Create with New; safe for concurrent use.
type Manager struct {
	cache   *cache.WeatherCache
	queue   *queue.OfflineQueue
	monitor *network.Monitor
	fetcher Fetcher
	tracker *traffic.Tracker
	logger  *zap.Logger
	cfg     Config

	group      singleflight.Group
	processing atomic.Bool

	policiesMu sync.Mutex
	policies   map[string]itemPolicy

	listenersMu sync.Mutex
	listeners   map[int]func(State)
	nextID      int
}

// New creates a Manager. fetcher backs Fetch and queue drains; tracker may be nil.
func New(c *cache.WeatherCache, q *queue.OfflineQueue, monitor *network.Monitor, fetcher Fetcher, tracker *traffic.Tracker, logger *zap.Logger, cfg Config) *Manager {
	if tracker == nil {
		tracker = traffic.NewTracker(0)
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = client.IsRetryable
	}
	if cfg.ItemRetry.Name == "" {
		cfg.ItemRetry.Name = "queue_item"
	}
	cfg.ItemRetry.MaxRetries = q.MaxRetryCount()
	return &Manager{
		cache:     c,
		queue:     q,
		monitor:   monitor,
		fetcher:   fetcher,
		tracker:   tracker,
		logger:    observability.OrNop(logger),
		cfg:       cfg,
		policies:  make(map[string]itemPolicy),
		listeners: make(map[int]func(State)),
	}
}

// Fetch is FetchWithFallback using the manager's own fetcher. Identical
// concurrent fetches, queue replays included, share one remote call.
func (m *Manager) Fetch(ctx context.Context, loc models.Location, kind models.OperationKind) (models.WeatherSnapshot, error) {
	return m.fetchWithFallback(ctx, loc, kind, m.fetcher.Fetch, true)
}

// FetchWithFallback returns fresh data when online, falling back to the cache
// when the remote call fails or the client is offline. A fallback after a
// remote failure also queues the request for refresh. With no cached entry
// the request is queued and a *NoCachedDataError is returned.
//
// fetch is always called for an online request: it is never coalesced with
// other callers, since two FetchFuncs for the same location may differ. The
// call finishes and updates the cache even if the caller gives up.
func (m *Manager) FetchWithFallback(ctx context.Context, loc models.Location, kind models.OperationKind, fetch FetchFunc) (models.WeatherSnapshot, error) {
	return m.fetchWithFallback(ctx, loc, kind, fetch, false)
}

func (m *Manager) fetchWithFallback(ctx context.Context, loc models.Location, kind models.OperationKind, fetch FetchFunc, coalesce bool) (models.WeatherSnapshot, error) {
	observability.RecordWeatherQuery(loc.ID)
	defer m.notify(ctx)

	if !m.monitor.IsOnline() {
		if snap, ok := m.cached(ctx, loc, kind, "offline"); ok {
			return snap, nil
		}
		item := m.queue.Enqueue(ctx, kind, loc)
		observability.NoCachedDataTotal.WithLabelValues("offline").Inc()
		m.logger.Info("offline with no cached data, request queued",
			zap.String("location", loc.ID),
			zap.String("kind", string(kind)),
			zap.String("item_id", item.ID),
		)
		return models.WeatherSnapshot{}, &NoCachedDataError{Location: loc, Kind: kind, Offline: true, QueueItemID: item.ID}
	}

	snap, err := m.remote(ctx, loc, kind, fetch, coalesce)
	if err == nil {
		return snap, nil
	}
	if ctx.Err() != nil {
		return models.WeatherSnapshot{}, ctx.Err()
	}

	item := m.queue.Enqueue(ctx, kind, loc)
	if snap, ok := m.cached(ctx, loc, kind, "fetch_failed"); ok {
		m.logger.Info("remote fetch failed, serving cached data",
			zap.String("location", loc.ID),
			zap.String("kind", string(kind)),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return snap, nil
	}
	observability.NoCachedDataTotal.WithLabelValues("fetch_failed").Inc()
	m.logger.Info("remote fetch failed with no cached data, request queued",
		zap.String("location", loc.ID),
		zap.String("kind", string(kind)),
		zap.String("item_id", item.ID),
		zap.Error(err),
	)
	return models.WeatherSnapshot{}, &NoCachedDataError{Location: loc, Kind: kind, QueueItemID: item.ID, Err: err}
}

func (m *Manager) cached(ctx context.Context, loc models.Location, kind models.OperationKind, reason string) (models.WeatherSnapshot, bool) {
	entry, ok := m.cache.Get(ctx, loc.ID)
	if !ok {
		return models.WeatherSnapshot{}, false
	}
	snap := entry.Snapshot
	snap.Stale = true
	m.tracker.Record(traffic.Fallback)
	observability.FallbackServedTotal.WithLabelValues(string(kind), reason).Inc()
	return snap, true
}

// remote runs fetch and stores the result. The call is detached from the
// caller's cancellation; with coalesce it runs once per (kind, location) at a
// time.
func (m *Manager) remote(ctx context.Context, loc models.Location, kind models.OperationKind, fetch FetchFunc, coalesce bool) (models.WeatherSnapshot, error) {
	run := func() (interface{}, error) {
		fctx := context.WithoutCancel(ctx)
		snap, err := fetch(fctx, loc, kind)
		if err != nil {
			m.tracker.Record(traffic.RemoteFailure)
			return nil, err
		}
		m.tracker.Record(traffic.RemoteSuccess)
		m.cache.Put(fctx, loc, snap)
		return snap, nil
	}

	var ch <-chan singleflight.Result
	if coalesce {
		ch = m.group.DoChan(models.QueueKey(kind, loc.ID), run)
	} else {
		single := make(chan singleflight.Result, 1)
		go func() {
			v, err := run()
			single <- singleflight.Result{Val: v, Err: err}
		}()
		ch = single
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.WeatherSnapshot{}, res.Err
		}
		return res.Val.(models.WeatherSnapshot), nil
	case <-ctx.Done():
		return models.WeatherSnapshot{}, ctx.Err()
	}
}

// itemPolicy is the backoff state of the queue item itemID.
type itemPolicy struct {
	itemID string
	policy *retry.Policy
}

// policy returns the backoff state for item. An item that replaced an earlier
// one for the same (kind, location) starts with a fresh policy.
func (m *Manager) policy(item models.QueueItem) *retry.Policy {
	m.policiesMu.Lock()
	defer m.policiesMu.Unlock()
	key := item.Key()
	if ip, ok := m.policies[key]; ok {
		if ip.itemID == item.ID {
			return ip.policy
		}
		ip.policy.Reset()
	}
	p := retry.New(m.cfg.ItemRetry)
	m.policies[key] = itemPolicy{itemID: item.ID, policy: p}
	return p
}

// forgetPolicy discards item's backoff state unless a newer item owns the key.
func (m *Manager) forgetPolicy(item models.QueueItem) {
	m.policiesMu.Lock()
	key := item.Key()
	if ip, ok := m.policies[key]; ok && ip.itemID == item.ID {
		ip.policy.Reset()
		delete(m.policies, key)
	}
	m.policiesMu.Unlock()
}

// replay fetches a queue item through its retry policy. On success the cache
// is updated and the item removed.
func (m *Manager) replay(ctx context.Context, item models.QueueItem) (models.WeatherSnapshot, error) {
	snap, err := retry.Do(ctx, m.policy(item), func(ctx context.Context) (models.WeatherSnapshot, error) {
		return m.remote(ctx, item.Location, item.Kind, m.fetcher.Fetch, true)
	})
	if err != nil {
		return models.WeatherSnapshot{}, err
	}
	m.queue.Remove(ctx, item.ID)
	m.forgetPolicy(item)
	return snap, nil
}

// settlement is what a failed replay did to its queue item.
type settlement int

const (
	requeued settlement = iota
	droppedExhausted
	droppedNonRetryable
)

// settleFailure applies the queue's failure policy to item.
func (m *Manager) settleFailure(ctx context.Context, item models.QueueItem, err error) settlement {
	outcome := droppedExhausted
	switch {
	case errors.Is(err, retry.ErrRetryExhausted):
		m.queue.Remove(ctx, item.ID)
		observability.QueueDroppedTotal.WithLabelValues("max_retries").Inc()
	case m.cfg.DropNonRetryable && !m.cfg.IsRetryable(err):
		outcome = droppedNonRetryable
		m.queue.Remove(ctx, item.ID)
		observability.QueueDroppedTotal.WithLabelValues("non_retryable").Inc()
		m.logger.Info("queue item dropped, failure is not retryable",
			zap.String("item_id", item.ID),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
	default:
		if m.queue.IncrementRetry(ctx, item.ID) {
			return requeued
		}
	}
	m.forgetPolicy(item)
	return outcome
}

// RetryQueueItem replays one queue item now. It returns ErrQueueItemNotFound
// for an unknown id, ErrOffline while offline, an error matching
// retry.ErrRetryExhausted once the item has used its last attempt, and one
// matching ErrDroppedNonRetryable when a non-retryable failure removed it.
func (m *Manager) RetryQueueItem(ctx context.Context, id string) (models.WeatherSnapshot, error) {
	defer m.notify(ctx)

	item, ok := m.queue.Get(ctx, id)
	if !ok {
		return models.WeatherSnapshot{}, ErrQueueItemNotFound
	}
	if !m.monitor.IsOnline() {
		return models.WeatherSnapshot{}, ErrOffline
	}
	snap, err := m.replay(ctx, item)
	if err == nil {
		return snap, nil
	}
	if errors.Is(err, retry.ErrBackoffCanceled) || ctx.Err() != nil {
		return models.WeatherSnapshot{}, err
	}
	switch m.settleFailure(ctx, item, err) {
	case requeued:
		return models.WeatherSnapshot{}, err
	case droppedNonRetryable:
		return models.WeatherSnapshot{}, fmt.Errorf("%w: %w", ErrDroppedNonRetryable, err)
	}
	if errors.Is(err, retry.ErrRetryExhausted) {
		return models.WeatherSnapshot{}, err
	}
	return models.WeatherSnapshot{}, fmt.Errorf("%w: %w", retry.ErrRetryExhausted, err)
}

// QueueItems lists pending requests in insertion order.
func (m *Manager) QueueItems(ctx context.Context) []models.QueueItem {
	return m.queue.List(ctx)
}

// RemoveQueueItem deletes one pending request.
func (m *Manager) RemoveQueueItem(ctx context.Context, id string) bool {
	defer m.notify(ctx)
	if item, ok := m.queue.Get(ctx, id); ok {
		m.forgetPolicy(item)
	}
	return m.queue.Remove(ctx, id)
}

// ClearQueue deletes every pending request.
func (m *Manager) ClearQueue(ctx context.Context) {
	defer m.notify(ctx)
	m.policiesMu.Lock()
	for key, ip := range m.policies {
		ip.policy.Reset()
		delete(m.policies, key)
	}
	m.policiesMu.Unlock()
	m.queue.Clear(ctx)
}

// ClearCache deletes every cached snapshot.
func (m *Manager) ClearCache(ctx context.Context) {
	defer m.notify(ctx)
	m.cache.Clear(ctx)
}

// CleanupCache removes expired snapshots and returns how many were removed.
func (m *Manager) CleanupCache(ctx context.Context) int {
	defer m.notify(ctx)
	return m.cache.CleanupExpired(ctx)
}

// HasCachedData reports whether a valid snapshot exists for id.
func (m *Manager) HasCachedData(ctx context.Context, id string) bool {
	_, ok := m.cache.Get(ctx, id)
	return ok
}

// GetCacheAge returns whole minutes since the snapshot for id was cached.
func (m *Manager) GetCacheAge(ctx context.Context, id string) (int, bool) {
	return m.cache.Age(ctx, id)
}

// GetCachedData returns the valid cache entry for id.
func (m *Manager) GetCachedData(ctx context.Context, id string) (models.CacheEntry, bool) {
	return m.cache.Get(ctx, id)
}

// IsOnline reports the current network state.
func (m *Manager) IsOnline() bool {
	return m.monitor.IsOnline()
}

// SetNetworkOnline forwards a host network signal to the monitor. Run reacts
// to the transition.
func (m *Manager) SetNetworkOnline(online bool) bool {
	return m.monitor.SetOnline(online)
}

// IsProcessingQueue reports whether a drain is running.
func (m *Manager) IsProcessingQueue() bool {
	return m.processing.Load()
}

// State computes the UI-facing state from the store.
func (m *Manager) State(ctx context.Context) State {
	stats := m.cache.Stats(ctx)
	return State{
		IsOffline:         !m.monitor.IsOnline(),
		HasOfflineData:    stats.TotalItems > 0,
		QueueSize:         m.queue.Len(ctx),
		CacheStats:        stats,
		IsProcessingQueue: m.processing.Load(),
	}
}

// OnStateChange registers fn to receive the state after every mutating
// operation and network transition. The returned func unregisters it.
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

func (m *Manager) notify(ctx context.Context) {
	m.listenersMu.Lock()
	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()
	if len(fns) == 0 {
		return
	}
	s := m.State(context.WithoutCancel(ctx))
	for _, fn := range fns {
		fn(s)
	}
}

// Run drains the queue on every offline-to-online transition until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ch, unsubscribe := m.monitor.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}
			m.notify(ctx)
			if !online {
				continue
			}
			summary, err := m.ProcessOfflineQueue(ctx)
			if err != nil {
				m.logger.Warn("queue drain after reconnect ended early", zap.Error(err))
				continue
			}
			if summary.Processed > 0 || summary.Failed > 0 {
				m.logger.Info("queue drained after reconnect",
					zap.Int("processed", summary.Processed),
					zap.Int("failed", summary.Failed),
					zap.Int("remaining", summary.Remaining),
				)
			}
		}
	}
}
