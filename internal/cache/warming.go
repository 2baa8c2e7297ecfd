package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-offline-service/internal/models"
	"github.com/kjstillabower/weather-offline-service/internal/observability"
)

// SnapshotFetcher is implemented by the offline manager to fetch a snapshot for a location.
// Used by Warmer to avoid a circular dependency on the offline package.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, loc models.Location, kind models.OperationKind) (models.WeatherSnapshot, error)
}

const defaultWarmConcurrency = 4

// Warmer prefetches snapshots for a list of locations so they are available offline.
type Warmer struct {
	fetcher     SnapshotFetcher
	logger      *zap.Logger
	concurrency int
}

// NewWarmer creates a Warmer. concurrency <= 0 uses a default of 4.
func NewWarmer(fetcher SnapshotFetcher, logger *zap.Logger, concurrency int) *Warmer {
	if concurrency <= 0 {
		concurrency = defaultWarmConcurrency
	}
	return &Warmer{fetcher: fetcher, logger: observability.OrNop(logger), concurrency: concurrency}
}

// Warm fetches every location with bounded parallelism. One failing location
// does not stop the others; failures are joined into the returned error.
func (w *Warmer) Warm(ctx context.Context, locations []models.Location) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	w.logger.Info("warming cache", zap.Int("locations", len(locations)))

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, loc := range locations {
		loc := loc // per-iteration copy (go.mod targets go 1.21)
		g.Go(func() error {
			if _, err := w.fetcher.Fetch(gctx, loc, models.OperationWeather); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", loc.ID, err))
				mu.Unlock()
			}
			return nil // don't fail the group
		})
	}
	_ = g.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete",
		zap.Int("locations", len(locations)),
		zap.Int("errors", len(errs)),
		zap.Float64("duration_seconds", duration),
	)
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}
