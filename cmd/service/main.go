package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-offline-service/internal/cache"
	"github.com/kjstillabower/weather-offline-service/internal/client"
	"github.com/kjstillabower/weather-offline-service/internal/config"
	httphandler "github.com/kjstillabower/weather-offline-service/internal/http"
	"github.com/kjstillabower/weather-offline-service/internal/kvstore"
	"github.com/kjstillabower/weather-offline-service/internal/models"
	"github.com/kjstillabower/weather-offline-service/internal/network"
	"github.com/kjstillabower/weather-offline-service/internal/observability"
	"github.com/kjstillabower/weather-offline-service/internal/offline"
	"github.com/kjstillabower/weather-offline-service/internal/queue"
	"github.com/kjstillabower/weather-offline-service/internal/retry"
	"github.com/kjstillabower/weather-offline-service/internal/scheduler"
	"github.com/kjstillabower/weather-offline-service/internal/traffic"
	"github.com/kjstillabower/weather-offline-service/internal/validation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	weatherClient, err := client.NewOpenWeatherClient(client.Config{
		APIKey:      cfg.WeatherAPIKey,
		WeatherURL:  cfg.WeatherAPIURL,
		ForecastURL: cfg.WeatherAPIForecastURL,
		GeocodeURL:  cfg.WeatherAPIGeocodeURL,
		Timeout:     cfg.WeatherAPITimeout,
		Breaker: client.BreakerConfig{
			MaxRequests:      cfg.CircuitBreakerMaxRequests,
			Interval:         cfg.CircuitBreakerInterval,
			Timeout:          cfg.CircuitBreakerTimeout,
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		},
	}, nil)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage", zap.String("backend", cfg.StorageBackend), zap.Error(err))
	}
	defer store.close()

	weatherCache := cache.New(kvstore.Instrument(store.Store, "cache"), logger,
		cache.WithTTL(cfg.CacheTTL),
		cache.WithMaxSize(cfg.CacheMaxSize),
	)
	offlineQueue := queue.New(kvstore.Instrument(store.Store, "queue"), logger,
		queue.WithMaxRetryCount(cfg.QueueMaxRetryCount),
	)
	monitor := network.NewMonitor(cfg.NetworkStartOnline, logger)
	tracker := traffic.NewTracker(cfg.DegradedWindow)
	manager := offline.New(weatherCache, offlineQueue, monitor, weatherClient, tracker, logger, offline.Config{
		DropNonRetryable: cfg.QueueDropNonRetryable,
		ItemRetry: retry.Config{
			BaseDelay:         cfg.RetryBaseDelay,
			BackoffMultiplier: cfg.RetryBackoffMultiplier,
			MaxDelay:          cfg.RetryMaxDelay,
		},
	})

	tracked := trackedLocations(cfg, logger)
	ids := make([]string, 0, len(tracked))
	for _, loc := range tracked {
		ids = append(ids, loc.ID)
	}
	observability.SetTrackedLocations(ids)

	warmer := cache.NewWarmer(manager, logger, cfg.WarmConcurrency)
	if len(tracked) > 0 && monitor.IsOnline() {
		warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := warmer.Warm(warmCtx, tracked); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
	}

	go manager.Run(ctx)
	if cfg.NetworkProbeURL != "" {
		prober := network.NewProber(monitor,
			network.HTTPProbe(&http.Client{Timeout: cfg.NetworkProbeTimeout}, cfg.NetworkProbeURL),
			network.ProberConfig{
				Interval:        cfg.NetworkProbeInterval,
				RecoveryInitial: cfg.NetworkRecoveryInitial,
				RecoveryMax:     cfg.NetworkRecoveryMax,
				Timeout:         cfg.NetworkProbeTimeout,
			}, logger)
		go prober.Run(ctx)
		logger.Info("network prober started", zap.String("url", cfg.NetworkProbeURL))
	}

	sched := scheduler.New(manager, warmer, tracked, scheduler.Config{
		CleanupInterval: cfg.CleanupInterval,
		WarmInterval:    cfg.WarmInterval,
		DrainInterval:   cfg.DrainInterval,
	}, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(manager, tracker, &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		StoragePing:      store.ping,
	}, logger, cfg.LocationMinLength, cfg.LocationMaxLength)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		RequestTimeout: cfg.RequestTimeout,
		Limiter:        limiter,
	}, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", ":"+cfg.ServerPort), zap.String("storage", cfg.StorageBackend))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	handler.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	sched.Stop()
	logger.Info("shutdown complete")
}

// openedStore is the durable store plus its optional health ping and closer.
type openedStore struct {
	kvstore.Store
	ping  func(ctx context.Context) error
	close func()
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*openedStore, error) {
	switch cfg.StorageBackend {
	case "file":
		fs, err := kvstore.NewFileStore(cfg.StorageFileDir)
		if err != nil {
			return nil, err
		}
		logger.Info("storage backend: file", zap.String("dir", cfg.StorageFileDir))
		return &openedStore{Store: fs, close: func() {}}, nil
	case "memcached":
		mc := kvstore.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		logger.Info("storage backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return &openedStore{
			Store: mc,
			ping:  func(context.Context) error { return mc.Ping() },
			close: func() {
				if err := mc.Close(); err != nil {
					logger.Error("memcached close", zap.Error(err))
				}
			},
		}, nil
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pg, err := kvstore.NewPostgresStore(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("storage backend: postgres")
		return &openedStore{Store: pg, ping: pg.Ping, close: pg.Close}, nil
	default:
		logger.Info("storage backend: memory", zap.Int("quota_bytes", cfg.StorageQuotaBytes))
		return &openedStore{Store: kvstore.NewMemoryStore(cfg.StorageQuotaBytes), close: func() {}}, nil
	}
}

// trackedLocations validates the configured locations; invalid entries are
// logged and skipped.
func trackedLocations(cfg *config.Config, logger *zap.Logger) []models.Location {
	out := make([]models.Location, 0, len(cfg.TrackedLocations))
	for _, tl := range cfg.TrackedLocations {
		var lat, lon float64
		hasCoords := tl.Lat != nil && tl.Lon != nil
		if hasCoords {
			lat, lon = *tl.Lat, *tl.Lon
		}
		loc, err := validation.NewLocation(tl.Name, tl.Country, lat, lon, hasCoords, cfg.LocationMinLength, cfg.LocationMaxLength)
		if err != nil {
			logger.Warn("tracked location skipped", zap.String("name", tl.Name), zap.Error(err))
			continue
		}
		out = append(out, loc)
	}
	return out
}
