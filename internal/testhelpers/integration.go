//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-offline-service/internal/cache"
	"github.com/kjstillabower/weather-offline-service/internal/client"
	"github.com/kjstillabower/weather-offline-service/internal/kvstore"
	"github.com/kjstillabower/weather-offline-service/internal/network"
	"github.com/kjstillabower/weather-offline-service/internal/offline"
	"github.com/kjstillabower/weather-offline-service/internal/queue"
	"github.com/kjstillabower/weather-offline-service/internal/traffic"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey         string
	StorageBackend string // "memory", "memcached" or "postgres"
	MemcachedAddr  string
	DatabaseURL    string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}
	return IntegrationTestConfig{
		APIKey:         apiKey,
		StorageBackend: os.Getenv("INTEGRATION_STORAGE_BACKEND"),
		MemcachedAddr:  memcachedAddr,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
	}
}

// Stack is a fully wired offline manager backed by the real weather API.
type Stack struct {
	Manager *offline.Manager
	Monitor *network.Monitor
	Tracker *traffic.Tracker
	Store   kvstore.Store
}

// SetupIntegrationStack wires client, store, cache, queue and manager. The
// store falls back to memory when the requested backend is unreachable.
// Returns the stack and a cleanup function.
func SetupIntegrationStack(t *testing.T, cfg IntegrationTestConfig) (*Stack, func()) {
	t.Helper()
	logger := zap.NewNop()

	weatherClient, err := client.NewOpenWeatherClient(client.Config{APIKey: cfg.APIKey, Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}

	var store kvstore.Store = kvstore.NewMemoryStore(0)
	cleanup := func() {}
	switch cfg.StorageBackend {
	case "memcached":
		mc := kvstore.NewMemcachedStore(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err := mc.Ping(); err != nil {
			t.Logf("Memcached not available (%v), using memory store", err)
			break
		}
		store = mc
		cleanup = func() { _ = mc.Close() }
		t.Logf("Using memcached store at %s", cfg.MemcachedAddr)
	case "postgres":
		if cfg.DatabaseURL == "" {
			t.Log("DATABASE_URL not set, using memory store")
			break
		}
		pg, err := kvstore.NewPostgresStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			t.Logf("PostgreSQL not available (%v), using memory store", err)
			break
		}
		store = pg
		cleanup = pg.Close
		t.Log("Using PostgreSQL store")
	}

	prefix := "it_" + time.Now().Format("150405.000") + "_"
	c := cache.New(store, logger, cache.WithKey(prefix+cache.DefaultKey))
	q := queue.New(store, logger, queue.WithKey(prefix+queue.DefaultKey))
	monitor := network.NewMonitor(true, logger)
	tracker := traffic.NewTracker(time.Minute)
	m := offline.New(c, q, monitor, weatherClient, tracker, logger, offline.Config{DropNonRetryable: true})

	stack := &Stack{Manager: m, Monitor: monitor, Tracker: tracker, Store: store}
	return stack, func() {
		ctx := context.Background()
		m.ClearCache(ctx)
		m.ClearQueue(ctx)
		cleanup()
	}
}
