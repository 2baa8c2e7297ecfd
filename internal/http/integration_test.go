//go:build integration
// +build integration

package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-offline-service/internal/models"
	"github.com/kjstillabower/weather-offline-service/internal/offline"
	testhelpers "github.com/kjstillabower/weather-offline-service/internal/testhelpers"
)

// setupIntegrationRouter creates a fully wired router backed by the real API.
func setupIntegrationRouter(t *testing.T, limiter *rate.Limiter) (http.Handler, *testhelpers.Stack, func()) {
	cfg := testhelpers.GetIntegrationConfig(t)
	stack, cleanup := testhelpers.SetupIntegrationStack(t, cfg)
	handler := NewHandler(stack.Manager, stack.Tracker, nil, zap.NewNop(), 1, 100)
	router := NewRouter(handler, RouterConfig{RequestTimeout: 10 * time.Second, Limiter: limiter}, zap.NewNop())
	return router, stack, cleanup
}

func doRequest(router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// TestIntegration_GetWeather_FreshThenCached verifies that a live fetch fills
// the cache and that the cached copy is served once the network drops.
func TestIntegration_GetWeather_FreshThenCached(t *testing.T) {
	router, _, cleanup := setupIntegrationRouter(t, nil)
	defer cleanup()

	w := doRequest(router, "GET", "/weather/London?country=GB", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want %d. Body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if got := w.Header().Get("X-Data-Source"); got != "network" {
		t.Errorf("X-Data-Source = %q, want network", got)
	}
	var fresh models.WeatherSnapshot
	if err := json.NewDecoder(w.Body).Decode(&fresh); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if fresh.Current == nil || len(fresh.Forecast) == 0 {
		t.Fatalf("snapshot incomplete: %+v", fresh)
	}

	if w := doRequest(router, "POST", "/offline/network", `{"online":false}`); w.Code != http.StatusOK {
		t.Fatalf("POST /offline/network status = %d", w.Code)
	}
	w = doRequest(router, "GET", "/weather/London?country=GB", "")
	if w.Code != http.StatusOK {
		t.Fatalf("offline Status = %d, want %d. Body: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if got := w.Header().Get("X-Data-Source"); got != "cache" {
		t.Errorf("offline X-Data-Source = %q, want cache", got)
	}
}

// TestIntegration_OfflineQueueDrainsOnReconnect verifies the full offline
// round trip: queued while offline, fetched after reconnect.
func TestIntegration_OfflineQueueDrainsOnReconnect(t *testing.T) {
	router, stack, cleanup := setupIntegrationRouter(t, nil)
	defer cleanup()
	stack.Monitor.SetOnline(false)

	w := doRequest(router, "GET", "/weather/Paris?country=FR", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status = %d, want 503. Body: %s", w.Code, w.Body.String())
	}

	doRequest(router, "POST", "/offline/network", `{"online":true}`)
	w = doRequest(router, "POST", "/offline/queue/process", "")
	if w.Code != http.StatusOK {
		t.Fatalf("process Status = %d. Body: %s", w.Code, w.Body.String())
	}
	var summary offline.DrainSummary
	if err := json.NewDecoder(w.Body).Decode(&summary); err != nil {
		t.Fatalf("Failed to decode summary: %v", err)
	}
	if summary.Processed != 1 {
		t.Errorf("summary = %+v, want 1 processed", summary)
	}
	if w := doRequest(router, "GET", "/offline/cache/paris-fr", ""); w.Code != http.StatusOK {
		t.Errorf("GET /offline/cache/paris-fr status = %d, want 200", w.Code)
	}
}

// TestIntegration_GetHealth_FullStack verifies the health endpoint through the
// full middleware chain.
func TestIntegration_GetHealth_FullStack(t *testing.T) {
	router, _, cleanup := setupIntegrationRouter(t, nil)
	defer cleanup()

	w := doRequest(router, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

// TestIntegration_RateLimiting_Concurrent verifies that concurrent requests
// beyond the burst are rejected with 429.
func TestIntegration_RateLimiting_Concurrent(t *testing.T) {
	router, stack, cleanup := setupIntegrationRouter(t, rate.NewLimiter(rate.Limit(1), 2))
	defer cleanup()
	// Offline keeps the test off the live API; the limiter runs first either way.
	stack.Monitor.SetOnline(false)

	var mu sync.Mutex
	var limited int
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := doRequest(router, "GET", "/weather/Berlin?country=DE", "")
			if w.Code == http.StatusTooManyRequests {
				mu.Lock()
				limited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if limited < 4 {
		t.Errorf("rate limited = %d, want at least 4", limited)
	}
}
