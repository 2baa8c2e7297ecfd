package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-offline-service/internal/client"
	"github.com/kjstillabower/weather-offline-service/internal/models"
	"github.com/kjstillabower/weather-offline-service/internal/observability"
	"github.com/kjstillabower/weather-offline-service/internal/offline"
	"github.com/kjstillabower/weather-offline-service/internal/retry"
	"github.com/kjstillabower/weather-offline-service/internal/traffic"
	"github.com/kjstillabower/weather-offline-service/internal/validation"
)

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// StoragePing, when set, is called to report durable store reachability.
	StoragePing func(ctx context.Context) error
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	manager           *offline.Manager
	tracker           *traffic.Tracker
	healthConfig      *HealthConfig
	logger            *zap.Logger
	locationMinLength int
	locationMaxLength int
	validate          *validator.Validate

	shuttingDown     atomic.Bool
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler. tracker feeds the degraded health check
// and may be nil.
func NewHandler(
	manager *offline.Manager,
	tracker *traffic.Tracker,
	healthConfig *HealthConfig,
	logger *zap.Logger,
	locationMinLength, locationMaxLength int,
) *Handler {
	if tracker == nil {
		tracker = traffic.NewTracker(0)
	}
	return &Handler{
		manager:           manager,
		tracker:           tracker,
		healthConfig:      healthConfig,
		logger:            observability.OrNop(logger),
		locationMinLength: locationMinLength,
		locationMaxLength: locationMaxLength,
		validate:          validator.New(),
	}
}

// SetShuttingDown flips the health status to shutting-down.
func (h *Handler) SetShuttingDown(v bool) { h.shuttingDown.Store(v) }

// IsShuttingDown reports whether shutdown has started.
func (h *Handler) IsShuttingDown() bool { return h.shuttingDown.Load() }

// GetWeather handles GET /weather/{location}?country=&lat=&lon=&kind=.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := models.ParseOperationKind(q.Get("kind"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_KIND", err.Error())
		return
	}
	loc, err := h.parseLocation(mux.Vars(r)["location"], q.Get("country"), q.Get("lat"), q.Get("lon"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		return
	}

	snap, err := h.manager.Fetch(r.Context(), loc, kind)
	if err != nil {
		h.writeFetchError(w, r, err)
		return
	}
	if snap.Stale {
		w.Header().Set("X-Data-Source", "cache")
		if age, ok := h.manager.GetCacheAge(r.Context(), loc.ID); ok {
			w.Header().Set("X-Cache-Age-Minutes", strconv.Itoa(age))
		}
	} else {
		w.Header().Set("X-Data-Source", "network")
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) parseLocation(name, country, latStr, lonStr string) (models.Location, error) {
	var lat, lon float64
	hasCoords := latStr != "" || lonStr != ""
	if hasCoords {
		var err error
		if lat, err = strconv.ParseFloat(latStr, 64); err != nil {
			return models.Location{}, validation.ErrCoordinatesOutOfRange
		}
		if lon, err = strconv.ParseFloat(lonStr, 64); err != nil {
			return models.Location{}, validation.ErrCoordinatesOutOfRange
		}
	}
	return validation.NewLocation(name, country, lat, lon, hasCoords, h.locationMinLength, h.locationMaxLength)
}

// writeFetchError maps a FetchWithFallback failure to the dashboard's error codes.
func (h *Handler) writeFetchError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFrom(r.Context())
	var ncd *offline.NoCachedDataError
	switch {
	case errors.As(err, &ncd):
		w.Header().Set("X-Queue-Item-ID", ncd.QueueItemID)
		switch {
		case ncd.Offline:
			writeError(w, r, http.StatusServiceUnavailable, "NO_DATA_QUEUED", "No data available offline; request queued for retry")
		case errors.Is(err, client.ErrLocationNotFound):
			writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "Location not found")
		default:
			writeError(w, r, http.StatusServiceUnavailable, "FETCH_FAILED", "Failed to load weather data; retry available")
		}
		logger.Debug("no cached data", zap.Bool("offline", ncd.Offline), zap.Error(err))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "Request timed out")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		logger.Error("unexpected fetch error", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Unable to fetch weather data")
	}
}

// GetOfflineState handles GET /offline/state.
func (h *Handler) GetOfflineState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.manager.State(r.Context()))
}

type networkRequest struct {
	Online *bool `json:"online" validate:"required"`
}

// PostNetwork handles POST /offline/network, the host network signal.
func (h *Handler) PostNetwork(w http.ResponseWriter, r *http.Request) {
	var body networkRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", `"online" is required`)
		return
	}
	changed := h.manager.SetNetworkOnline(*body.Online)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changed": changed,
		"state":   h.manager.State(r.Context()),
	})
}

// GetQueue handles GET /offline/queue.
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	items := h.manager.QueueItems(r.Context())
	if items == nil {
		items = []models.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

// PostProcessQueue handles POST /offline/queue/process.
func (h *Handler) PostProcessQueue(w http.ResponseWriter, r *http.Request) {
	if !h.manager.IsOnline() {
		writeError(w, r, http.StatusServiceUnavailable, "OFFLINE", "Cannot process queue while offline")
		return
	}
	summary, err := h.manager.ProcessOfflineQueue(r.Context())
	if err != nil {
		h.writeFetchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// PostRetryQueueItem handles POST /offline/queue/{id}/retry.
func (h *Handler) PostRetryQueueItem(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	snap, err := h.manager.RetryQueueItem(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, snap)
	case errors.Is(err, offline.ErrQueueItemNotFound):
		writeError(w, r, http.StatusNotFound, "QUEUE_ITEM_NOT_FOUND", "Queue item not found")
	case errors.Is(err, offline.ErrOffline):
		writeError(w, r, http.StatusServiceUnavailable, "OFFLINE", "Cannot retry while offline")
	case errors.Is(err, retry.ErrRetryExhausted):
		writeError(w, r, http.StatusConflict, "MAX_RETRIES_REACHED", "Maximum retries reached; request removed from queue")
	case errors.Is(err, offline.ErrDroppedNonRetryable) && errors.Is(err, client.ErrLocationNotFound):
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "Location not found; request removed from queue")
	case errors.Is(err, offline.ErrDroppedNonRetryable):
		writeError(w, r, http.StatusUnprocessableEntity, "NOT_RETRYABLE", "Request cannot succeed on retry; removed from queue")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		h.writeFetchError(w, r, err)
	default:
		observability.LoggerFrom(r.Context()).Debug("queue item retry failed", zap.String("item_id", id), zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "FETCH_FAILED", "Failed to load weather data; retry available")
	}
}

// DeleteQueueItem handles DELETE /offline/queue/{id}.
func (h *Handler) DeleteQueueItem(w http.ResponseWriter, r *http.Request) {
	if !h.manager.RemoveQueueItem(r.Context(), mux.Vars(r)["id"]) {
		writeError(w, r, http.StatusNotFound, "QUEUE_ITEM_NOT_FOUND", "Queue item not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteQueue handles DELETE /offline/queue.
func (h *Handler) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	h.manager.ClearQueue(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// GetCachedLocation handles GET /offline/cache/{locationId}.
func (h *Handler) GetCachedLocation(w http.ResponseWriter, r *http.Request) {
	id := strings.ToLower(mux.Vars(r)["locationId"])
	entry, ok := h.manager.GetCachedData(r.Context(), id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "NOT_CACHED", "No cached data for location")
		return
	}
	age, _ := h.manager.GetCacheAge(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entry":      entry,
		"ageMinutes": age,
	})
}

// DeleteCache handles DELETE /offline/cache.
func (h *Handler) DeleteCache(w http.ResponseWriter, r *http.Request) {
	h.manager.ClearCache(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// PostCacheCleanup handles POST /offline/cache/cleanup.
func (h *Handler) PostCacheCleanup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"removed": h.manager.CleanupCache(r.Context())})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	state := h.manager.State(r.Context())
	checks := map[string]string{"network": "online", "weatherApi": "healthy"}
	if state.IsOffline {
		checks["network"] = "offline"
	}
	if result.status == "degraded" {
		checks["weatherApi"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.StoragePing != nil {
		if h.healthConfig.StoragePing(r.Context()) == nil {
			checks["storage"] = "healthy"
		} else {
			checks["storage"] = "unhealthy"
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "weather-offline-service",
		"version":   "dev",
		"checks":    checks,
		"queueSize": state.QueueSize,
		"cacheSize": state.CacheStats.ValidItems,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > offline > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if h.shuttingDown.Load() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	// Offline still serves cached data, so it is not a failure.
	if !h.manager.IsOnline() {
		return healthResult{"offline", http.StatusOK, "network_unreachable"}
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		failures, total := h.tracker.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 && float64(failures)*100/float64(total) >= float64(h.healthConfig.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the standard error body with the request's correlation id.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationID(r.Context()),
		},
	})
}
