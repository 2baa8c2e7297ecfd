package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-offline-service/internal/observability"
)

// RouterConfig holds the per-route middleware settings.
type RouterConfig struct {
	RequestTimeout time.Duration
	// Limiter guards /weather; nil disables rate limiting.
	Limiter *rate.Limiter
}

// NewRouter registers every route on a new mux.Router.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(RateLimitMiddleware(cfg.Limiter, h.tracker))
	if cfg.RequestTimeout > 0 {
		weatherRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	weatherRouter.HandleFunc("/{location}", h.GetWeather).Methods(http.MethodGet)

	off := router.PathPrefix("/offline").Subrouter()
	off.HandleFunc("/state", h.GetOfflineState).Methods(http.MethodGet)
	off.HandleFunc("/network", h.PostNetwork).Methods(http.MethodPost)
	off.HandleFunc("/queue", h.GetQueue).Methods(http.MethodGet)
	off.HandleFunc("/queue", h.DeleteQueue).Methods(http.MethodDelete)
	off.HandleFunc("/queue/process", h.PostProcessQueue).Methods(http.MethodPost)
	off.HandleFunc("/queue/{id}/retry", h.PostRetryQueueItem).Methods(http.MethodPost)
	off.HandleFunc("/queue/{id}", h.DeleteQueueItem).Methods(http.MethodDelete)
	off.HandleFunc("/cache", h.DeleteCache).Methods(http.MethodDelete)
	off.HandleFunc("/cache/cleanup", h.PostCacheCleanup).Methods(http.MethodPost)
	off.HandleFunc("/cache/{locationId}", h.GetCachedLocation).Methods(http.MethodGet)
	return router
}
