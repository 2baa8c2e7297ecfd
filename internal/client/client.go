// Package client fetches weather snapshots from the OpenWeather API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/kjstillabower/weather-offline-service/internal/models"
	"github.com/kjstillabower/weather-offline-service/internal/observability"
)

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrCircuitOpen      = errors.New("circuit breaker open")
)

const (
	DefaultWeatherURL  = "https://api.openweathermap.org/data/2.5/weather"
	DefaultForecastURL = "https://api.openweathermap.org/data/2.5/forecast"
	DefaultGeocodeURL  = "https://api.openweathermap.org/geo/1.0/direct"

	forecastDays = 5
	breakerName  = "weather_api"
)

// BreakerConfig configures the circuit breaker around API calls.
type BreakerConfig struct {
	MaxRequests      uint32        // probes allowed while half-open
	Interval         time.Duration // closed-state count reset period
	Timeout          time.Duration // open-state duration before half-open
	FailureThreshold uint32        // consecutive failures that open the breaker
}

// Config configures an OpenWeatherClient.
type Config struct {
	APIKey      string
	WeatherURL  string
	ForecastURL string
	GeocodeURL  string
	Timeout     time.Duration
	Breaker     BreakerConfig
}

// OpenWeatherClient makes one attempt per Fetch; retrying is left to the
// offline queue. Every request runs under its own timeout.
type OpenWeatherClient struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

// NewOpenWeatherClient validates cfg and builds the client. httpClient may be nil.
func NewOpenWeatherClient(cfg Config, httpClient *http.Client) (*OpenWeatherClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(cfg.APIKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if cfg.WeatherURL == "" {
		cfg.WeatherURL = DefaultWeatherURL
	}
	if cfg.ForecastURL == "" {
		cfg.ForecastURL = DefaultForecastURL
	}
	if cfg.GeocodeURL == "" {
		cfg.GeocodeURL = DefaultGeocodeURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	threshold := cfg.Breaker.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitBreakerTransitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
			observability.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
	})
	observability.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	return &OpenWeatherClient{cfg: cfg, client: httpClient, breaker: breaker, now: time.Now}, nil
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

type currentResponse struct {
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Weather []weatherDesc `json:"weather"`
	Wind    struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Dt   int64  `json:"dt"`
	Name string `json:"name"`
	Sys  struct {
		Country string `json:"country"`
	} `json:"sys"`
}

type weatherDesc struct {
	Main        string `json:"main"`
	Description string `json:"description"`
	Icon        string `json:"icon"`
}

type forecastResponse struct {
	List []struct {
		Dt   int64 `json:"dt"`
		Main struct {
			TempMin  float64 `json:"temp_min"`
			TempMax  float64 `json:"temp_max"`
			Humidity int     `json:"humidity"`
		} `json:"main"`
		Weather []weatherDesc `json:"weather"`
		Wind    struct {
			Speed float64 `json:"speed"`
		} `json:"wind"`
		Pop float64 `json:"pop"`
	} `json:"list"`
}

type geocodeResult struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Country string  `json:"country"`
}

// Fetch returns a full snapshot (current conditions plus the daily forecast)
// for loc. A search without coordinates geocodes the location first.
func (c *OpenWeatherClient) Fetch(ctx context.Context, loc models.Location, kind models.OperationKind) (models.WeatherSnapshot, error) {
	if kind == models.OperationSearch && !loc.HasCoordinates() {
		resolved, err := c.Geocode(ctx, loc, kind)
		if err != nil {
			return models.WeatherSnapshot{}, err
		}
		loc = resolved
	}

	var (
		current  currentResponse
		forecast forecastResponse
	)
	params := c.locationParams(loc)
	// Both requests always run to completion so a cancelled sibling is never
	// counted as an upstream failure by the breaker.
	var g errgroup.Group
	g.Go(func() error {
		return c.get(ctx, kind, c.cfg.WeatherURL, params, &current)
	})
	g.Go(func() error {
		return c.get(ctx, kind, c.cfg.ForecastURL, params, &forecast)
	})
	if err := g.Wait(); err != nil {
		return models.WeatherSnapshot{}, err
	}

	if !loc.HasCoordinates() {
		loc.Lat, loc.Lon = current.Coord.Lat, current.Coord.Lon
	}
	if loc.Country == "" {
		loc.Country = current.Sys.Country
	}
	if loc.Name == "" {
		loc.Name = current.Name
	}

	return models.WeatherSnapshot{
		Location:  loc,
		Current:   mapCurrent(current),
		Forecast:  aggregateForecast(forecast, forecastDays),
		FetchedAt: c.now(),
	}, nil
}

// Geocode resolves loc's name and country to coordinates.
func (c *OpenWeatherClient) Geocode(ctx context.Context, loc models.Location, kind models.OperationKind) (models.Location, error) {
	q := loc.Name
	if loc.Country != "" {
		q += "," + loc.Country
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("limit", "1")

	var results []geocodeResult
	if err := c.get(ctx, kind, c.cfg.GeocodeURL, params, &results); err != nil {
		return loc, err
	}
	if len(results) == 0 {
		observability.WeatherAPIErrorsTotal.WithLabelValues(string(ErrorCategoryLocationNotFound)).Inc()
		return loc, &RemoteError{Category: ErrorCategoryLocationNotFound, Err: fmt.Errorf("%w: %s", ErrLocationNotFound, q)}
	}
	r := results[0]
	loc.Lat, loc.Lon = r.Lat, r.Lon
	if loc.Country == "" {
		loc.Country = r.Country
	}
	if r.Name != "" {
		loc.Name = r.Name
	}
	return loc, nil
}

// ValidateAPIKey makes a single weather request and reports an invalid key.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	var out currentResponse
	params := url.Values{}
	params.Set("q", "London")
	err := c.get(ctx, models.OperationWeather, c.cfg.WeatherURL, params, &out)
	if errors.Is(err, ErrInvalidAPIKey) {
		return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
	}
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func (c *OpenWeatherClient) locationParams(loc models.Location) url.Values {
	params := url.Values{}
	if loc.HasCoordinates() {
		params.Set("lat", strconv.FormatFloat(loc.Lat, 'f', 4, 64))
		params.Set("lon", strconv.FormatFloat(loc.Lon, 'f', 4, 64))
		return params
	}
	q := loc.Name
	if loc.Country != "" {
		q += "," + loc.Country
	}
	params.Set("q", q)
	return params
}

// get runs one request through the circuit breaker. Non-retryable failures
// are handed back as the breaker result so bad input never opens the circuit.
func (c *OpenWeatherClient) get(ctx context.Context, kind models.OperationKind, endpoint string, params url.Values, out any) error {
	res, err := c.breaker.Execute(func() (interface{}, error) {
		callErr := c.call(ctx, kind, endpoint, params, out)
		if callErr != nil && !IsRetryable(callErr) {
			return callErr, nil
		}
		return nil, callErr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.WeatherAPIErrorsTotal.WithLabelValues(string(ErrorCategoryServiceUnavailable)).Inc()
			return &RemoteError{
				Category:  ErrorCategoryServiceUnavailable,
				Retryable: true,
				Err:       fmt.Errorf("%w: %v", ErrCircuitOpen, err),
			}
		}
		return err
	}
	if callErr, ok := res.(error); ok {
		return callErr
	}
	return nil
}

func (c *OpenWeatherClient) call(ctx context.Context, kind models.OperationKind, endpoint string, params url.Values, out any) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, endpoint, params)
	if err != nil {
		return c.fail(kind, "error", start, &RemoteError{Category: ErrorCategoryAPI, Err: fmt.Errorf("build request: %w", err)})
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.fail(kind, "error", start, classifyTransport(err))
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	if re := classifyStatus(resp.StatusCode); re != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return c.fail(kind, status, start, re)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.fail(kind, status, start, classifyTransport(fmt.Errorf("read response body: %w", err)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return c.fail(kind, "parse_error", start, &RemoteError{Category: ErrorCategoryParsing, Err: fmt.Errorf("parse response: %w", err)})
	}

	observability.WeatherAPICallsTotal.WithLabelValues(string(kind), status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	return nil
}

func (c *OpenWeatherClient) fail(kind models.OperationKind, status string, start time.Time, re *RemoteError) error {
	observability.WeatherAPICallsTotal.WithLabelValues(string(kind), status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	observability.WeatherAPIErrorsTotal.WithLabelValues(string(re.Category)).Inc()
	return re
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, endpoint string, params url.Values) (*http.Request, error) {
	baseURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("appid", c.cfg.APIKey)
	q.Set("units", "metric")
	baseURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func mapCurrent(r currentResponse) *models.CurrentConditions {
	cur := &models.CurrentConditions{
		Temperature: r.Main.Temp,
		FeelsLike:   r.Main.FeelsLike,
		Humidity:    r.Main.Humidity,
		WindSpeed:   r.Wind.Speed,
	}
	if len(r.Weather) > 0 {
		cur.Conditions = describe(r.Weather[0])
		cur.Icon = r.Weather[0].Icon
	}
	if r.Dt > 0 {
		cur.ObservedAt = time.Unix(r.Dt, 0).UTC()
	}
	return cur
}

func describe(w weatherDesc) string {
	if w.Description != "" {
		return w.Description
	}
	return w.Main
}

// aggregateForecast folds 3-hourly entries into at most days UTC days: min of
// lows, max of highs, mean humidity and wind, max precipitation chance and the
// most frequent description.
func aggregateForecast(r forecastResponse, days int) []models.ForecastDay {
	type acc struct {
		day       models.ForecastDay
		n         int
		humidity  int
		wind      float64
		condCount map[string]int
		icons     map[string]string
	}
	var order []string
	byDate := make(map[string]*acc)

	for _, e := range r.List {
		date := time.Unix(e.Dt, 0).UTC().Format("2006-01-02")
		a, ok := byDate[date]
		if !ok {
			if len(order) == days {
				continue
			}
			a = &acc{
				day:       models.ForecastDay{Date: date, TempMin: e.Main.TempMin, TempMax: e.Main.TempMax},
				condCount: make(map[string]int),
				icons:     make(map[string]string),
			}
			byDate[date] = a
			order = append(order, date)
		}
		a.n++
		a.humidity += e.Main.Humidity
		a.wind += e.Wind.Speed
		if e.Main.TempMin < a.day.TempMin {
			a.day.TempMin = e.Main.TempMin
		}
		if e.Main.TempMax > a.day.TempMax {
			a.day.TempMax = e.Main.TempMax
		}
		if e.Pop > a.day.PrecipitationChance {
			a.day.PrecipitationChance = e.Pop
		}
		if len(e.Weather) > 0 {
			d := describe(e.Weather[0])
			a.condCount[d]++
			if _, seen := a.icons[d]; !seen {
				a.icons[d] = e.Weather[0].Icon
			}
		}
	}

	out := make([]models.ForecastDay, 0, len(order))
	for _, date := range order {
		a := byDate[date]
		a.day.Humidity = a.humidity / a.n
		a.day.WindSpeed = a.wind / float64(a.n)
		a.day.Conditions = mostFrequent(a.condCount)
		a.day.Icon = a.icons[a.day.Conditions]
		out = append(out, a.day)
	}
	return out
}

// mostFrequent picks the highest count, breaking ties alphabetically.
func mostFrequent(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	best, bestN := "", 0
	for _, k := range keys {
		if counts[k] > bestN {
			best, bestN = k, counts[k]
		}
	}
	return best
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
