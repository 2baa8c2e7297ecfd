package models

import (
	"fmt"
	"strings"
	"time"
)

// Location identifies a place. ID is stable per place and is the cache and queue key.
type Location struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// HasCoordinates reports whether the location carries a resolved position.
func (l Location) HasCoordinates() bool {
	return l.Lat != 0 || l.Lon != 0
}

// CurrentConditions is the current-conditions record of a snapshot.
type CurrentConditions struct {
	Temperature float64   `json:"temperature"`
	FeelsLike   float64   `json:"feelsLike"`
	Conditions  string    `json:"conditions"`
	Icon        string    `json:"icon,omitempty"`
	Humidity    int       `json:"humidity"`
	WindSpeed   float64   `json:"windSpeed"`
	ObservedAt  time.Time `json:"observedAt"`
}

// ForecastDay is one day of the multi-day forecast.
type ForecastDay struct {
	Date                string  `json:"date"` // YYYY-MM-DD, location-agnostic UTC date
	TempMin             float64 `json:"tempMin"`
	TempMax             float64 `json:"tempMax"`
	Conditions          string  `json:"conditions"`
	Icon                string  `json:"icon,omitempty"`
	Humidity            int     `json:"humidity"`
	WindSpeed           float64 `json:"windSpeed"`
	PrecipitationChance float64 `json:"precipitationChance"`
}

// WeatherSnapshot is the fetched payload for a location. The cache treats it as opaque.
type WeatherSnapshot struct {
	Location  Location           `json:"location"`
	Current   *CurrentConditions `json:"current,omitempty"`
	Forecast  []ForecastDay      `json:"forecast,omitempty"`
	FetchedAt time.Time          `json:"fetchedAt"`
	Stale     bool               `json:"stale,omitempty"` // Indicates data served from cache after a failed or skipped fetch
}

// OperationKind names the kind of fetch a queue item replays.
type OperationKind string

const (
	OperationWeather  OperationKind = "weather"
	OperationForecast OperationKind = "forecast"
	OperationSearch   OperationKind = "search"
)

// ParseOperationKind converts s to an OperationKind. Empty input defaults to weather.
func ParseOperationKind(s string) (OperationKind, error) {
	switch OperationKind(strings.ToLower(strings.TrimSpace(s))) {
	case "", OperationWeather:
		return OperationWeather, nil
	case OperationForecast:
		return OperationForecast, nil
	case OperationSearch:
		return OperationSearch, nil
	}
	return "", fmt.Errorf("unknown operation kind %q", s)
}
