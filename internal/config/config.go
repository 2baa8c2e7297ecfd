package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TrackedLocation is a place the service warms and labels in metrics.
type TrackedLocation struct {
	Name    string   `yaml:"name"`
	Country string   `yaml:"country"`
	Lat     *float64 `yaml:"lat"`
	Lon     *float64 `yaml:"lon"`
}

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort string
	LogLevel   string

	WeatherAPIKey         string
	WeatherAPIURL         string
	WeatherAPIForecastURL string
	WeatherAPIGeocodeURL  string
	WeatherAPITimeout     time.Duration

	RequestTimeout    time.Duration
	LocationMinLength int
	LocationMaxLength int

	CacheTTL     time.Duration
	CacheMaxSize int

	QueueMaxRetryCount    int
	QueueDropNonRetryable bool

	RetryBaseDelay         time.Duration
	RetryBackoffMultiplier float64
	RetryMaxDelay          time.Duration

	StorageBackend        string // "memory", "file", "memcached" or "postgres"
	StorageQuotaBytes     int
	StorageFileDir        string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int
	DatabaseURL           string

	NetworkStartOnline     bool
	NetworkProbeURL        string
	NetworkProbeInterval   time.Duration
	NetworkProbeTimeout    time.Duration
	NetworkRecoveryInitial time.Duration
	NetworkRecoveryMax     time.Duration

	CircuitBreakerFailureThreshold uint32
	CircuitBreakerMaxRequests      uint32
	CircuitBreakerInterval         time.Duration
	CircuitBreakerTimeout          time.Duration

	RateLimitRPS     int
	RateLimitBurst   int
	DegradedWindow   time.Duration
	DegradedErrorPct int

	CleanupInterval time.Duration
	WarmInterval    time.Duration
	DrainInterval   time.Duration
	WarmConcurrency int

	TrackedLocations []TrackedLocation

	ShutdownTimeout time.Duration
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	WeatherAPI struct {
		URL         string `yaml:"url"`
		ForecastURL string `yaml:"forecast_url"`
		GeocodeURL  string `yaml:"geocode_url"`
		Timeout     string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout           string `yaml:"timeout"`
		LocationMinLength int    `yaml:"location_min_length"`
		LocationMaxLength int    `yaml:"location_max_length"`
	} `yaml:"request"`

	Cache struct {
		TTL     string `yaml:"ttl"`
		MaxSize int    `yaml:"max_size"`
	} `yaml:"cache"`

	Queue struct {
		MaxRetryCount    int   `yaml:"max_retry_count"`
		DropNonRetryable *bool `yaml:"drop_non_retryable"`
	} `yaml:"queue"`

	Retry struct {
		BaseDelay         string  `yaml:"base_delay"`
		BackoffMultiplier float64 `yaml:"backoff_multiplier"`
		MaxDelay          string  `yaml:"max_delay"`
	} `yaml:"retry"`

	Storage struct {
		Backend    string `yaml:"backend"`
		QuotaBytes int    `yaml:"quota_bytes"`
		File       struct {
			Dir string `yaml:"dir"`
		} `yaml:"file"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Postgres struct {
			URL string `yaml:"url"`
		} `yaml:"postgres"`
	} `yaml:"storage"`

	Network struct {
		StartOnline     *bool  `yaml:"start_online"`
		ProbeURL        string `yaml:"probe_url"`
		ProbeInterval   string `yaml:"probe_interval"`
		ProbeTimeout    string `yaml:"probe_timeout"`
		RecoveryInitial string `yaml:"recovery_initial"`
		RecoveryMax     string `yaml:"recovery_max"`
	} `yaml:"network"`

	CircuitBreaker struct {
		FailureThreshold uint32 `yaml:"failure_threshold"`
		MaxRequests      uint32 `yaml:"max_requests"`
		Interval         string `yaml:"interval"`
		Timeout          string `yaml:"timeout"`
	} `yaml:"circuit_breaker"`

	Reliability struct {
		RateLimitRPS     int    `yaml:"rate_limit_rps"`
		RateLimitBurst   int    `yaml:"rate_limit_burst"`
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"reliability"`

	Scheduler struct {
		CleanupInterval string `yaml:"cleanup_interval"`
		WarmInterval    string `yaml:"warm_interval"`
		DrainInterval   string `yaml:"drain_interval"`
		WarmConcurrency int    `yaml:"warm_concurrency"`
	} `yaml:"scheduler"`

	TrackedLocations []TrackedLocation `yaml:"tracked_locations"`

	Shutdown struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"shutdown"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
	DatabaseURL   string `yaml:"database_url"`
}

// Load reads .env (optional), config/{ENV_NAME}.yaml (default dev) and
// config/secrets.yaml (optional). Environment variables win over files.
// Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := fromFile(&fc)
	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("WEATHER_API_KEY"), sec.WeatherAPIKey)
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}
	cfg.LogLevel = firstNonEmpty(os.Getenv("LOG_LEVEL"), cfg.LogLevel)
	if v := strings.TrimSpace(strings.ToLower(os.Getenv("STORAGE_BACKEND"))); v != "" {
		cfg.StorageBackend = v
	}
	cfg.MemcachedAddrs = firstNonEmpty(strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")), cfg.MemcachedAddrs)
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), cfg.DatabaseURL, sec.DatabaseURL)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

// fromFile applies defaults to the parsed YAML.
func fromFile(fc *fileConfig) *Config {
	cfg := &Config{
		ServerPort: firstNonEmpty(fc.Server.Port, "8080"),
		LogLevel:   fc.Log.Level,

		WeatherAPIURL:         fc.WeatherAPI.URL,
		WeatherAPIForecastURL: fc.WeatherAPI.ForecastURL,
		WeatherAPIGeocodeURL:  fc.WeatherAPI.GeocodeURL,
		WeatherAPITimeout:     parseDurationOrZero(fc.WeatherAPI.Timeout, 10*time.Second),

		RequestTimeout:    parseDuration(fc.Request.Timeout, 15*time.Second),
		LocationMinLength: positiveOr(fc.Request.LocationMinLength, 1),
		LocationMaxLength: positiveOr(fc.Request.LocationMaxLength, 100),

		CacheTTL:     parseDuration(fc.Cache.TTL, 30*time.Minute),
		CacheMaxSize: positiveOr(fc.Cache.MaxSize, 10),

		QueueMaxRetryCount:    positiveOr(fc.Queue.MaxRetryCount, 3),
		QueueDropNonRetryable: true,

		RetryBaseDelay:         parseDuration(fc.Retry.BaseDelay, time.Second),
		RetryBackoffMultiplier: fc.Retry.BackoffMultiplier,
		RetryMaxDelay:          parseDuration(fc.Retry.MaxDelay, 30*time.Second),

		StorageBackend:        strings.TrimSpace(strings.ToLower(firstNonEmpty(fc.Storage.Backend, "memory"))),
		StorageQuotaBytes:     fc.Storage.QuotaBytes,
		StorageFileDir:        firstNonEmpty(fc.Storage.File.Dir, "data"),
		MemcachedAddrs:        firstNonEmpty(strings.TrimSpace(fc.Storage.Memcached.Addrs), "localhost:11211"),
		MemcachedTimeout:      parseDuration(fc.Storage.Memcached.Timeout, 500*time.Millisecond),
		MemcachedMaxIdleConns: positiveOr(fc.Storage.Memcached.MaxIdleConns, 2),
		DatabaseURL:           fc.Storage.Postgres.URL,

		NetworkStartOnline:     true,
		NetworkProbeURL:        fc.Network.ProbeURL,
		NetworkProbeInterval:   parseDuration(fc.Network.ProbeInterval, 30*time.Second),
		NetworkProbeTimeout:    parseDuration(fc.Network.ProbeTimeout, 5*time.Second),
		NetworkRecoveryInitial: parseDuration(fc.Network.RecoveryInitial, time.Second),
		NetworkRecoveryMax:     parseDuration(fc.Network.RecoveryMax, 5*time.Minute),

		CircuitBreakerFailureThreshold: fc.CircuitBreaker.FailureThreshold,
		CircuitBreakerMaxRequests:      fc.CircuitBreaker.MaxRequests,
		CircuitBreakerInterval:         parseDuration(fc.CircuitBreaker.Interval, time.Minute),
		CircuitBreakerTimeout:          parseDuration(fc.CircuitBreaker.Timeout, 30*time.Second),

		RateLimitRPS:     positiveOr(fc.Reliability.RateLimitRPS, 100),
		RateLimitBurst:   positiveOr(fc.Reliability.RateLimitBurst, 250),
		DegradedWindow:   parseDuration(fc.Reliability.DegradedWindow, time.Minute),
		DegradedErrorPct: positiveOr(fc.Reliability.DegradedErrorPct, 50),

		CleanupInterval: parseDuration(fc.Scheduler.CleanupInterval, 5*time.Minute),
		WarmInterval:    parseDurationOrZero(fc.Scheduler.WarmInterval, 15*time.Minute),
		DrainInterval:   parseDuration(fc.Scheduler.DrainInterval, time.Minute),
		WarmConcurrency: positiveOr(fc.Scheduler.WarmConcurrency, 4),

		TrackedLocations: fc.TrackedLocations,

		ShutdownTimeout: parseDuration(fc.Shutdown.Timeout, 30*time.Second),
	}
	if cfg.RetryBackoffMultiplier <= 0 {
		cfg.RetryBackoffMultiplier = 2
	}
	if cfg.CircuitBreakerFailureThreshold == 0 {
		cfg.CircuitBreakerFailureThreshold = 5
	}
	if cfg.CircuitBreakerMaxRequests == 0 {
		cfg.CircuitBreakerMaxRequests = 1
	}
	if fc.Queue.DropNonRetryable != nil {
		cfg.QueueDropNonRetryable = *fc.Queue.DropNonRetryable
	}
	if fc.Network.StartOnline != nil {
		cfg.NetworkStartOnline = *fc.Network.StartOnline
	}
	return cfg
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
// Used for parsing duration fields from YAML config with safe fallback to defaults.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// validate performs post-load validation. RequestTimeout is raised above
// WeatherAPITimeout so a remote call can finish inside a request.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	if cfg.WarmInterval < 0 {
		return fmt.Errorf("scheduler.warm_interval must not be negative")
	}
	if cfg.LocationMinLength > cfg.LocationMaxLength {
		return fmt.Errorf("request.location_min_length (%d) exceeds location_max_length (%d)", cfg.LocationMinLength, cfg.LocationMaxLength)
	}
	switch cfg.StorageBackend {
	case "memory", "file", "memcached":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("storage.backend postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("storage.backend must be memory, file, memcached or postgres, got %q", cfg.StorageBackend)
	}
	for i, loc := range cfg.TrackedLocations {
		if strings.TrimSpace(loc.Name) == "" {
			return fmt.Errorf("tracked_locations[%d]: name is required", i)
		}
		if (loc.Lat == nil) != (loc.Lon == nil) {
			return fmt.Errorf("tracked_locations[%d]: lat and lon must be set together", i)
		}
	}
	return nil
}
