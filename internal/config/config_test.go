package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalEnvYAML = `
server:
  port: "8080"
weather_api:
  timeout: "2s"
request:
  timeout: "5s"
cache:
  ttl: "5m"
storage:
  backend: "memory"
shutdown:
  timeout: "10s"
`

// unsetEnv clears key for the duration of the test and restores it afterwards.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	saved, had := os.LookupEnv(key)
	os.Unsetenv(key)
	t.Cleanup(func() {
		if had {
			os.Setenv(key, saved)
		} else {
			os.Unsetenv(key)
		}
	})
}

// chdirProject creates a temp project with config/dev.yaml and changes into it.
func chdirProject(t *testing.T, yamlContent string) string {
	t.Helper()
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	dir := t.TempDir()
	writeEnvFile(t, dir, yamlContent)
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	for _, k := range []string{"ENV_NAME", "STORAGE_BACKEND", "MEMCACHED_ADDRS", "DATABASE_URL", "LOG_LEVEL"} {
		unsetEnv(t, k)
	}
	return dir
}

func TestLoad_FailsWhenNoAPIKey(t *testing.T) {
	chdirProject(t, minimalEnvYAML)
	unsetEnv(t, "WEATHER_API_KEY")

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error when no WEATHER_API_KEY and no secrets file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "WEATHER_API_KEY") {
		t.Errorf("Load() error = %v, want message containing WEATHER_API_KEY", err)
	}
}

func TestLoad_SucceedsWithSecretsFile(t *testing.T) {
	dir := chdirProject(t, minimalEnvYAML)
	unsetEnv(t, "WEATHER_API_KEY")
	writeSecretsFile(t, dir, "weather_api_key: key-from-secrets-file\n")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherAPIKey != "key-from-secrets-file" {
		t.Errorf("WeatherAPIKey = %q, want key from secrets file", cfg.WeatherAPIKey)
	}
}

// TestLoad_DotEnvFile verifies that .env values are loaded when the process
// environment does not set them.
func TestLoad_DotEnvFile(t *testing.T) {
	dir := chdirProject(t, minimalEnvYAML)
	unsetEnv(t, "WEATHER_API_KEY")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("WEATHER_API_KEY=key-from-dotenv\nSTORAGE_BACKEND=file\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WeatherAPIKey != "key-from-dotenv" {
		t.Errorf("WeatherAPIKey = %q, want key-from-dotenv", cfg.WeatherAPIKey)
	}
	if cfg.StorageBackend != "file" {
		t.Errorf("StorageBackend = %q, want file", cfg.StorageBackend)
	}
}

func TestLoad_EnvFileNotFound(t *testing.T) {
	chdirProject(t, minimalEnvYAML)
	t.Setenv("ENV_NAME", "nonexistent")

	cfg, err := Load()
	if err == nil {
		t.Fatal("Load() expected error for missing env file, got nil")
	}
	if cfg != nil {
		t.Fatalf("Load() expected nil config on error, got %+v", cfg)
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("Load() error = %v, want message about config file not found", err)
	}
}

// TestLoad_Defaults verifies the defaults applied to a minimal file.
func TestLoad_Defaults(t *testing.T) {
	chdirProject(t, minimalEnvYAML)
	t.Setenv("WEATHER_API_KEY", "test-key-1234567890")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"CacheTTL", cfg.CacheTTL, 5 * time.Minute},
		{"CacheMaxSize", cfg.CacheMaxSize, 10},
		{"QueueMaxRetryCount", cfg.QueueMaxRetryCount, 3},
		{"QueueDropNonRetryable", cfg.QueueDropNonRetryable, true},
		{"RetryBaseDelay", cfg.RetryBaseDelay, time.Second},
		{"RetryBackoffMultiplier", cfg.RetryBackoffMultiplier, 2.0},
		{"StorageBackend", cfg.StorageBackend, "memory"},
		{"NetworkStartOnline", cfg.NetworkStartOnline, true},
		{"NetworkProbeInterval", cfg.NetworkProbeInterval, 30 * time.Second},
		{"CircuitBreakerFailureThreshold", cfg.CircuitBreakerFailureThreshold, uint32(5)},
		{"WarmInterval", cfg.WarmInterval, 15 * time.Minute},
		{"LocationMaxLength", cfg.LocationMaxLength, 100},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	chdirProject(t, minimalEnvYAML+`
retry:
  base_delay: "soon"
scheduler:
  cleanup_interval: "-1m"
`)
	t.Setenv("WEATHER_API_KEY", "test-key-1234567890")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RetryBaseDelay != time.Second {
		t.Errorf("RetryBaseDelay = %v, want 1s default", cfg.RetryBaseDelay)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m default", cfg.CleanupInterval)
	}
}

// TestLoad_EnvOverrides verifies that environment variables win over YAML.
func TestLoad_EnvOverrides(t *testing.T) {
	chdirProject(t, minimalEnvYAML+`
log:
  level: "info"
`)
	t.Setenv("WEATHER_API_KEY", "test-key-1234567890")
	t.Setenv("STORAGE_BACKEND", "Memcached")
	t.Setenv("MEMCACHED_ADDRS", "cache-1:11211,cache-2:11211")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StorageBackend != "memcached" {
		t.Errorf("StorageBackend = %q, want memcached", cfg.StorageBackend)
	}
	if cfg.MemcachedAddrs != "cache-1:11211,cache-2:11211" {
		t.Errorf("MemcachedAddrs = %q", cfg.MemcachedAddrs)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoad_PostgresRequiresDatabaseURL(t *testing.T) {
	chdirProject(t, minimalEnvYAML)
	t.Setenv("WEATHER_API_KEY", "test-key-1234567890")
	t.Setenv("STORAGE_BACKEND", "postgres")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("Load() error = %v, want DATABASE_URL error", err)
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/weather")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() with DATABASE_URL error = %v", err)
	}
	if cfg.DatabaseURL != "postgres://localhost/weather" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
}

func TestLoad_QueueAndNetworkFlags(t *testing.T) {
	chdirProject(t, minimalEnvYAML+`
queue:
  max_retry_count: 5
  drop_non_retryable: false
network:
  start_online: false
`)
	t.Setenv("WEATHER_API_KEY", "test-key-1234567890")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QueueMaxRetryCount != 5 || cfg.QueueDropNonRetryable {
		t.Errorf("queue = %d/%v, want 5/false", cfg.QueueMaxRetryCount, cfg.QueueDropNonRetryable)
	}
	if cfg.NetworkStartOnline {
		t.Error("NetworkStartOnline = true, want false")
	}
}

func TestLoad_TrackedLocations(t *testing.T) {
	chdirProject(t, minimalEnvYAML+`
tracked_locations:
  - name: "Paris"
    country: "FR"
  - name: "Tokyo"
    lat: 35.68
    lon: 139.69
`)
	t.Setenv("WEATHER_API_KEY", "test-key-1234567890")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.TrackedLocations) != 2 {
		t.Fatalf("TrackedLocations = %+v, want 2", cfg.TrackedLocations)
	}
	if cfg.TrackedLocations[0].Lat != nil {
		t.Error("Paris Lat set, want nil")
	}
	if tk := cfg.TrackedLocations[1]; tk.Lat == nil || *tk.Lat != 35.68 {
		t.Errorf("Tokyo = %+v, want lat 35.68", tk)
	}
}

func TestValidate(t *testing.T) {
	lat := 1.0
	base := func() *Config {
		return &Config{WeatherAPITimeout: 2 * time.Second, RequestTimeout: 5 * time.Second, StorageBackend: "memory", LocationMinLength: 1, LocationMaxLength: 100}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"zero api timeout", func(c *Config) { c.WeatherAPITimeout = 0 }, "timeout"},
		{"unknown backend", func(c *Config) { c.StorageBackend = "redis" }, "storage.backend"},
		{"min above max", func(c *Config) { c.LocationMinLength = 200 }, "location_min_length"},
		{"tracked without name", func(c *Config) { c.TrackedLocations = []TrackedLocation{{Country: "FR"}} }, "name is required"},
		{"tracked lat only", func(c *Config) { c.TrackedLocations = []TrackedLocation{{Name: "X", Lat: &lat}} }, "together"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestValidate_RaisesRequestTimeout verifies the request timeout is lifted above the API timeout.
func TestValidate_RaisesRequestTimeout(t *testing.T) {
	c := &Config{WeatherAPITimeout: 10 * time.Second, RequestTimeout: 5 * time.Second, StorageBackend: "memory", LocationMinLength: 1, LocationMaxLength: 100}
	if err := validate(c); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	if c.RequestTimeout != 11*time.Second {
		t.Errorf("RequestTimeout = %v, want 11s", c.RequestTimeout)
	}
}

func TestLoad_InvalidSecretsYAML(t *testing.T) {
	dir := chdirProject(t, minimalEnvYAML)
	unsetEnv(t, "WEATHER_API_KEY")
	writeSecretsFile(t, dir, "weather_api_key: [unclosed\n")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "secrets") {
		t.Fatalf("Load() error = %v, want secrets parse error", err)
	}
}

func TestLoad_InvalidConfigYAML(t *testing.T) {
	chdirProject(t, "server: [unclosed\n")
	t.Setenv("WEATHER_API_KEY", "test-key-1234567890")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("Load() error = %v, want parse error", err)
	}
}

// TestLoad_ProjectDevYAML verifies that the checked-in config/dev.yaml loads.
func TestLoad_ProjectDevYAML(t *testing.T) {
	root := findProjectRoot(t)
	origWd, _ := os.Getwd()
	if err := os.Chdir(root); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(origWd) }()
	for _, k := range []string{"ENV_NAME", "STORAGE_BACKEND", "DATABASE_URL"} {
		unsetEnv(t, k)
	}
	t.Setenv("WEATHER_API_KEY", "test-key-1234567890")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.TrackedLocations) == 0 {
		t.Error("dev.yaml has no tracked locations")
	}
}

func writeEnvFile(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
}

func writeSecretsFile(t *testing.T, dir, content string) {
	t.Helper()
	secretsDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(secretsDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(secretsDir, "secrets.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write secrets file: %v", err)
	}
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("config/dev.yaml not found (run tests from project root)")
		}
		dir = parent
	}
}
