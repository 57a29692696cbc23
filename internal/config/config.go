// -------------------------------------------------------------------------------
// Configuration - Spotkeeper Settings
//
// Author: Alex Freidah
//
// Configuration types and loader for the spot discovery service. Supports
// environment variable expansion in YAML values using ${VAR} syntax and optional
// secret resolution from Vault. Validates required fields before returning to
// catch misconfiguration early.
// -------------------------------------------------------------------------------

package config

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// CONFIGURATION TYPES
// -------------------------------------------------------------------------

// Config holds the complete service configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Places         PlacesConfig         `yaml:"places"`
	Photos         PhotosConfig         `yaml:"photos"`
	ObjectStore    ObjectStoreConfig    `yaml:"object_store"`
	Search         SearchConfig         `yaml:"search"`
	Vault          VaultConfig          `yaml:"vault"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	UI             UIConfig             `yaml:"ui"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // Per-request handler deadline (default: 30s)
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig holds optional TLS settings for the HTTP server. When CertFile
// and KeyFile are both set, the server listens with TLS.
type TLSConfig struct {
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	MinVersion string `yaml:"min_version"` // "1.2" (default) or "1.3"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConns        int32         `yaml:"max_conns"`         // Max pool connections (default: 10)
	MinConns        int32         `yaml:"min_conns"`         // Min idle connections (default: 2)
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"` // Max connection age (default: 30m)
}

// RedisConfig holds the optional shared tier for the search response cache.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"` // default: "spotkeeper:"
}

// PlacesConfig holds settings for the upstream place-search provider.
type PlacesConfig struct {
	APIKey         string        `yaml:"api_key"`
	BaseURL        string        `yaml:"base_url"`         // default: https://places.googleapis.com
	Timeout        time.Duration `yaml:"timeout"`          // HTTP client timeout (default: 10s)
	RequestsPerSec float64       `yaml:"requests_per_sec"` // Outbound token refill rate (default: 20)
	Burst          int           `yaml:"burst"`            // Outbound burst (default: 40)
	LanguageCode   string        `yaml:"language_code"`
}

// PhotosConfig holds settings for the photo cache and object-store mirror.
type PhotosConfig struct {
	MaxWidth         int           `yaml:"max_width"`         // Upstream media width in px (default: 800)
	CacheEntries     int           `yaml:"cache_entries"`     // LRU entry bound (default: 100)
	CacheBytes       int64         `yaml:"cache_bytes"`       // LRU byte bound (default: 50MB)
	BatchSize        int           `yaml:"batch_size"`        // Concurrent uploads per batch (default: 3)
	EnrichTimeout    time.Duration `yaml:"enrich_timeout"`    // Deadline for detached enrichment (default: 2m)
	BackfillInterval time.Duration `yaml:"backfill_interval"` // 0 disables the backfill service
	BackfillLimit    int           `yaml:"backfill_limit"`    // Spots per backfill run (default: 30)
}

// ObjectStoreConfig holds the S3-compatible bucket that mirrors photos.
type ObjectStoreConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	PublicBaseURL   string        `yaml:"public_base_url"` // Read URL base (default: endpoint)
	KeyPrefix       string        `yaml:"key_prefix"`      // Optional object key prefix, e.g. "spot-photos/"
	UploadTimeout   time.Duration `yaml:"upload_timeout"`  // Per-upload deadline (default: 30s)
}

// SearchConfig holds search aggregator and cache tuning.
type SearchConfig struct {
	ResponseTTL            time.Duration `yaml:"response_ttl"`             // default: 3m
	ResponseCacheEntries   int           `yaml:"response_cache_entries"`   // default: 500
	CoordinateCacheEntries int           `yaml:"coordinate_cache_entries"` // default: 5000
	BiasRadiusMeters       float64       `yaml:"bias_radius_meters"`       // default: 10000
	MaxResults             int           `yaml:"max_results"`              // default: 10
	CoordinateConcurrency  int           `yaml:"coordinate_concurrency"`   // default: 4
	NearbyRadiusMeters     float64       `yaml:"nearby_radius_meters"`     // default: 1500
	NearbyMaxResults       int           `yaml:"nearby_max_results"`       // default: 20
}

// VaultConfig enables secret resolution from a Vault KV v2 mount. Secrets only
// fill fields left empty in the YAML file.
type VaultConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // default: VAULT_ADDR
	Token   string `yaml:"token"`   // default: VAULT_TOKEN
	Mount   string `yaml:"mount"`   // default: "secret"
	Path    string `yaml:"path"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"`
}

// RateLimitConfig holds per-IP rate limiting settings. Disabled by default.
type RateLimitConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RequestsPerSec float64  `yaml:"requests_per_sec"` // default: 20
	Burst          int      `yaml:"burst"`            // default: 40
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// CircuitBreakerConfig holds settings for the database circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // default: 3
	OpenTimeout      time.Duration `yaml:"open_timeout"`      // default: 15s
}

// UIConfig holds settings for the built-in operations dashboard. Disabled by
// default.
type UIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // URL prefix for the dashboard (default: "/ui")
}

// -------------------------------------------------------------------------
// CONFIGURATION LOADER
// -------------------------------------------------------------------------

// LoadConfig reads and parses the configuration file with environment variable
// expansion. When vault.enabled is set, empty secret fields are filled from
// Vault before validation.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// --- Expand environment variables ---
	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// --- Resolve secrets ---
	if cfg.Vault.Enabled {
		reader, err := NewVaultReader(cfg.Vault)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cfg.ResolveSecrets(ctx, reader); err != nil {
			return nil, err
		}
	}

	if err := cfg.SetDefaultsAndValidate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// -------------------------------------------------------------------------
// VALIDATION
// -------------------------------------------------------------------------

// SetDefaultsAndValidate applies default values for optional fields and checks
// that all required configuration values are present.
func (c *Config) SetDefaultsAndValidate() error {
	var errors []string

	// --- Server ---
	if c.Server.ListenAddr == "" {
		errors = append(errors, "server.listen_addr is required")
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	hasCert := c.Server.TLS.CertFile != ""
	hasKey := c.Server.TLS.KeyFile != ""
	if hasCert != hasKey {
		errors = append(errors, "server.tls requires both cert_file and key_file")
	}
	if hasCert && hasKey {
		if c.Server.TLS.MinVersion == "" {
			c.Server.TLS.MinVersion = "1.2"
		}
		if c.Server.TLS.MinVersion != "1.2" && c.Server.TLS.MinVersion != "1.3" {
			errors = append(errors, "server.tls.min_version must be \"1.2\" or \"1.3\"")
		}
	}

	// --- Database ---
	if c.Database.Host == "" {
		errors = append(errors, "database.host is required")
	}
	if c.Database.Database == "" {
		errors = append(errors, "database.database is required")
	}
	if c.Database.User == "" {
		errors = append(errors, "database.user is required")
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "require"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = 2
	}
	if c.Database.MaxConnLifetime == 0 {
		c.Database.MaxConnLifetime = 30 * time.Minute
	}

	// --- Redis ---
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errors = append(errors, "redis.addr is required when redis is enabled")
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "spotkeeper:"
	}

	// --- Places provider ---
	if c.Places.APIKey == "" {
		errors = append(errors, "places.api_key is required")
	}
	if c.Places.BaseURL == "" {
		c.Places.BaseURL = "https://places.googleapis.com"
	}
	if _, err := url.Parse(c.Places.BaseURL); err != nil {
		errors = append(errors, fmt.Sprintf("places.base_url is invalid: %v", err))
	}
	if c.Places.Timeout == 0 {
		c.Places.Timeout = 10 * time.Second
	}
	if c.Places.RequestsPerSec == 0 {
		c.Places.RequestsPerSec = 20
	}
	if c.Places.Burst == 0 {
		c.Places.Burst = 40
	}
	if c.Places.RequestsPerSec < 0 || c.Places.Burst < 0 {
		errors = append(errors, "places.requests_per_sec and places.burst must not be negative")
	}

	// --- Photos ---
	if c.Photos.MaxWidth == 0 {
		c.Photos.MaxWidth = 800
	}
	if c.Photos.CacheEntries == 0 {
		c.Photos.CacheEntries = 100
	}
	if c.Photos.CacheBytes == 0 {
		c.Photos.CacheBytes = 50 * 1024 * 1024
	}
	if c.Photos.BatchSize == 0 {
		c.Photos.BatchSize = 3
	}
	if c.Photos.EnrichTimeout == 0 {
		c.Photos.EnrichTimeout = 2 * time.Minute
	}
	if c.Photos.BackfillLimit == 0 {
		c.Photos.BackfillLimit = 30
	}
	if c.Photos.MaxWidth < 0 || c.Photos.CacheEntries < 0 || c.Photos.CacheBytes < 0 || c.Photos.BatchSize < 0 {
		errors = append(errors, "photos limits must not be negative")
	}
	if c.Photos.BackfillInterval < 0 {
		errors = append(errors, "photos.backfill_interval must not be negative")
	}

	// --- Object store ---
	if c.ObjectStore.Endpoint == "" {
		errors = append(errors, "object_store.endpoint is required")
	}
	if c.ObjectStore.Bucket == "" {
		errors = append(errors, "object_store.bucket is required")
	}
	if c.ObjectStore.AccessKeyID == "" {
		errors = append(errors, "object_store.access_key_id is required")
	}
	if c.ObjectStore.SecretAccessKey == "" {
		errors = append(errors, "object_store.secret_access_key is required")
	}
	if c.ObjectStore.Region == "" {
		c.ObjectStore.Region = "us-east-1"
	}
	if c.ObjectStore.PublicBaseURL == "" {
		c.ObjectStore.PublicBaseURL = c.ObjectStore.Endpoint
	}
	c.ObjectStore.PublicBaseURL = strings.TrimRight(c.ObjectStore.PublicBaseURL, "/")
	if c.ObjectStore.UploadTimeout == 0 {
		c.ObjectStore.UploadTimeout = 30 * time.Second
	}

	// --- Search ---
	if c.Search.ResponseTTL == 0 {
		c.Search.ResponseTTL = 3 * time.Minute
	}
	if c.Search.ResponseCacheEntries == 0 {
		c.Search.ResponseCacheEntries = 500
	}
	if c.Search.CoordinateCacheEntries == 0 {
		c.Search.CoordinateCacheEntries = 5000
	}
	if c.Search.BiasRadiusMeters == 0 {
		c.Search.BiasRadiusMeters = 10000
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = 10
	}
	if c.Search.CoordinateConcurrency == 0 {
		c.Search.CoordinateConcurrency = 4
	}
	if c.Search.NearbyRadiusMeters == 0 {
		c.Search.NearbyRadiusMeters = 1500
	}
	if c.Search.NearbyMaxResults == 0 {
		c.Search.NearbyMaxResults = 20
	}
	if c.Search.ResponseTTL < 0 {
		errors = append(errors, "search.response_ttl must be positive")
	}
	if c.Search.MaxResults < 0 || c.Search.CoordinateConcurrency < 0 {
		errors = append(errors, "search.max_results and search.coordinate_concurrency must be positive")
	}
	// Provider rejects circles larger than 50 km.
	if c.Search.BiasRadiusMeters < 0 || c.Search.BiasRadiusMeters > 50000 {
		errors = append(errors, "search.bias_radius_meters must be between 0 and 50000")
	}
	if c.Search.NearbyRadiusMeters < 0 || c.Search.NearbyRadiusMeters > 50000 {
		errors = append(errors, "search.nearby_radius_meters must be between 0 and 50000")
	}
	if c.Search.NearbyMaxResults < 0 || c.Search.NearbyMaxResults > 20 {
		errors = append(errors, "search.nearby_max_results must be between 1 and 20")
	}

	// --- Vault ---
	if c.Vault.Enabled {
		if c.Vault.Mount == "" {
			c.Vault.Mount = "secret"
		}
		if c.Vault.Path == "" {
			errors = append(errors, "vault.path is required when vault is enabled")
		}
	}

	// --- Telemetry ---
	if c.Telemetry.Metrics.Path == "" {
		c.Telemetry.Metrics.Path = "/metrics"
	}
	if c.Telemetry.Tracing.SampleRate == 0 && c.Telemetry.Tracing.Enabled {
		c.Telemetry.Tracing.SampleRate = 1.0
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		errors = append(errors, "telemetry.tracing.endpoint is required when tracing is enabled")
	}

	// --- UI ---
	if c.UI.Path == "" {
		c.UI.Path = "/ui"
	}
	c.UI.Path = "/" + strings.Trim(c.UI.Path, "/")
	if c.UI.Enabled && c.UI.Path == "/" {
		errors = append(errors, "ui.path must not be the root path")
	}

	// --- Rate limit ---
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSec == 0 {
			c.RateLimit.RequestsPerSec = 20
		}
		if c.RateLimit.Burst == 0 {
			c.RateLimit.Burst = 40
		}
		if c.RateLimit.RequestsPerSec <= 0 {
			errors = append(errors, "rate_limit.requests_per_sec must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			errors = append(errors, "rate_limit.burst must be positive")
		}
		for _, cidr := range c.RateLimit.TrustedProxies {
			if _, _, err := net.ParseCIDR(strings.TrimSpace(cidr)); err != nil {
				errors = append(errors, fmt.Sprintf("rate_limit.trusted_proxies: invalid CIDR %q", cidr))
			}
		}
	}

	// --- Circuit breaker ---
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 3
	}
	if c.CircuitBreaker.OpenTimeout == 0 {
		c.CircuitBreaker.OpenTimeout = 15 * time.Second
	}

	if len(errors) > 0 {
		return fmt.Errorf("%s", strings.Join(errors, "; "))
	}
	return nil
}

// NonReloadableFieldsChanged compares two configs and returns the
// non-reloadable sections that differ. Used by the SIGHUP handler to warn
// about changes that require a restart. Rate limits and the photo backfill
// schedule are picked up live.
func NonReloadableFieldsChanged(old, new *Config) []string {
	var changed []string

	if old.Server.ListenAddr != new.Server.ListenAddr {
		changed = append(changed, "server.listen_addr")
	}
	if old.Server.TLS != new.Server.TLS {
		changed = append(changed, "server.tls")
	}
	if old.Database != new.Database {
		changed = append(changed, "database")
	}
	if old.Redis != new.Redis {
		changed = append(changed, "redis")
	}
	if old.Places != new.Places {
		changed = append(changed, "places")
	}
	if old.ObjectStore != new.ObjectStore {
		changed = append(changed, "object_store")
	}
	if old.Search != new.Search {
		changed = append(changed, "search")
	}
	if old.Photos.MaxWidth != new.Photos.MaxWidth ||
		old.Photos.CacheEntries != new.Photos.CacheEntries ||
		old.Photos.CacheBytes != new.Photos.CacheBytes ||
		old.Photos.BatchSize != new.Photos.BatchSize {
		changed = append(changed, "photos (cache and batch sizing)")
	}
	if old.Telemetry != new.Telemetry {
		changed = append(changed, "telemetry")
	}
	if old.Vault != new.Vault {
		changed = append(changed, "vault")
	}
	if old.UI != new.UI {
		changed = append(changed, "ui")
	}

	return changed
}

// ConnectionString returns a PostgreSQL connection URI with properly escaped
// credentials, safe for passwords containing special characters.
func (c *DatabaseConfig) ConnectionString() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: fmt.Sprintf("sslmode=%s", url.QueryEscape(c.SSLMode)),
	}
	return u.String()
}
