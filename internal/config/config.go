// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`
	DBURL  string `env:"DB_URL,required"`
	// RedisURL backs the SWR cache entry store and, when set, coordinates
	// rate-limit windows across instances.
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	// Blob store (S3-compatible) for product images.
	BlobEndpoint  string `env:"BLOB_ENDPOINT"`
	BlobBucket    string `env:"BLOB_BUCKET" envDefault:"datashelf-images"`
	BlobAccessKey string `env:"BLOB_ACCESS_KEY"`
	BlobSecretKey string `env:"BLOB_SECRET_KEY"`
	BlobUseSSL    bool   `env:"BLOB_USE_SSL" envDefault:"true"`
	// BlobPublicBaseURL is the public URL prefix for stored objects. Defaults to
	// the endpoint+bucket when empty.
	BlobPublicBaseURL string `env:"BLOB_PUBLIC_BASE_URL"`

	// WorkerSecret is the shared signing key for the job intake endpoint.
	WorkerSecret string `env:"WORKER_SECRET"`
	// WorkerHost is the base URL of the scraper intake (e.g. http://worker:8081).
	WorkerHost string `env:"WORKER_HOST" envDefault:"http://localhost:8081"`
	// SiteBaseURL is the root of the crawled catalog site.
	SiteBaseURL string `env:"SITE_BASE_URL"`

	// Cache TTLs per resource family.
	CacheTTLNavigation    time.Duration `env:"CACHE_TTL_NAVIGATION" envDefault:"3600s"`
	CacheTTLCategories    time.Duration `env:"CACHE_TTL_CATEGORIES" envDefault:"1800s"`
	CacheTTLProducts      time.Duration `env:"CACHE_TTL_PRODUCTS" envDefault:"300s"`
	CacheTTLProductDetail time.Duration `env:"CACHE_TTL_PRODUCT_DETAIL" envDefault:"120s"`

	RevalidationEnabled       bool `env:"REVALIDATION_ENABLED" envDefault:"true"`
	RevalidationRatePerMinute int  `env:"REVALIDATION_RATE_LIMIT_PER_MINUTE" envDefault:"10"`
	RevalidationRatePerHour   int  `env:"REVALIDATION_RATE_LIMIT_PER_HOUR" envDefault:"100"`

	// API-level per-IP rate limit.
	RateLimitPerMin int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" envDefault:"100"`

	// Scrape politeness limits, keyed per source host.
	ScrapeRatePerMinute int `env:"SCRAPE_RATE_LIMIT_PER_MINUTE" envDefault:"30"`
	ScrapeRatePerHour   int `env:"SCRAPE_RATE_LIMIT_PER_HOUR" envDefault:"600"`

	// Job-intake throttle on the worker process.
	IntakeRatePerMinute int `env:"INTAKE_RATE_LIMIT_PER_MINUTE" envDefault:"60"`
	IntakeRatePerHour   int `env:"INTAKE_RATE_LIMIT_PER_HOUR" envDefault:"1000"`

	WorkerPoolSize int `env:"WORKER_POOL_SIZE" envDefault:"4"`
	// *_MS keys carry bare millisecond counts, not duration strings.
	JobLeaseTTLMS     int64 `env:"JOB_LEASE_TTL_MS" envDefault:"600000"`
	JobPollIntervalMS int64 `env:"JOB_POLL_INTERVAL_MS" envDefault:"100"`
	JobMaxAttempts    int   `env:"JOB_MAX_ATTEMPTS" envDefault:"3"`
	// SweepInterval controls how often expired leases are reset to queued.
	SweepInterval time.Duration `env:"JOB_SWEEP_INTERVAL" envDefault:"1m"`
	// MaxListingPages caps category pagination.
	MaxListingPages int `env:"MAX_LISTING_PAGES" envDefault:"20"`
	// NavMaxDepth bounds the navigation tree (parent chain length).
	NavMaxDepth int `env:"NAV_MAX_DEPTH" envDefault:"6"`

	ImageMaxBytes       int64 `env:"IMAGE_MAX_BYTES" envDefault:"10485760"`
	ImageFetchTimeoutMS int64 `env:"IMAGE_FETCH_TIMEOUT_MS" envDefault:"15000"`
	ImageConcurrency    int   `env:"IMAGE_CONCURRENCY" envDefault:"4"`

	SignatureSkewMS int64 `env:"SIGNATURE_SKEW_MS" envDefault:"300000"`

	RenderTimeout time.Duration `env:"RENDER_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"datashelf"`

	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// SigningEnabled reports whether intake requests must carry a valid signature.
func (c Config) SigningEnabled() bool { return c.WorkerSecret != "" }

// JobLeaseTTL returns the job lease TTL as a duration.
func (c Config) JobLeaseTTL() time.Duration { return time.Duration(c.JobLeaseTTLMS) * time.Millisecond }

// JobPollInterval returns the worker poll interval as a duration.
func (c Config) JobPollInterval() time.Duration {
	return time.Duration(c.JobPollIntervalMS) * time.Millisecond
}

// ImageFetchTimeout returns the per-image GET timeout as a duration.
func (c Config) ImageFetchTimeout() time.Duration {
	return time.Duration(c.ImageFetchTimeoutMS) * time.Millisecond
}

// SignatureSkew returns the accepted signature timestamp skew as a duration.
func (c Config) SignatureSkew() time.Duration {
	return time.Duration(c.SignatureSkewMS) * time.Millisecond
}

// CacheTTLFor maps a cache resource prefix to its configured TTL.
func (c Config) CacheTTLFor(prefix string) time.Duration {
	switch prefix {
	case "navigation":
		return c.CacheTTLNavigation
	case "categories":
		return c.CacheTTLCategories
	case "products":
		return c.CacheTTLProducts
	case "product_detail":
		return c.CacheTTLProductDetail
	default:
		return c.CacheTTLProducts
	}
}
