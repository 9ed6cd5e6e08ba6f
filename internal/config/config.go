// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Catalogue backends.
const (
	BackendPostgres = "postgres"
	BackendQdrant   = "qdrant"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config holds all environment-based configuration.
type Config struct {
	Port            string
	LogLevel        string
	ShutdownTimeout time.Duration

	MaxBodyBytes      int64
	MaxImageBytes     int
	MaxImageDimension int
	MaxImagePixels    int
	Background        string

	ExtractorURL     string
	ExtractorTimeout time.Duration
	FeatureDimension int

	RetryAttempts       int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	BreakerFailThreshold int
	BreakerOpenTimeout   time.Duration

	CatalogueBackend      string
	DatabaseURL           string
	CatalogueTable        string
	CatalogueMaxConns     int
	CatalogueQueryTimeout time.Duration
	QdrantAddr            string
	QdrantCollection      string

	RedisAddr       string
	RateLimitMax    int
	RateLimitWindow time.Duration

	CORSOrigins []string
	// TrustedProxies lists proxy IPs or CIDRs allowed to set X-Forwarded-For.
	// Empty trusts none, so rate limiting keys on the socket peer.
	TrustedProxies []string

	JWTSecret   string
	JWTAudience string
}

// Load reads the environment. Malformed values are errors, not silent defaults.
func Load() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Port:            getEnv("PORT", "3001"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 15*time.Second),

		MaxBodyBytes:      int64(p.integer("MAX_BODY_BYTES", 8<<20)),
		MaxImageBytes:     p.integer("MAX_IMAGE_BYTES", 4<<20),
		MaxImageDimension: p.integer("MAX_IMAGE_DIMENSION", 4096),
		MaxImagePixels:    p.integer("MAX_IMAGE_PIXELS", 4096*4096),
		Background:        getEnv("NORMALIZER_BACKGROUND", "#ffffff"),

		ExtractorURL:     strings.TrimRight(getEnv("PYTHON_CV_URL", "http://localhost:8000"), "/") + "/process-image/",
		ExtractorTimeout: p.duration("EXTRACTOR_TIMEOUT", 10*time.Second),
		FeatureDimension: p.integer("FEATURE_DIMENSION", 128),

		RetryAttempts:       p.integer("RETRY_ATTEMPTS", 3),
		RetryInitialBackoff: p.duration("RETRY_INITIAL_BACKOFF", 100*time.Millisecond),
		RetryMaxBackoff:     p.duration("RETRY_MAX_BACKOFF", 2*time.Second),

		BreakerFailThreshold: p.integer("BREAKER_FAIL_THRESHOLD", 5),
		BreakerOpenTimeout:   p.duration("BREAKER_OPEN_TIMEOUT", 30*time.Second),

		CatalogueBackend:      strings.ToLower(getEnv("CATALOGUE_BACKEND", BackendPostgres)),
		DatabaseURL:           getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=shapes port=5432 sslmode=disable"),
		CatalogueTable:        getEnv("CATALOGUE_TABLE", "shape_record"),
		CatalogueMaxConns:     p.integer("CATALOGUE_MAX_CONNS", 10),
		CatalogueQueryTimeout: p.duration("CATALOGUE_QUERY_TIMEOUT", 5*time.Second),
		QdrantAddr:            getEnv("QDRANT_ADDR", "localhost:6334"),
		QdrantCollection:      getEnv("QDRANT_COLLECTION", "shapes"),

		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RateLimitMax:    p.integer("RATE_LIMIT_MAX", 100),
		RateLimitWindow: p.duration("RATE_LIMIT_WINDOW", 15*time.Minute),

		TrustedProxies: splitList(os.Getenv("TRUSTED_PROXIES")),

		JWTSecret:   strings.TrimSpace(os.Getenv("JWT_SECRET")),
		JWTAudience: strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
	}

	if frontend := strings.TrimSpace(os.Getenv("FRONTEND_URL")); frontend != "" {
		cfg.CORSOrigins = append(cfg.CORSOrigins, frontend)
	}
	cfg.CORSOrigins = append(cfg.CORSOrigins, "http://localhost:5000")

	if err := p.err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.CatalogueBackend != BackendPostgres && c.CatalogueBackend != BackendQdrant {
		errs = append(errs, fmt.Errorf("CATALOGUE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendQdrant, c.CatalogueBackend))
	}
	if !identifierPattern.MatchString(c.CatalogueTable) {
		errs = append(errs, fmt.Errorf("CATALOGUE_TABLE %q is not a plain identifier", c.CatalogueTable))
	}
	if c.CatalogueMaxConns < 1 {
		errs = append(errs, errors.New("CATALOGUE_MAX_CONNS must be at least 1"))
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, errors.New("RETRY_ATTEMPTS must be at least 1"))
	}
	if c.MaxImageBytes < 1 || c.MaxImageDimension < 1 || c.MaxImagePixels < 1 {
		errs = append(errs, errors.New("image limits must be positive"))
	}
	if c.FeatureDimension < 0 {
		errs = append(errs, errors.New("FEATURE_DIMENSION must not be negative"))
	}
	if c.ExtractorTimeout <= 0 || c.CatalogueQueryTimeout <= 0 {
		errs = append(errs, errors.New("EXTRACTOR_TIMEOUT and CATALOGUE_QUERY_TIMEOUT must be positive"))
	}
	for _, proxy := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(proxy); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(proxy); err != nil {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIES entry %q is not an IP or CIDR", proxy))
		}
	}
	return errors.Join(errs...)
}

type parser struct {
	errs []error
}

func (p *parser) integer(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
