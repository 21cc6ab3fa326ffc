package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	EmbeddingProviderHTTP = "http"
	EmbeddingProviderHash = "hash"
	EmbeddingFallbackNone = "none"

	ArchiveDriverLocal = "local"
	ArchiveDriverMinio = "minio"
	ArchiveDriverNone  = "none"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBMinConns  int32  `envconfig:"CLEAROID_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"CLEAROID_DB_MAX_CONNS" default:"10"`

	DuplicateThreshold float64 `envconfig:"DUPLICATE_THRESHOLD" default:"0.85"`
	SimilarThreshold   float64 `envconfig:"SIMILAR_THRESHOLD" default:"0.75"`
	IgnoreNumbers      bool    `envconfig:"IGNORE_NUMBERS" default:"true"`

	EmbeddingProvider    string        `envconfig:"EMBEDDING_PROVIDER" default:"http"`
	EmbeddingEndpoint    string        `envconfig:"EMBEDDING_ENDPOINT" default:"http://127.0.0.1:8844/embed"`
	EmbeddingModel       string        `envconfig:"EMBEDDING_MODEL" default:"all-MiniLM-L6-v2"`
	EmbeddingAPIKey      string        `envconfig:"EMBEDDING_API_KEY" default:""`
	EmbeddingDimensions  int           `envconfig:"EMBEDDING_DIMENSIONS" default:"384"`
	EmbeddingTimeout     time.Duration `envconfig:"EMBEDDING_TIMEOUT" default:"20s"`
	EmbeddingMaxLength   int           `envconfig:"EMBEDDING_MAX_LENGTH" default:"256"`
	EmbeddingRateLimit   float64       `envconfig:"EMBEDDING_RATE_LIMIT" default:"0"`
	EmbeddingFallback    string        `envconfig:"EMBEDDING_FALLBACK" default:"none"`
	EmbeddingConcurrency int           `envconfig:"EMBEDDING_CONCURRENCY" default:"4"`
	EmbeddingBatchSize   int           `envconfig:"EMBEDDING_BATCH_SIZE" default:"32"`

	BatchStaleAfter time.Duration `envconfig:"BATCH_STALE_AFTER" default:"1h"`

	UploadMaxBytes int64  `envconfig:"UPLOAD_MAX_BYTES" default:"10485760"`
	ArchiveDriver  string `envconfig:"ARCHIVE_DRIVER" default:"local"`
	ArchiveDir     string `envconfig:"ARCHIVE_DIR" default:"temp/uploads"`
	MinioEndpoint  string `envconfig:"MINIO_ENDPOINT" default:""`
	MinioAccessKey string `envconfig:"MINIO_ACCESS_KEY" default:""`
	MinioSecretKey string `envconfig:"MINIO_SECRET_KEY" default:""`
	MinioBucket    string `envconfig:"MINIO_BUCKET" default:"clearoid-batches"`
	MinioUseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`

	RedisURL      string        `envconfig:"REDIS_URL" default:""`
	RedisQueueKey string        `envconfig:"REDIS_QUEUE_KEY" default:"clearoid:batches"`
	RedisLockTTL  time.Duration `envconfig:"REDIS_LOCK_TTL" default:"30s"`

	HTTPAddr       string `envconfig:"HTTP_ADDR" default:":8080"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`

	AuthRequired         bool   `envconfig:"AUTH_REQUIRED" default:"true"`
	DefaultAdminUser     string `envconfig:"DEFAULT_ADMIN_USER" default:"admin"`
	DefaultAdminPassword string `envconfig:"DEFAULT_ADMIN_PASSWORD" default:""`
	SessionTTLHours      int    `envconfig:"SESSION_TTL_HOURS" default:"720"`
	SessionCookieName    string `envconfig:"SESSION_COOKIE_NAME" default:"clearoid_session"`
	SessionCookieSecure  bool   `envconfig:"SESSION_COOKIE_SECURE" default:"false"`
	CORSAllowedOrigins   string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	c.EmbeddingProvider = strings.ToLower(strings.TrimSpace(c.EmbeddingProvider))
	c.EmbeddingFallback = strings.ToLower(strings.TrimSpace(c.EmbeddingFallback))
	c.ArchiveDriver = strings.ToLower(strings.TrimSpace(c.ArchiveDriver))
	c.EmbeddingEndpoint = strings.TrimSpace(c.EmbeddingEndpoint)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q", StoreDriverPostgres, StoreDriverMemory)
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("CLEAROID_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("CLEAROID_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("CLEAROID_DB_MIN_CONNS (%d) cannot exceed CLEAROID_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if c.DuplicateThreshold <= 0 || c.DuplicateThreshold > 1 {
		return fmt.Errorf("DUPLICATE_THRESHOLD must be in (0, 1]")
	}
	if c.SimilarThreshold <= 0 || c.SimilarThreshold > 1 {
		return fmt.Errorf("SIMILAR_THRESHOLD must be in (0, 1]")
	}

	switch c.EmbeddingProvider {
	case EmbeddingProviderHTTP:
		if c.EmbeddingEndpoint == "" {
			return fmt.Errorf("EMBEDDING_ENDPOINT is required when EMBEDDING_PROVIDER=http")
		}
	case EmbeddingProviderHash:
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be %q or %q", EmbeddingProviderHTTP, EmbeddingProviderHash)
	}
	switch c.EmbeddingFallback {
	case EmbeddingProviderHash, EmbeddingFallbackNone, "":
	default:
		return fmt.Errorf("EMBEDDING_FALLBACK must be %q or %q", EmbeddingProviderHash, EmbeddingFallbackNone)
	}
	if c.EmbeddingDimensions < 1 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be >= 1")
	}
	if c.EmbeddingTimeout <= 0 {
		return fmt.Errorf("EMBEDDING_TIMEOUT must be > 0")
	}
	if c.EmbeddingMaxLength < 1 {
		return fmt.Errorf("EMBEDDING_MAX_LENGTH must be >= 1")
	}
	if c.EmbeddingRateLimit < 0 {
		return fmt.Errorf("EMBEDDING_RATE_LIMIT must be >= 0")
	}
	if c.EmbeddingConcurrency < 1 {
		return fmt.Errorf("EMBEDDING_CONCURRENCY must be >= 1")
	}
	if c.EmbeddingBatchSize < 1 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be >= 1")
	}

	if c.BatchStaleAfter < time.Minute {
		return fmt.Errorf("BATCH_STALE_AFTER must be >= 1m")
	}

	if c.UploadMaxBytes < 1 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be >= 1")
	}
	switch c.ArchiveDriver {
	case ArchiveDriverLocal:
		if strings.TrimSpace(c.ArchiveDir) == "" {
			return fmt.Errorf("ARCHIVE_DIR is required when ARCHIVE_DRIVER=local")
		}
	case ArchiveDriverMinio:
		if strings.TrimSpace(c.MinioEndpoint) == "" || strings.TrimSpace(c.MinioBucket) == "" {
			return fmt.Errorf("MINIO_ENDPOINT and MINIO_BUCKET are required when ARCHIVE_DRIVER=minio")
		}
	case ArchiveDriverNone:
	default:
		return fmt.Errorf("ARCHIVE_DRIVER must be one of local, minio, none")
	}

	if c.RedisURL != "" && c.RedisLockTTL < time.Second {
		return fmt.Errorf("REDIS_LOCK_TTL must be >= 1s")
	}
	if c.RedisURL != "" && strings.TrimSpace(c.RedisQueueKey) == "" {
		return fmt.Errorf("REDIS_QUEUE_KEY is required when REDIS_URL is set")
	}

	if strings.TrimSpace(c.DefaultAdminUser) == "" {
		return fmt.Errorf("DEFAULT_ADMIN_USER is required")
	}
	if c.SessionTTLHours < 1 {
		return fmt.Errorf("SESSION_TTL_HOURS must be >= 1")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("SESSION_COOKIE_NAME is required")
	}
	return nil
}

// SessionTTL converts SESSION_TTL_HOURS to a duration.
func (c *Config) SessionTTL() time.Duration {
	if c == nil || c.SessionTTLHours < 1 {
		return 0
	}
	return time.Duration(c.SessionTTLHours) * time.Hour
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
