package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"horse.fit/clearoid/internal/cli"
	"horse.fit/clearoid/internal/config"
	"horse.fit/clearoid/internal/db"
	"horse.fit/clearoid/internal/dedup"
	"horse.fit/clearoid/internal/embedding"
	"horse.fit/clearoid/internal/jobs"
	"horse.fit/clearoid/internal/lockset"
	"horse.fit/clearoid/internal/logging"
	"horse.fit/clearoid/internal/memstore"
	"horse.fit/clearoid/internal/metrics"
	"horse.fit/clearoid/internal/normalize"
	"horse.fit/clearoid/internal/storage"
)

const (
	embeddingCacheSize  = 4096
	memoryQueueCapacity = 64
)

// services holds everything a command needs once config is loaded. Fields
// that depend on the configured drivers stay nil when the driver is off.
type services struct {
	cfg     *config.Config
	logger  zerolog.Logger
	engine  *dedup.Engine
	pool    *db.Pool
	redis   *redis.Client
	metrics *metrics.Metrics

	closers []func()
}

type servicesOptions struct {
	// Metrics registers the prometheus collectors; only long-running
	// commands expose them.
	Metrics bool
}

func loadConfig(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// openServices loads config and wires store, embedder, locker and engine.
// Callers must call close.
func openServices(ctx context.Context, envLoader *cli.EnvLoader, opts servicesOptions) (*services, error) {
	cfg, logger, err := loadConfig(envLoader)
	if err != nil {
		return nil, err
	}

	rt := &services{cfg: cfg, logger: logger}
	if opts.Metrics && cfg.MetricsEnabled {
		rt.metrics = metrics.New(true)
	}

	store, err := rt.buildStore(ctx)
	if err != nil {
		rt.close()
		return nil, err
	}

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			rt.close()
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			rt.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		rt.redis = client
	}

	embedder, err := rt.buildEmbedder()
	if err != nil {
		rt.close()
		return nil, err
	}

	var observer dedup.Observer = dedup.NopObserver{}
	if rt.metrics != nil {
		observer = rt.metrics
	}

	rt.engine = dedup.NewEngine(
		store,
		embedder,
		normalize.New(normalize.Options{IgnoreNumbers: cfg.IgnoreNumbers}),
		rt.buildLocker(),
		logging.Component(logger, "dedup"),
		dedup.Options{
			DuplicateThreshold: cfg.DuplicateThreshold,
			SimilarThreshold:   cfg.SimilarThreshold,
			EmbedConcurrency:   cfg.EmbeddingConcurrency,
			EmbedBatchSize:     cfg.EmbeddingBatchSize,
			SnapshotTTL:        dedup.DefaultSnapshotTTL,
			StaleRunAfter:      cfg.BatchStaleAfter,
			Observer:           observer,
		},
	)
	return rt, nil
}

func (rt *services) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

func (rt *services) buildStore(ctx context.Context) (dedup.Store, error) {
	switch rt.cfg.StoreDriver {
	case config.StoreDriverMemory:
		rt.logger.Warn().Msg("using in-memory store; titles are lost on exit")
		return memstore.New(), nil
	default:
		dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		pool, err := db.NewPool(dbCtx, rt.cfg, logging.Component(rt.logger, "db"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		rt.pool = pool
		rt.closers = append(rt.closers, func() { _ = pool.Close() })
		return pool, nil
	}
}

// buildEmbedder chains: primary (observed) -> optional hash fallback -> cache.
func (rt *services) buildEmbedder() (embedding.Embedder, error) {
	cfg := rt.cfg

	var primary embedding.Embedder
	switch cfg.EmbeddingProvider {
	case config.EmbeddingProviderHash:
		primary = embedding.NewHash(cfg.EmbeddingDimensions)
	default:
		primary = embedding.NewHTTP(embedding.HTTPOptions{
			Endpoint:          cfg.EmbeddingEndpoint,
			ModelName:         cfg.EmbeddingModel,
			APIKey:            cfg.EmbeddingAPIKey,
			Dimensions:        cfg.EmbeddingDimensions,
			MaxLength:         cfg.EmbeddingMaxLength,
			RequestTimeout:    cfg.EmbeddingTimeout,
			RequestsPerSecond: cfg.EmbeddingRateLimit,
		})
	}
	if rt.metrics != nil {
		primary = embedding.WithObserver(primary, rt.metrics.ObserveEmbedding)
	}

	chained := primary
	if cfg.EmbeddingFallback == config.EmbeddingProviderHash && cfg.EmbeddingProvider != config.EmbeddingProviderHash {
		fallback, err := embedding.NewFallback(primary, embedding.NewHash(cfg.EmbeddingDimensions), logging.Component(rt.logger, "embedding"))
		if err != nil {
			return nil, fmt.Errorf("configure embedding fallback: %w", err)
		}
		chained = fallback
	}

	rt.logger.Debug().
		Str("provider", cfg.EmbeddingProvider).
		Str("fallback", cfg.EmbeddingFallback).
		Int("dimensions", cfg.EmbeddingDimensions).
		Msg("embedder configured")
	return embedding.NewCached(chained, embeddingCacheSize), nil
}

func (rt *services) buildLocker() dedup.Locker {
	if rt.redis == nil {
		return dedup.NewLocalLocker()
	}
	return lockset.NewRedisLocker(rt.redis, rt.cfg.RedisLockTTL, logging.Component(rt.logger, "lockset"))
}

func (rt *services) buildQueue() jobs.Queue {
	if rt.redis == nil {
		return jobs.NewMemoryQueue(memoryQueueCapacity)
	}
	return jobs.NewRedisQueue(rt.redis, rt.cfg.RedisQueueKey)
}

func (rt *services) buildArchive(ctx context.Context) (storage.Archive, error) {
	cfg := rt.cfg
	switch cfg.ArchiveDriver {
	case config.ArchiveDriverNone:
		return storage.NopArchive{}, nil
	case config.ArchiveDriverMinio:
		archive, err := storage.NewMinioArchive(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to minio: %w", err)
		}
		return archive, nil
	default:
		archive, err := storage.NewLocalArchive(cfg.ArchiveDir)
		if err != nil {
			return nil, fmt.Errorf("prepare archive dir: %w", err)
		}
		return archive, nil
	}
}
