package bootstrap

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/phi-deid-engine/internal/bundle"
	appconfig "github.com/wolfman30/phi-deid-engine/internal/config"
	"github.com/wolfman30/phi-deid-engine/internal/idempotency"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		return nil
	}
	return client
}

// BuildIdempotencyStore caches transform results in Redis when a client is
// available and in process memory otherwise.
func BuildIdempotencyStore(client *redis.Client, ttl time.Duration, logger *logging.Logger) idempotency.Store {
	if client == nil {
		if logger != nil {
			logger.Warn("redis disabled; transform results cached in memory only")
		}
		return idempotency.NewMemoryStore()
	}
	return idempotency.NewRedisStore(client, ttl)
}

// BuildConfigSource serves the bundles in CONFIG_BUNDLE_PATH, or the
// built-in bundle when no path is set.
func BuildConfigSource(cfg *appconfig.Config, logger *logging.Logger) (bundle.Source, error) {
	path := ""
	if cfg != nil {
		path = strings.TrimSpace(cfg.ConfigBundlePath)
	}
	if path == "" {
		return bundle.NewStaticSource(bundle.Default()), nil
	}
	src, err := bundle.NewFileSource(path, logger)
	if err != nil {
		return nil, err
	}
	return src, nil
}
