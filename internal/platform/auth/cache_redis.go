package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const redisKeyPrefix = "own:"

// RedisCache is an ownership cache shared across server replicas. Redis
// failures are logged and treated as misses so an unavailable cache never
// blocks authorization.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisCacheFromURL connects to Redis using a redis:// URL and verifies
// the connection with a ping.
func NewRedisCacheFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: log.With().Str("component", "ownership_cache").Logger(),
	}, nil
}

func redisKey(ctx context.Context, kind string, id uuid.UUID) string {
	return redisKeyPrefix + scopedKind(ctx, kind) + ":" + id.String()
}

// Get returns the cached owner for (kind, id).
func (c *RedisCache) Get(ctx context.Context, kind string, id uuid.UUID) (uuid.UUID, bool) {
	val, err := c.client.Get(ctx, redisKey(ctx, kind, id)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn().Err(err).Str("kind", kind).Msg("cache get failed")
		}
		return uuid.Nil, false
	}
	owner, err := uuid.Parse(val)
	if err != nil {
		c.logger.Warn().Str("kind", kind).Msg("cache entry corrupt, dropping")
		c.client.Del(ctx, redisKey(ctx, kind, id))
		return uuid.Nil, false
	}
	return owner, true
}

// Put records the owner for (kind, id) with the configured TTL.
func (c *RedisCache) Put(ctx context.Context, kind string, id uuid.UUID, ownerID uuid.UUID) {
	if err := c.client.Set(ctx, redisKey(ctx, kind, id), ownerID.String(), c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("kind", kind).Msg("cache put failed")
	}
}

// Invalidate drops the entry for (kind, id).
func (c *RedisCache) Invalidate(ctx context.Context, kind string, id uuid.UUID) {
	if err := c.client.Del(ctx, redisKey(ctx, kind, id)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("kind", kind).Msg("cache invalidate failed")
	}
}

// InvalidateKind drops every entry of the kind within the request's practice
// by scanning the key prefix.
func (c *RedisCache) InvalidateKind(ctx context.Context, kind string) {
	pattern := redisKeyPrefix + scopedKind(ctx, kind) + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn().Err(err).Str("kind", kind).Msg("cache invalidate failed")
			return
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warn().Err(err).Str("kind", kind).Msg("cache scan failed")
	}
}

// Close releases the underlying Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
