package identity

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the byte store behind CachedResolver.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ErrCacheMiss is returned by a Cache for an absent key.
var ErrCacheMiss = errors.New("identity: cache miss")

// RedisCache adapts a go-redis client to Cache.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps client.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	return b, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.SetEx(ctx, key, value, ttl).Err()
}

// NewRedisClient parses a redis:// URL and pings the server with a short
// timeout. It returns nil when the URL is empty or the server does not
// answer, and callers run without the cache.
func NewRedisClient(ctx context.Context, url string, logger *slog.Logger) *redis.Client {
	if url == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		logger.Warn("invalid REDIS_URL, identity cache disabled", "error", err)
		return nil
	}
	client := redis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		logger.Warn("redis unreachable, identity cache disabled", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// CachedResolver caches resolved identities. Cache failures never fail a
// resolution; the inner resolver is used instead.
type CachedResolver struct {
	inner  Resolver
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedResolver wraps inner with cache.
func NewCachedResolver(inner Resolver, cache Cache, ttl time.Duration, logger *slog.Logger) *CachedResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedResolver{inner: inner, cache: cache, ttl: ttl, logger: logger}
}

var _ Resolver = (*CachedResolver)(nil)

func (c *CachedResolver) Resolve(ctx context.Context, account string) (*Identity, error) {
	acct, err := Normalize(account)
	if err != nil {
		return nil, err
	}
	key := "identity:" + acct

	b, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		var id Identity
		if jerr := json.Unmarshal(b, &id); jerr == nil {
			return &id, nil
		}
	case !errors.Is(err, ErrCacheMiss):
		c.logger.Debug("identity cache read failed", "error", err)
	}

	id, err := c.inner.Resolve(ctx, acct)
	if err != nil {
		return nil, err
	}
	// Degraded results are not worth remembering.
	if !id.Degraded {
		if b, err := json.Marshal(id); err == nil {
			if err := c.cache.Set(ctx, key, b, c.ttl); err != nil {
				c.logger.Debug("identity cache write failed", "error", err)
			}
		}
	}
	return id, nil
}
