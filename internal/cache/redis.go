package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 200

// Redis is a Cache shared between processes. Keys are namespaced under
// prefix and expiry is enforced by Redis itself. Redis errors are logged and
// reported as misses.
type Redis struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewRedis connects to the Redis server at url (redis://host:port/db) and
// verifies the connection with PING.
func NewRedis(ctx context.Context, url, prefix string, defaultTTL time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return NewRedisWithClient(client, prefix, defaultTTL), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, defaultTTL time.Duration) *Redis {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Redis{
		client:     client,
		prefix:     prefix,
		defaultTTL: defaultTTL,
		logger:     slog.Default(),
	}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	val, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.logger.Warn("cache: redis get failed", "key", key, "error", err)
		return nil, false
	}
	return val, true
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		r.logger.Warn("cache: redis set failed", "key", key, "error", err)
	}
}

func (r *Redis) Invalidate(ctx context.Context, pattern string) int {
	match := matcher(pattern)
	return r.deleteWhere(ctx, func(key string) bool { return match(key) })
}

func (r *Redis) Clear(ctx context.Context) {
	r.deleteWhere(ctx, func(string) bool { return true })
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// deleteWhere scans the namespace and deletes every key (prefix stripped) that accept reports true for.
func (r *Redis) deleteWhere(ctx context.Context, accept func(string) bool) int {
	var batch []string
	removed := 0

	flush := func() {
		if len(batch) == 0 {
			return
		}
		n, err := r.client.Del(ctx, batch...).Result()
		if err != nil {
			r.logger.Warn("cache: redis delete failed", "keys", len(batch), "error", err)
		}
		removed += int(n)
		batch = batch[:0]
	}

	iter := r.client.Scan(ctx, 0, r.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		if accept(strings.TrimPrefix(full, r.prefix)) {
			batch = append(batch, full)
		}
		if len(batch) >= scanBatch {
			flush()
		}
	}
	if err := iter.Err(); err != nil {
		r.logger.Warn("cache: redis scan failed", "error", err)
	}
	flush()
	return removed
}
