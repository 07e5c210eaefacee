// Package core: Redis client wrapper with key namespacing.
//
// All pipeline keys share the "pipeline" prefix; each component adds
// its own sub-namespace (flags, extraction, recommendation, jobs,
// progress). Locks use the separate "lock:" prefix. No single key is
// multiply owned.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisClient wraps go-redis with key namespacing and connection
// lifecycle management. Components that need raw access (pub/sub,
// streams, scripts) use Underlying().
type RedisClient struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client.
type RedisClientOptions struct {
	RedisURL  string
	Namespace string // key namespace; default "pipeline"
	Logger    Logger // optional
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}
	if opts.Namespace == "" {
		opts.Namespace = "pipeline"
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	rc := &RedisClient{
		client:    client,
		namespace: opts.Namespace,
		logger:    ComponentLogger(opts.Logger, "core/redis"),
	}

	if rc.logger != nil {
		rc.logger.Info("Redis client connected", map[string]interface{}{
			"namespace": opts.Namespace,
		})
	}

	return rc, nil
}

// NewRedisClientFromExisting wraps an already connected client. Used by
// tests with miniredis and by callers sharing a connection pool.
func NewRedisClientFromExisting(client *redis.Client, namespace string, logger Logger) *RedisClient {
	if namespace == "" {
		namespace = "pipeline"
	}
	return &RedisClient{
		client:    client,
		namespace: namespace,
		logger:    ComponentLogger(logger, "core/redis"),
	}
}

// Close closes the Redis connection.
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// Underlying returns the raw go-redis client for pub/sub, streams and
// script operations. Callers are responsible for their own namespacing.
func (r *RedisClient) Underlying() *redis.Client {
	return r.client
}

// Namespace returns the configured key namespace.
func (r *RedisClient) Namespace() string {
	return r.namespace
}

// Key formats a key with the namespace prefix.
func (r *RedisClient) Key(parts ...string) string {
	key := r.namespace
	for _, p := range parts {
		key += ":" + p
	}
	return key
}

// Get retrieves a value. Returns ErrNotFound when the key is absent.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// Set stores a value with optional TTL (0 means no expiry).
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// SetNX stores a value only if the key does not exist.
func (r *RedisClient) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key, value, ttl).Result()
}

// Del deletes keys.
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// TTL returns the remaining TTL of a key.
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, key).Result()
}

// Incr increments a counter.
func (r *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

// Expire sets a TTL on a key.
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// ScanDel deletes every key matching the pattern. Used for namespace
// invalidation (e.g. PHI cache rotation); scans in batches to avoid
// blocking Redis.
func (r *RedisClient) ScanDel(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("del batch: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// HealthCheck verifies Redis connectivity.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
