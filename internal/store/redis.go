package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces keys written by Redis.
const DefaultRedisPrefix = "consult:active:"

// Redis stores records as plain string keys. Expiry, when configured,
// replaces pruning.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// RedisOpts holds parameters for creating a Redis store. Either Client or
// URL is required.
type RedisOpts struct {
	Client redis.UniversalClient
	URL    string
	Prefix string
	TTL    time.Duration
}

// NewRedis creates a Redis store. A URL that does not parse as redis:// is
// used as a bare host:port address.
func NewRedis(opts RedisOpts) (*Redis, error) {
	client := opts.Client
	if client == nil {
		if opts.URL == "" {
			return nil, fmt.Errorf("store: redis: url is required")
		}
		opt, err := redis.ParseURL(opts.URL)
		if err != nil {
			opt = &redis.Options{Addr: opts.URL}
		}
		client = redis.NewClient(opt)
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix, ttl: opts.TTL}, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store: redis: ping: %w", err)
	}
	return nil
}

// Key returns the namespaced redis key for key.
func (r *Redis) Key(key string) string { return r.prefix + key }

// Get implements KV.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: redis: get %q: %w", key, err)
	}
	return v, nil
}

// Set implements KV. It returns once the server acknowledged the write.
func (r *Redis) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, r.Key(key), value, r.ttl).Err(); err != nil {
		return fmt.Errorf("store: redis: set %q: %w", key, err)
	}
	return nil
}

// Delete implements KV.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.Key(key)).Err(); err != nil {
		return fmt.Errorf("store: redis: delete %q: %w", key, err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
