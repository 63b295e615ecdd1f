// Package redis provides a thin wrapper around go-redis/v9 with connection
// pooling, cache get/set/delete operations, generation-guarded cache fills,
// and the owner-checked primitives the distributed lock is built on.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Accommodation-Search-Sync/pkg/config"
	"github.com/redis/go-redis/v9"
)

// compareAndDelete deletes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// compareAndExpire resets the TTL of KEYS[1] to ARGV[2] milliseconds only
// while it still holds ARGV[1].
var compareAndExpire = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// deleteAndBump deletes KEYS[1] and increments the generation counter
// KEYS[2], whose TTL is reset to ARGV[1] milliseconds.
var deleteAndBump = redis.NewScript(`
redis.call("DEL", KEYS[1])
local gen = redis.call("INCR", KEYS[2])
redis.call("PEXPIRE", KEYS[2], ARGV[1])
return gen
`)

// setIfGeneration stores ARGV[2] under KEYS[1] for ARGV[3] milliseconds only
// while the counter KEYS[2] still reads ARGV[1]. A missing counter reads "0".
var setIfGeneration = redis.NewScript(`
local gen = redis.call("GET", KEYS[2]) or "0"
if gen ~= ARGV[1] then
	return 0
end
redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
return 1
`)

// Client wraps a go-redis client.
type Client struct {
	rdb *redis.Client
}

// NewClient creates a Redis client and verifies the connection with a PING.
func NewClient(cfg config.RedisConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Get returns the string value for the given key.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, key).Result()
}

// Set stores a value with the given TTL.
func (c *Client) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Del deletes one or more keys.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// SetNX stores value under key with the given TTL only if the key does not
// exist. It reports whether the value was stored.
func (c *Client) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

// CompareAndDelete atomically deletes key if its value equals expected.
func (c *Client) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.rdb, []string{key}, expected).Int64()
	if err != nil {
		return false, fmt.Errorf("compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// CompareAndExpire atomically resets the TTL of key if its value equals
// expected.
func (c *Client) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, c.rdb, []string{key}, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("compare-and-expire %s: %w", key, err)
	}
	return n == 1, nil
}

// Generation reads the counter at genKey. A missing counter is "0".
func (c *Client) Generation(ctx context.Context, genKey string) (string, error) {
	gen, err := c.rdb.Get(ctx, genKey).Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return gen, err
}

// DeleteAndBump atomically deletes key and advances the generation at
// genKey, so fills that read an older generation are refused.
func (c *Client) DeleteAndBump(ctx context.Context, key, genKey string, genTTL time.Duration) error {
	if err := deleteAndBump.Run(ctx, c.rdb, []string{key, genKey}, genTTL.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("delete-and-bump %s: %w", key, err)
	}
	return nil
}

// SetIfGeneration stores value under key only while genKey still holds gen.
// It reports whether the value was stored.
func (c *Client) SetIfGeneration(ctx context.Context, key, genKey, gen string, value any, ttl time.Duration) (bool, error) {
	n, err := setIfGeneration.Run(ctx, c.rdb, []string{key, genKey}, gen, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("set-if-generation %s: %w", key, err)
	}
	return n == 1, nil
}

// IsNilError reports whether err is a Redis nil (key-not-found) error.
func IsNilError(err error) bool {
	return errors.Is(err, redis.Nil)
}

// Close closes the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping sends a PING to Redis and returns any error.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
