package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/rate_limit.lua
var rateLimitScript string

// ErrCacheMiss is returned by GetJSON when the key does not exist.
var ErrCacheMiss = errors.New("cache miss")

type Client struct {
	rdb         *redis.Client
	limitScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing connection.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:         rdb,
		limitScript: redis.NewScript(rateLimitScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// GetJSON decodes the cached value at key into dest.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	raw, err := c.rdb.Get(ctx, cacheKey(key)).Bytes()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %s failed: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("cache decode %s failed: %w", key, err)
	}
	return nil
}

// SetJSON stores value at key for ttl.
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s failed: %w", key, err)
	}
	return c.rdb.Set(ctx, cacheKey(key), raw, ttl).Err()
}

// Delete removes cached keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = cacheKey(k)
	}
	return c.rdb.Del(ctx, full...).Err()
}

// LimitResult is the outcome of one Allow call.
type LimitResult struct {
	Allowed    bool
	Count      int64
	RetryAfter time.Duration
}

// Allow counts one hit against a fixed window for subject and reports
// whether it is within limit.
func (c *Client) Allow(ctx context.Context, subject string, limit int, window time.Duration) (LimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:%d", subject, time.Now().UnixNano()/int64(window))

	result, err := c.limitScript.Run(ctx, c.rdb, []string{key}, limit, window.Milliseconds()).Result()
	if err != nil {
		return LimitResult{}, fmt.Errorf("rate limit script failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return LimitResult{}, fmt.Errorf("unexpected script result type")
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	ttl, _ := values[2].(int64)

	res := LimitResult{Allowed: allowed == 1, Count: count}
	if !res.Allowed {
		res.RetryAfter = time.Duration(ttl) * time.Millisecond
	}
	return res, nil
}

// SetIdempotencyKey stores an idempotency key with TTL. Returns false when
// the key already existed.
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("idempotency:%s", key), "1", ttl).Result()
}

func cacheKey(key string) string {
	return "cache:" + key
}
