// Package spendcache provides a Redis client wrapper for distributed spend
// tracking and rate limiting in the Spendroute gateway. Spend counters are
// windowed per tenant per day/month and updated with atomic increments so
// multiple gateway replicas converge on the same totals.
package spendcache

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with Spendroute-specific operations.
type Cache struct {
	client *redis.Client
}

// New creates a Redis cache client connected to the given address.
// The addr should be in "host:port" format.
func New(ctx context.Context, addr, password string) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("spendcache: failed to connect to Redis at %s: %w", addr, err)
	}

	log.Printf("spendcache: connected to Redis at %s", addr)
	return &Cache{client: client}, nil
}

// Close gracefully shuts down the Redis client connection.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// spendKey constructs the Redis key for a tenant spend window.
// Format: "spend:{tenant}:day:2026-09-01" or "spend:{tenant}:month:2026-09".
func spendKey(tenantID, window string, at time.Time) string {
	switch window {
	case "month":
		return fmt.Sprintf("spend:%s:month:%s", tenantID, at.Format("2006-01"))
	default:
		return fmt.Sprintf("spend:%s:day:%s", tenantID, at.Format("2006-01-02"))
	}
}

// incrWithExpireLua atomically increments a key and sets TTL if the key has
// no expiry, preventing a race between the increment and expiry operations.
var incrWithExpireLua = redis.NewScript(`
	local newval = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
	if redis.call('TTL', KEYS[1]) == -1 then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return newval
`)

// IncrSpend atomically adds amount to the tenant's spend counter for the
// given window ("day" or "month") and returns the new total.
func (c *Cache) IncrSpend(ctx context.Context, tenantID, window string, at time.Time, amount float64) (float64, error) {
	key := spendKey(tenantID, window, at)
	ttl := 2 * 24 * time.Hour
	if window == "month" {
		ttl = 32 * 24 * time.Hour
	}

	result, err := incrWithExpireLua.Run(ctx, c.client, []string{key},
		strconv.FormatFloat(amount, 'f', 10, 64), int(ttl/time.Second)).Result()
	if err != nil {
		return 0, fmt.Errorf("spendcache: incr spend %q: %w", key, err)
	}

	// INCRBYFLOAT returns its value as a Lua string.
	switch v := result.(type) {
	case string:
		newVal, parseErr := strconv.ParseFloat(v, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("spendcache: parse incr result %q: %w", v, parseErr)
		}
		return newVal, nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("spendcache: unexpected result type from Lua script")
	}
}

// GetSpend returns the tenant's accumulated spend for the given window.
// Returns 0 when no spend has been recorded yet.
func (c *Cache) GetSpend(ctx context.Context, tenantID, window string, at time.Time) (float64, error) {
	key := spendKey(tenantID, window, at)
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("spendcache: get spend %q: %w", key, err)
	}

	spend, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("spendcache: parse spend %q=%q: %w", key, val, err)
	}
	return spend, nil
}

// rateLimitLua atomically increments the counter and sets TTL only on the
// first request in the window, so subsequent requests never extend it.
var rateLimitLua = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('EXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

// RateLimitCheck performs a fixed-window rate limit check for a given key.
// It returns true if the request is allowed (under limit).
func (c *Cache) RateLimitCheck(ctx context.Context, key string, maxRequests int64, window time.Duration) (bool, error) {
	rateLimitKey := fmt.Sprintf("ratelimit:%s", key)
	windowSeconds := int(window / time.Second)

	result, err := rateLimitLua.Run(ctx, c.client, []string{rateLimitKey}, windowSeconds).Int64()
	if err != nil {
		return false, fmt.Errorf("spendcache: rate limit check: %w", err)
	}
	return result <= maxRequests, nil
}
