package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// incrementScript bumps KEYS[1] only while it is below ARGV[1] and pins
// its expiry to ARGV[2] (unix seconds). Returns {count, allowed}.
var incrementScript = redis.NewScript(`
local n = tonumber(redis.call('GET', KEYS[1]) or '0')
if n >= tonumber(ARGV[1]) then
  return {n, 0}
end
n = redis.call('INCR', KEYS[1])
redis.call('EXPIREAT', KEYS[1], ARGV[2])
return {n, 1}
`)

// RedisCounter keeps usage counts in Redis so several API instances share
// one limit. Counters expire a day after their period ends.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter wraps client. Keys are namespaced under prefix.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "swimcoach:usage"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: redis ping %s: %w", addr, err)
	}
	return client, nil
}

func (c *RedisCounter) key(k model.UsageKey) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", c.prefix, k.Resource, k.Kind, k.Identifier, model.DayStart(k.Period).Format("2006-01-02"))
}

// IncrementUsage atomically bumps the counter when it is below limit.
func (c *RedisCounter) IncrementUsage(ctx context.Context, key model.UsageKey, limit int) (int, bool, error) {
	if limit <= 0 {
		n, err := c.GetUsage(ctx, key)
		return n, false, err
	}
	expireAt := key.PeriodEnd().Add(24 * time.Hour).Unix()
	res, err := incrementScript.Run(ctx, c.client, []string{c.key(key)}, limit, expireAt).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("ratelimit: redis increment: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("ratelimit: redis increment: unexpected reply %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}

// GetUsage returns the counter for key, 0 when unset.
func (c *RedisCounter) GetUsage(ctx context.Context, key model.UsageKey) (int, error) {
	n, err := c.client.Get(ctx, c.key(key)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: redis get: %w", err)
	}
	return n, nil
}

// ResetUsage deletes the counter for key.
func (c *RedisCounter) ResetUsage(ctx context.Context, key model.UsageKey) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis reset: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *RedisCounter) Close() error {
	return c.client.Close()
}
