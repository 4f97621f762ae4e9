package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript is the Lua token-bucket algorithm, evaluated
// server-side so refill and take are one atomic step.
//
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp, seconds with fractional precision
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// Redis is a Limiter backed by a shared Redis instance, so the bucket is
// correct across process boundaries -- the production case the
// in-process Limiter cannot cover.
type Redis struct {
	client    *redis.Client
	keyPrefix string
	policies  map[string]Policy
	fallback  Policy
	blocking  bool
	pollEvery time.Duration
}

// RedisConfig configures a Redis-backed Limiter.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Policies  map[string]Policy
	Fallback  Policy
	Blocking  bool
	PollEvery time.Duration // retry interval when Blocking and bucket is empty
}

// NewRedis constructs a Redis-backed Limiter.
func NewRedis(cfg RedisConfig) *Redis {
	poll := cfg.PollEvery
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		policies:  cfg.Policies,
		fallback:  cfg.Fallback,
		blocking:  cfg.Blocking,
		pollEvery: poll,
	}
}

func (l *Redis) policyFor(category string) Policy {
	if p, ok := l.policies[category]; ok {
		return p
	}
	return l.fallback
}

// Acquire consumes tokens from category's bucket, polling if blocking
// and the bucket is momentarily exhausted.
func (l *Redis) Acquire(ctx context.Context, category string, tokens int) error {
	p := l.policyFor(category)
	key := l.keyPrefix + category

	for {
		allowed, err := l.tryAcquire(ctx, key, p, tokens)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		if !l.blocking {
			return &ErrWouldBlock{Category: category}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("ratelimiter: acquire %s: %w", category, ctx.Err())
		case <-time.After(l.pollEvery):
		}
	}
}

func (l *Redis) tryAcquire(ctx context.Context, key string, p Policy, tokens int) (bool, error) {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := redisTokenBucketScript.Run(ctx, l.client, []string{key}, p.RatePerSecond, p.Burst, tokens, now).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimiter: redis script: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("ratelimiter: unexpected lua response %#v", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

func (l *Redis) Close() error {
	return l.client.Close()
}

var _ Limiter = (*Redis)(nil)
