// Package ratelimit throttles admission per client id at the UDP/HTTP
// wire, grounded on the teacher's Redis Lua token-bucket limiter: one
// atomic HMGET/refill/HMSET script per check so concurrent requests
// against the same key never race the bucket. A FallbackBackend wraps
// the Redis backend with an in-memory token bucket so a Redis outage
// degrades admission control instead of failing every request open or
// closed.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Backend performs one token-bucket check against a single key. Both
// the Redis-backed and in-memory implementations share it so Limiter
// can fail over between them without its callers noticing.
type Backend interface {
	CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (allowed bool, remaining int, err error)
}

// tokenBucketScript performs an atomic refill-then-consume check.
// KEYS[1] = bucket key
// ARGV[1] = max_tokens (burst size)
// ARGV[2] = refill_rate (tokens per second)
// ARGV[3] = now (current timestamp in seconds)
// ARGV[4] = requested (tokens to consume)
// Returns: {allowed (0/1), remaining_tokens}
var tokenBucketScript = redis.NewScript(`
local bucket = redis.call('HMGET', KEYS[1], 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or tonumber(ARGV[1])
local last = tonumber(bucket[2]) or tonumber(ARGV[3])

local elapsed = tonumber(ARGV[3]) - last
tokens = math.min(tonumber(ARGV[1]), tokens + elapsed * tonumber(ARGV[2]))

local allowed = 0
if tokens >= tonumber(ARGV[4]) then
    tokens = tokens - tonumber(ARGV[4])
    allowed = 1
end

redis.call('HMSET', KEYS[1], 'tokens', tokens, 'last_refill', ARGV[3])
redis.call('EXPIRE', KEYS[1], math.ceil(tonumber(ARGV[1]) / tonumber(ARGV[2])) + 10)

return {allowed, math.floor(tokens)}
`)

// redisBackend runs tokenBucketScript against a shared Redis instance,
// giving every ttproxy/ttserv process the same view of a key's bucket.
type redisBackend struct {
	client *redis.Client
}

func (b *redisBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	now := float64(time.Now().Unix())
	result, err := tokenBucketScript.Run(ctx, b.client, []string{key}, maxTokens, refillRate, now, requested).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}
	if len(result) != 2 {
		return false, 0, fmt.Errorf("unexpected result length: %d", len(result))
	}
	allowed, _ := result[0].(int64)
	remaining, _ := result[1].(int64)
	return allowed == 1, int(remaining), nil
}

// TierConfig holds rate limit configuration for a tier.
type TierConfig struct {
	RequestsPerSecond float64
	BurstSize         int
}

// Limiter checks admission for a key against its tier's token bucket.
type Limiter struct {
	backend  Backend
	tiers    map[string]TierConfig
	default_ TierConfig
}

// New builds a Limiter backed by Redis, automatically degrading to an
// in-memory bucket (see FallbackBackend) if Redis becomes unreachable.
func New(client *redis.Client, tiers map[string]TierConfig, defaultTier TierConfig) *Limiter {
	if tiers == nil {
		tiers = make(map[string]TierConfig)
	}
	return &Limiter{
		backend:  NewFallbackBackend(&redisBackend{client: client}),
		tiers:    tiers,
		default_: defaultTier,
	}
}

// Result contains the result of a rate limit check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Allow checks if a single request is admitted for key under tier.
func (l *Limiter) Allow(ctx context.Context, key, tier string) (Result, error) {
	return l.AllowN(ctx, key, tier, 1)
}

// AllowN checks if n requests are admitted for key under tier.
func (l *Limiter) AllowN(ctx context.Context, key, tier string, n int) (Result, error) {
	cfg := l.getTierConfig(tier)

	allowed, remaining, err := l.backend.CheckRateLimit(ctx, key, cfg.BurstSize, cfg.RequestsPerSecond, n)
	if err != nil {
		return Result{}, err
	}

	tokensNeeded := float64(cfg.BurstSize) - float64(remaining)
	refillSeconds := tokensNeeded / cfg.RequestsPerSecond
	resetAt := time.Now().Add(time.Duration(refillSeconds) * time.Second)

	return Result{Allowed: allowed, Remaining: remaining, ResetAt: resetAt}, nil
}

func (l *Limiter) getTierConfig(tier string) TierConfig {
	if cfg, ok := l.tiers[tier]; ok {
		return cfg
	}
	return l.default_
}

// KeyForClient returns the rate limit key for a registered TT client id.
func KeyForClient(cliID string) string {
	return "tt:rl:client:" + cliID
}

// KeyForIP returns the rate limit key for an unregistered caller,
// addressed only by source IP (used for register_client_id itself,
// which has no cli_id yet).
func KeyForIP(ip string) string {
	return "tt:rl:ip:" + ip
}
