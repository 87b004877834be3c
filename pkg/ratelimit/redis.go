package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisTokenBucketScript implements an atomic token-bucket check entirely
// inside Redis so concurrent server instances sharing RATE_LIMIT_REDIS_ADDR
// never race on read-then-write: KEYS[1] is the bucket key, ARGV is
// (capacity, refill_tokens_per_second, now_unix_millis, cost). It returns 1
// if the request is allowed (and deducts cost tokens) or 0 otherwise.
const redisTokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'updated_at')
local tokens = tonumber(bucket[1])
local updated_at = tonumber(bucket[2])

if tokens == nil then
	tokens = capacity
	updated_at = now
end

local elapsed_secs = math.max(0, (now - updated_at) / 1000)
tokens = math.min(capacity, tokens + elapsed_secs * refill_rate)

local allowed = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'updated_at', now)
redis.call('EXPIRE', key, 3600)

return allowed
`

// RedisLimiter is a token-bucket Limiter backed by a shared Redis instance,
// used when RATE_LIMIT_REDIS_ADDR is set so that a fleet of logchain-server
// processes enforces one shared limit instead of one limit per process.
type RedisLimiter struct {
	client       *redis.Client
	script       *redis.Script
	capacity     float64
	refillPerSec float64
	keyPrefix    string
	nowFn        func() time.Time
}

// NewRedisLimiter builds a limiter with the given bucket capacity and
// refill rate (tokens per second), storing bucket state under
// keyPrefix+":"+key.
func NewRedisLimiter(client *redis.Client, capacity, refillPerSec float64, keyPrefix string) *RedisLimiter {
	return &RedisLimiter{
		client:       client,
		script:       redis.NewScript(redisTokenBucketScript),
		capacity:     capacity,
		refillPerSec: refillPerSec,
		keyPrefix:    keyPrefix,
		nowFn:        time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	nowMillis := l.nowFn().UnixMilli()
	res, err := l.script.Run(ctx, l.client, []string{l.keyPrefix + ":" + key},
		l.capacity, l.refillPerSec, nowMillis, 1,
	).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis script failed: %w", err)
	}
	return res == 1, nil
}
