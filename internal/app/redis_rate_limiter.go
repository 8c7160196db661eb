package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Sliding-window log kept in a sorted set scored by attempt time (ms). Rejected
// attempts are not recorded, so a caller hammering the endpoint does not push
// its own reset further out.
//
// Reply: {allowed, attempts in window, ms until the oldest attempt expires}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local attempts = redis.call("ZCARD", KEYS[1])
local allowed = 0
if attempts < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  attempts = attempts + 1
  allowed = 1
end
redis.call("PEXPIRE", KEYS[1], window)

local reset = window
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if oldest[2] then
  reset = tonumber(oldest[2]) + window - now
end
return {allowed, attempts, reset}
`)

// RateLimitDecision is the outcome of one attempt against a limiter.
type RateLimitDecision struct {
	Allowed   bool
	Attempts  int
	Remaining int
	ResetIn   time.Duration
}

// RetryAfterSeconds rounds ResetIn up to whole seconds, never below one.
func (d RateLimitDecision) RetryAfterSeconds() int {
	seconds := int((d.ResetIn + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}

// RedisRateLimiter throttles release and dispute attempts per caller across all replicas.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisRateLimiter allows limit attempts per subject and scope in any window-long span.
func NewRedisRateLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "escrow:rate_limit"
	}
	if window < time.Second {
		window = time.Second
	}
	return &RedisRateLimiter{client: client, prefix: trimmedPrefix, limit: limit, window: window, now: time.Now}
}

// Allow records an attempt by subject in scope if the window has room for it.
// A limiter without a client or a positive limit allows everything.
func (r *RedisRateLimiter) Allow(ctx context.Context, scope, subject string) (RateLimitDecision, error) {
	if r == nil || r.client == nil || r.limit <= 0 {
		return RateLimitDecision{Allowed: true}, nil
	}
	scope = strings.TrimSpace(scope)
	subject = strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return RateLimitDecision{Allowed: true}, nil
	}

	key := r.prefix + ":" + scope + ":" + subject
	raw, err := slidingWindowScript.Run(ctx, r.client, []string{key},
		r.now().UnixMilli(), r.window.Milliseconds(), r.limit, uuid.NewString(),
	).Result()
	if err != nil {
		return RateLimitDecision{}, err
	}
	return decisionFromReply(raw, r.limit)
}

func decisionFromReply(raw interface{}, limit int) (RateLimitDecision, error) {
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return RateLimitDecision{}, fmt.Errorf("unexpected redis limiter reply: %T %v", raw, raw)
	}
	ints := make([]int64, len(values))
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return RateLimitDecision{}, fmt.Errorf("unexpected redis limiter reply element %d: %T", i, v)
		}
		ints[i] = n
	}

	decision := RateLimitDecision{
		Allowed:  ints[0] == 1,
		Attempts: int(ints[1]),
		ResetIn:  time.Duration(ints[2]) * time.Millisecond,
	}
	if remaining := limit - decision.Attempts; remaining > 0 {
		decision.Remaining = remaining
	}
	if decision.ResetIn < 0 {
		decision.ResetIn = 0
	}
	return decision, nil
}
