package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/kirinyoku/tix-saga/internal/clock"
	"github.com/redis/go-redis/v9"
)

// Sliding window over a sorted set.
// KEYS[1] = key
// ARGV[1] = now_ms
// ARGV[2] = window_ms
// ARGV[3] = limit
// ARGV[4] = member (unique)
const luaSlidingWindow = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
redis.call('ZADD', key, 'NX', now, member)
local count = redis.call('ZCARD', key)
redis.call('PEXPIRE', key, window)

if count > limit then
  local earliest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local earliestScore = tonumber(earliest[2]) or (now - window)
  local retry_ms = window - (now - earliestScore)
  if retry_ms < 0 then retry_ms = 0 end
  return {0, count, retry_ms}
end
return {1, count, 0}
`

var slidingWindowScript = redis.NewScript(luaSlidingWindow)

type SlidingWindowLimiter struct {
	rdb    *redis.Client
	scope  string
	limit  int
	window time.Duration
	clock  clock.Clock
	member func() string
}

func NewSlidingWindowLimiter(
	rdb *redis.Client,
	scope string,
	limit int,
	window time.Duration,
	clk clock.Clock,
) *SlidingWindowLimiter {
	if clk == nil {
		clk = clock.System{}
	}

	return &SlidingWindowLimiter{
		rdb:    rdb,
		scope:  scope,
		limit:  limit,
		window: window,
		clock:  clk,
		member: func() string { return randomHex(12) },
	}
}

// Allow records one hit for id and reports whether it fits the window.
// When it does not, retryAfter is the time until the oldest hit expires.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, id string) (allowed bool, retryAfter time.Duration, err error) {
	const op = "redis.SlidingWindowLimiter.Allow"

	res, err := slidingWindowScript.Run(
		ctx,
		l.rdb,
		[]string{KeyRateLimit(l.scope, id)},
		l.clock.Now().UnixMilli(), l.window.Milliseconds(), l.limit, l.member(),
	).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%s:%w", op, err)
	}

	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return false, 0, fmt.Errorf("%s: bad script result: %v", op, res)
	}

	allowed = toInt(arr[0]) == 1
	retryAfter = time.Duration(toInt(arr[2])) * time.Millisecond

	return allowed, retryAfter, nil
}

func toInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
