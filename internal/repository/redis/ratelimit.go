package redisrepo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindow keeps one sorted set of hit timestamps per id. A hit is only
// recorded when it is allowed, so a client hammering a closed window does not
// push its own retry time further out.
//
// KEYS[1] = key
// ARGV[1] = now in ms, ARGV[2] = window in ms, ARGV[3] = limit, ARGV[4] = member
//
// Returns {allowed, hits in window, retry after in ms}.
var slidingWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local hits = redis.call('ZCARD', KEYS[1])

if hits >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local retry = window
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  if retry < 1 then retry = 1 end
  return {0, hits, retry}
end

redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, hits + 1, 0}
`)

// SlidingWindowLimiter caps how many bookings one user may attempt per window.
// A limit of zero or less disables it.
type SlidingWindowLimiter struct {
	rdb    redis.Cmdable
	scope  string
	limit  int
	window time.Duration
}

func NewSlidingWindowLimiter(
	rdb redis.Cmdable,
	scope string,
	limit int,
	window time.Duration,
) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		rdb:    rdb,
		scope:  scope,
		limit:  limit,
		window: window,
	}
}

// Allow records a hit for id when it fits into the window.
//
// Returns:
//   - allowed: whether the hit was accepted.
//   - hits: accepted hits in the current window, this one included.
//   - retryAfter: when a denied caller may try again.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, id string) (bool, int64, time.Duration, error) {
	const op = "redisrepo.SlidingWindowLimiter.Allow"

	if l.limit <= 0 || l.window <= 0 {
		return true, 0, 0, nil
	}

	now := time.Now().UnixMilli()

	member, err := hitID(now)
	if err != nil {
		return false, 0, 0, fmt.Errorf("%s: %w", op, err)
	}

	res, err := slidingWindow.Run(
		ctx,
		l.rdb,
		[]string{KeyRateLimit(l.scope, id)},
		now, l.window.Milliseconds(), l.limit, member,
	).Int64Slice()
	if err != nil {
		return false, 0, 0, fmt.Errorf("%s: %w", op, err)
	}

	if len(res) != 3 {
		return false, 0, 0, fmt.Errorf("%s: unexpected script result %v", op, res)
	}

	return res[0] == 1, res[1], time.Duration(res[2]) * time.Millisecond, nil
}

// hitID makes sorted-set members unique when two hits share a millisecond.
func hitID(now int64) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s", now, hex.EncodeToString(b)), nil
}
