package ledgersync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimiter grants one ledger call for key, or reports how long to back off.
type RateLimiter interface {
	Reserve(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

// NoLimit never throttles.
type NoLimit struct{}

func (NoLimit) Reserve(context.Context, string) (bool, time.Duration, error) { return true, 0, nil }

// LocalRateLimiter keeps one token bucket per key inside this process.
type LocalRateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalRateLimiter(perMinute int) *LocalRateLimiter {
	burst := perMinute / 6
	if burst < 1 {
		burst = 1
	}
	return &LocalRateLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *LocalRateLimiter) Reserve(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	r := lim.Reserve()
	if !r.OK() {
		return false, time.Minute, nil
	}
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}

// sliding window over a sorted set; returns the new count, or -1 when the window is full
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local window_sec = tonumber(ARGV[3])
local member = ARGV[4]
local limit = tonumber(ARGV[5])

redis.call('ZREMRANGEBYSCORE', key, 0, window_start)
local count = redis.call('ZCARD', key)
if count >= limit then
  return -1
end
redis.call('ZADD', key, now, member)
redis.call('EXPIRE', key, window_sec)
return count + 1
`)

// RedisRateLimiter shares the per-tenant budget across every worker process.
type RedisRateLimiter struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
	Prefix string
}

func NewRedisRateLimiter(client *redis.Client, perMinute int) *RedisRateLimiter {
	return &RedisRateLimiter{Client: client, Limit: perMinute, Window: time.Minute, Prefix: "ledger_rate"}
}

func (l *RedisRateLimiter) Reserve(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.Client == nil || l.Limit <= 0 {
		return true, 0, nil
	}
	now := time.Now()
	windowStart := now.Add(-l.Window)
	redisKey := fmt.Sprintf("%s:%s", l.Prefix, key)
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	res, err := slidingWindowScript.Run(ctx, l.Client, []string{redisKey},
		now.UnixMilli(), windowStart.UnixMilli(), int(l.Window.Seconds()), member, l.Limit).Int()
	if err != nil {
		// fail open: the ledger's own 429 is still handled as backpressure
		return true, 0, err
	}
	if res == -1 {
		return false, l.Window / time.Duration(l.Limit), nil
	}
	return true, 0, nil
}
