package cache

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "devvelocity:rl:"

// RateLimitResult is the outcome of one counted request.
type RateLimitResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// RateLimiter counts requests per key in fixed windows. With Redis the
// count is shared across instances; without it each process counts alone.
type RateLimiter struct {
	rdb    *redis.Client
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter returns a limiter backed by rdb, or in-process windows when rdb is nil.
func NewRateLimiter(rdb *redis.Client, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{rdb: rdb, now: time.Now, logger: logger, windows: map[string]*window{}}
}

// IncrementAndCheck counts one request for key and reports whether it is
// within limit for the current window.
func (l *RateLimiter) IncrementAndCheck(ctx context.Context, key string, limit int, per time.Duration) (RateLimitResult, error) {
	start := l.now().Truncate(per)
	reset := start.Add(per)

	var count int
	if l.rdb != nil {
		n, err := l.incrRedis(ctx, key, start, per)
		if err != nil {
			return RateLimitResult{}, err
		}
		count = n
	} else {
		count = l.incrLocal(key, start)
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{Allowed: count <= limit, Remaining: remaining, ResetAt: reset}, nil
}

func (l *RateLimiter) incrRedis(ctx context.Context, key string, start time.Time, per time.Duration) (int, error) {
	k := rateLimitPrefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.Expire(ctx, k, per)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (l *RateLimiter) incrLocal(key string, start time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		l.windows[key] = w
	}
	w.count++
	return w.count
}
