package limits

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Window is a fixed-window rate limit policy.
type Window struct {
	Limit int
	Per   time.Duration
}

// Limiter is the keyed rate-limit port consumed by request middleware.
// CheckAndConsume reports whether the caller identified by key may
// proceed, consuming one unit of the window's budget if so.
type Limiter interface {
	CheckAndConsume(ctx context.Context, key string, w Window) (bool, error)
}

// MemoryLimiter keeps fixed windows in process memory. Suitable for a
// single instance and for tests.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	Now     func() time.Time
}

type bucket struct {
	windowStart time.Time
	count       int
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*bucket), Now: time.Now}
}

func (l *MemoryLimiter) CheckAndConsume(_ context.Context, key string, w Window) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= w.Per {
		l.buckets[key] = &bucket{windowStart: now, count: 1}
		return true, nil
	}
	if b.count >= w.Limit {
		return false, nil
	}
	b.count++
	return true, nil
}

// RedisLimiter shares fixed windows across instances via INCR with a
// window-scoped TTL.
type RedisLimiter struct {
	Client *redis.Client
}

func NewRedisLimiter(url string) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisLimiter{Client: redis.NewClient(opts)}, nil
}

func (l *RedisLimiter) CheckAndConsume(ctx context.Context, key string, w Window) (bool, error) {
	n, err := l.Client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 1 {
		if err := l.Client.Expire(ctx, key, w.Per).Err(); err != nil {
			return false, err
		}
	}
	return n <= int64(w.Limit), nil
}
