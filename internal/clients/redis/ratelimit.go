package redis

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/chatsync-backend/internal/platform/logger"
)

// RateLimiter gates the completion endpoint per caller. It is the component
// that manufactures 429s with a retry-after hint, so the window state has to
// live outside the process (multiple backend replicas share one budget).
type RateLimiter interface {
	// Allow returns (allowed, retryAfterSeconds). retryAfterSeconds is only
	// meaningful when allowed is false.
	Allow(ctx context.Context, key string) (bool, int, error)
	Close() error
}

type rateLimiter struct {
	log    *logger.Logger
	rdb    *goredis.Client
	limit  int
	window time.Duration
}

func NewRateLimiter(log *logger.Logger, limit int, window time.Duration) (RateLimiter, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if limit <= 0 {
		limit = 20
	}
	if window <= 0 {
		window = time.Minute
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &rateLimiter{
		log:    log.With("service", "RedisRateLimiter"),
		rdb:    rdb,
		limit:  limit,
		window: window,
	}, nil
}

func (l *rateLimiter) Allow(ctx context.Context, key string) (bool, int, error) {
	if l == nil || l.rdb == nil {
		return false, 0, fmt.Errorf("rate limiter not initialized")
	}
	key = "chat_rate:" + strings.TrimSpace(key)

	// Fixed window: INCR + EXPIRE on first hit. Coarse but shared across
	// replicas, which is the property that matters here.
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	count := incr.Val()
	if count <= int64(l.limit) {
		return true, 0, nil
	}

	ttl, err := l.rdb.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		ttl = l.window
	}
	retryAfter := int(ttl.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}

func (l *rateLimiter) Close() error {
	if l == nil || l.rdb == nil {
		return nil
	}
	return l.rdb.Close()
}
