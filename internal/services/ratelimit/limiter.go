package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Redis    *redis.Client
	Requests int
	Window   time.Duration
	Logger   *zap.Logger
}

// Limiter is a fixed-window counter per key fingerprint. Redis failures fail
// open: admission control is never worth dropping a paying request over an
// infra fault.
type Limiter struct {
	redis    *redis.Client
	requests int64
	window   time.Duration
	logger   *zap.Logger
}

func New(cfg *Config) *Limiter {
	requests := cfg.Requests
	if requests == 0 {
		requests = 1000
	}
	window := cfg.Window
	if window == 0 {
		window = time.Minute
	}
	return &Limiter{
		redis:    cfg.Redis,
		requests: int64(requests),
		window:   window,
		logger:   cfg.Logger.Named("ratelimit"),
	}
}

// Allow increments the caller's window counter and reports whether the
// request is admitted and how many requests remain in the window.
func (l *Limiter) Allow(ctx context.Context, fingerprint string) (bool, int64) {
	key := l.windowKey(fingerprint)

	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Warn("rate limit store unavailable, failing open", zap.Error(err))
		return true, 0
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
			l.logger.Warn("failed to set window expiry", zap.Error(err))
		}
	}

	if count > l.requests {
		return false, 0
	}
	return true, l.requests - count
}

// Penalize burns extra window slots for a fingerprint so a throttled caller
// exhausts its budget sooner. Failures fail open like Allow.
func (l *Limiter) Penalize(ctx context.Context, fingerprint string, slots int64) {
	if slots <= 0 {
		return
	}
	key := l.windowKey(fingerprint)

	count, err := l.redis.IncrBy(ctx, key, slots).Result()
	if err != nil {
		l.logger.Warn("rate limit penalty failed", zap.Error(err))
		return
	}
	if count == slots {
		if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
			l.logger.Warn("failed to set window expiry", zap.Error(err))
		}
	}
}

func (l *Limiter) windowKey(fingerprint string) string {
	return fmt.Sprintf("ratelimit:%s:%d", fingerprint, int(l.window.Seconds()))
}

// Reset clears the current window for a fingerprint.
func (l *Limiter) Reset(ctx context.Context, fingerprint string) error {
	return l.redis.Del(ctx, l.windowKey(fingerprint)).Err()
}
