package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultMaxAttempts = 5
	defaultCooldown    = 15 * time.Minute
)

// Config holds sign-in throttle tuning.
type Config struct {
	// MaxAttempts is the number of failures allowed per window. Defaults to 5.
	MaxAttempts int
	// Cooldown is the window length. Defaults to 15 minutes.
	Cooldown time.Duration
	// PerIP also counts failures per client IP.
	PerIP bool
}

// Limiter counts failed sign-ins per username and, optionally, per IP.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// Check returns [ErrRateLimited] when the username or IP already used its budget.
// It does not count the attempt.
func (l *Limiter) Check(ctx context.Context, username, ip string) error {
	for _, key := range l.keys(username, ip) {
		count, err := l.redis.Get(ctx, key).Int64()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if count >= int64(l.config.MaxAttempts) {
			return ErrRateLimited
		}
	}
	return nil
}

// RecordFailure counts one failed sign-in. It returns [ErrRateLimited] once the
// failure exhausted the budget.
func (l *Limiter) RecordFailure(ctx context.Context, username, ip string) error {
	limited := false
	for _, key := range l.keys(username, ip) {
		count, err := l.incrementWithTTL(ctx, key)
		if err != nil {
			return err
		}
		if count >= int64(l.config.MaxAttempts) {
			limited = true
		}
	}
	if limited {
		return ErrRateLimited
	}
	return nil
}

// Reset clears the username counter after a successful sign-in. The IP counter
// is left alone so one valid account cannot launder an address.
func (l *Limiter) Reset(ctx context.Context, username string) error {
	if err := l.redis.Del(ctx, userKey(username)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Attempts returns the failure count for username. Missing keys count as zero.
func (l *Limiter) Attempts(ctx context.Context, username string) (int, error) {
	count, err := l.redis.Get(ctx, userKey(username)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

func (l *Limiter) keys(username, ip string) []string {
	keys := []string{userKey(username)}
	if l.config.PerIP && ip != "" {
		keys = append(keys, ipKey(ip))
	}
	return keys
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.config.Cooldown).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func userKey(username string) string {
	return "si:" + strings.ToLower(strings.TrimSpace(username))
}

func ipKey(ip string) string {
	return "sii:" + ip
}
