package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// SharedBudget is a request budget stored in Redis so that several backup processes
// running against the same account draw from one quota.
//
// The budget is counted in fixed windows of RefillInterval, each admitting
// RefillAmount requests. Reservoir is not used: a fixed window has no burst
// allowance beyond its own size.
type SharedBudget struct {
	redis  *redis.Client
	prefix string
	limit  int64
	window time.Duration
	clock  Clock
	logger zerolog.Logger
}

// NewSharedBudget creates a Redis-backed budget for account.
func NewSharedBudget(redisClient *redis.Client, account string, cfg BucketConfig, logger zerolog.Logger) (*SharedBudget, error) {
	return NewSharedBudgetWithClock(redisClient, account, cfg, SystemClock, logger)
}

// NewSharedBudgetWithClock creates a Redis-backed budget driven by clock.
func NewSharedBudgetWithClock(redisClient *redis.Client, account string, cfg BucketConfig, clock Clock, logger zerolog.Logger) (*SharedBudget, error) {
	if redisClient == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &SharedBudget{
		redis:  redisClient,
		prefix: fmt.Sprintf("%s:%s", RedisKeyBudgetPrefix, account),
		limit:  int64(cfg.RefillAmount),
		window: cfg.RefillInterval,
		clock:  clock,
		logger: logger,
	}, nil
}

// windowKey returns the Redis key and end time of the window containing now.
func (s *SharedBudget) windowKey(now time.Time) (string, time.Time) {
	start := now.Truncate(s.window)
	return fmt.Sprintf("%s:%d", s.prefix, start.UnixMilli()), start.Add(s.window)
}

// Wait claims one request in the current window, sleeping into the next window
// when the current one is used up.
func (s *SharedBudget) Wait(ctx context.Context) error {
	for {
		now := s.clock.Now()
		key, end := s.windowKey(now)

		// Count and expire atomically
		pipe := s.redis.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.PExpire(ctx, key, 2*s.window)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("claim shared budget: %w", err)
		}

		used := incr.Val()
		remaining := s.limit - used
		if remaining < 0 {
			remaining = 0
		}
		budgetTokens.Set(float64(remaining))

		if used <= s.limit {
			return nil
		}

		wait := end.Sub(now)
		budgetWaitsTotal.Inc()
		budgetWaitSeconds.Observe(wait.Seconds())

		s.logger.Debug().
			Str("key", key).
			Int64("used", used).
			Int64("limit", s.limit).
			Dur("wait", wait).
			Msg("Shared budget exhausted - waiting for next window")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(wait):
		}
	}
}

// State reads the current window's usage from Redis.
func (s *SharedBudget) State(ctx context.Context) (*BudgetState, error) {
	now := s.clock.Now()
	key, _ := s.windowKey(now)

	used, err := s.redis.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get shared budget usage: %w", err)
	}

	tokens := s.limit - used
	if tokens < 0 {
		tokens = 0
	}

	return &BudgetState{
		Tokens:         float64(tokens),
		Reservoir:      int(s.limit),
		RefillAmount:   int(s.limit),
		RefillInterval: s.window,
		At:             now,
	}, nil
}
