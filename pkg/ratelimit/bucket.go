package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for budget tracking.
var (
	budgetTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mapbox_budget_tokens",
		Help: "Tokens left in the request budget after the last admission",
	})

	budgetWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapbox_budget_waits_total",
		Help: "Total number of requests that had to wait for the budget to refill",
	})

	budgetWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mapbox_budget_wait_seconds",
		Help:    "Time spent waiting for the budget to refill",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60},
	})
)

// ErrInvalidBudget is returned for a budget configuration that can never admit a request.
var ErrInvalidBudget = errors.New("invalid request budget")

// Budget admits one request at a time.
type Budget interface {
	// Wait blocks until one unit of budget is available or ctx is done.
	Wait(ctx context.Context) error
}

// Clock abstracts time so budgets can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// BucketConfig describes a token bucket: a reservoir of Reservoir tokens that gains
// RefillAmount tokens every RefillInterval, refilled continuously.
type BucketConfig struct {
	Reservoir      int
	RefillAmount   int
	RefillInterval time.Duration
}

// DefaultBucketConfig returns the Styles API quota.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{
		Reservoir:      DefaultReservoir,
		RefillAmount:   DefaultRefillAmount,
		RefillInterval: DefaultRefillInterval,
	}
}

// Validate checks that the bucket can admit requests.
func (c BucketConfig) Validate() error {
	if c.Reservoir < 1 {
		return fmt.Errorf("%w: reservoir must be >= 1 (got %d)", ErrInvalidBudget, c.Reservoir)
	}
	if c.RefillAmount < 1 {
		return fmt.Errorf("%w: refill amount must be >= 1 (got %d)", ErrInvalidBudget, c.RefillAmount)
	}
	if c.RefillInterval <= 0 {
		return fmt.Errorf("%w: refill interval must be positive (got %v)", ErrInvalidBudget, c.RefillInterval)
	}
	return nil
}

// limit converts the refill rule into tokens per second.
func (c BucketConfig) limit() rate.Limit {
	return rate.Limit(float64(c.RefillAmount) / c.RefillInterval.Seconds())
}

// Bucket is an in-process token bucket. It is safe for concurrent use.
type Bucket struct {
	limiter *rate.Limiter
	config  BucketConfig
	clock   Clock
	logger  zerolog.Logger
}

// NewBucket creates a full bucket driven by the wall clock.
func NewBucket(cfg BucketConfig, logger zerolog.Logger) (*Bucket, error) {
	return NewBucketWithClock(cfg, SystemClock, logger)
}

// NewBucketWithClock creates a full bucket driven by clock.
func NewBucketWithClock(cfg BucketConfig, clock Clock, logger zerolog.Logger) (*Bucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Bucket{
		limiter: rate.NewLimiter(cfg.limit(), cfg.Reservoir),
		config:  cfg,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Allow takes one token if available without waiting.
func (b *Bucket) Allow() bool {
	now := b.clock.Now()
	ok := b.limiter.AllowN(now, 1)
	budgetTokens.Set(b.limiter.TokensAt(now))
	return ok
}

// Wait takes one token, blocking until the bucket has refilled enough.
func (b *Bucket) Wait(ctx context.Context) error {
	now := b.clock.Now()
	reservation := b.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return fmt.Errorf("%w: reservation refused", ErrInvalidBudget)
	}

	delay := reservation.DelayFrom(now)
	budgetTokens.Set(b.limiter.TokensAt(now))
	if delay <= 0 {
		return nil
	}

	budgetWaitsTotal.Inc()
	budgetWaitSeconds.Observe(delay.Seconds())

	b.logger.Debug().
		Dur("delay", delay).
		Msg("Request budget exhausted - waiting for refill")

	select {
	case <-ctx.Done():
		reservation.CancelAt(b.clock.Now())
		return ctx.Err()
	case <-b.clock.After(delay):
		return nil
	}
}

// State returns a snapshot of the bucket.
func (b *Bucket) State() BudgetState {
	now := b.clock.Now()
	return BudgetState{
		Tokens:         b.limiter.TokensAt(now),
		Reservoir:      b.config.Reservoir,
		RefillAmount:   b.config.RefillAmount,
		RefillInterval: b.config.RefillInterval,
		At:             now,
	}
}

// Unlimited is a Budget that never waits.
type Unlimited struct{}

// Wait returns immediately unless ctx is already done.
func (Unlimited) Wait(ctx context.Context) error {
	return ctx.Err()
}
