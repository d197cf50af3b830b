package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapbox_retries_total",
		Help: "Total number of retry attempts after throttling",
	})

	retryExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mapbox_retry_exhausted_total",
		Help: "Total number of jobs that stayed throttled after all retries",
	})
)

// Common errors returned by the scheduler.
var (
	// ErrRetryExhausted wraps the last error of a job that stayed throttled.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// throttler is implemented by errors that know whether they are a rate-limit signal.
type throttler interface {
	Throttled() bool
}

// IsThrottled reports whether err, or any error it wraps, is a throttling signal.
func IsThrottled(err error) bool {
	var t throttler
	return errors.As(err, &t) && t.Throttled()
}

// runJob drives one job through its attempts. Every attempt draws one unit of budget.
func (s *Scheduler) runJob(ctx context.Context, job Job) Outcome {
	start := time.Now()
	outcome := Outcome{JobID: job.ID}

	finish := func(err error) Outcome {
		outcome.Err = err
		outcome.Duration = time.Since(start)
		return outcome
	}

	for {
		if err := s.budget.Wait(ctx); err != nil {
			return finish(fmt.Errorf("wait for request budget: %w", err))
		}

		outcome.Attempts++
		jobsInFlight.Inc()
		err := job.Run(ctx)
		jobsInFlight.Dec()

		if err == nil {
			if outcome.Attempts > 1 {
				s.logger.Info().
					Str("job", job.ID).
					Int("attempt", outcome.Attempts).
					Msg("Job succeeded after retry")
			}
			return finish(nil)
		}

		if !s.throttled(err) {
			s.logger.Warn().
				Err(err).
				Str("job", job.ID).
				Int("attempt", outcome.Attempts).
				Msg("Job failed")
			return finish(err)
		}

		retries := outcome.Attempts - 1
		if retries >= s.config.MaxRetries {
			retryExhaustedTotal.Inc()
			s.logger.Warn().
				Err(err).
				Str("job", job.ID).
				Int("attempts", outcome.Attempts).
				Msg("Retry attempts exhausted")
			return finish(fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, outcome.Attempts, err))
		}

		retriesTotal.Inc()
		s.logger.Debug().
			Str("job", job.ID).
			Int("attempt", outcome.Attempts).
			Dur("backoff", s.config.RetryBackoff).
			Msg("Throttled - retrying after backoff")

		select {
		case <-ctx.Done():
			return finish(fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err()))
		case <-s.clock.After(s.config.RetryBackoff):
		}
	}
}
