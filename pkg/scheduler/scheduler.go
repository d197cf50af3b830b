// Package scheduler runs per-item artifact downloads with bounded concurrency,
// a shared request budget, and retries on API throttling.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/mapbox-backup/pkg/pagination"
	"github.com/Sternrassler/mapbox-backup/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for scheduled jobs.
var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapbox_jobs_total",
		Help: "Total scheduled jobs by terminal outcome",
	}, []string{"outcome"})

	jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mapbox_jobs_in_flight",
		Help: "Jobs currently running an attempt",
	})

	jobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mapbox_job_duration_seconds",
		Help:    "Time from first attempt to terminal outcome",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// Job is one unit of work, typically "fetch artifact X and write it".
type Job struct {
	// ID identifies the job in logs and outcomes (e.g. "cjxyz/sprite@2x.png").
	ID string

	// Run performs a single attempt.
	Run func(ctx context.Context) error
}

// Config holds the scheduler configuration.
type Config struct {
	// Concurrency is the maximum number of jobs running an attempt at once.
	Concurrency int

	// MaxRetries is how many times a throttled job is retried.
	MaxRetries int

	// RetryBackoff is the fixed delay before retrying a throttled job.
	RetryBackoff time.Duration
}

// DefaultConfig returns the configuration used for style artifacts.
func DefaultConfig() Config {
	return Config{
		Concurrency:  64,
		MaxRetries:   5,
		RetryBackoff: 1 * time.Second,
	}
}

// Outcome is the terminal state of one job.
type Outcome struct {
	JobID    string
	Attempts int
	Err      error
	Duration time.Duration
}

// OK reports whether the job succeeded.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Report summarizes a Run.
type Report struct {
	Total     int
	Succeeded int
	Failed    int

	// Outcomes are indexed like the submitted jobs.
	Outcomes []Outcome
}

// Err returns nil, the single failure, or a *pagination.MultiError of all
// failures in submission order.
func (r Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.JobID, o.Err))
		}
	}
	return pagination.Combine(errs)
}

// Partial reports whether some but not necessarily all jobs failed.
func (r Report) Partial() bool {
	return r.Failed > 0
}

// Tally formats the report as "succeeded/total".
func (r Report) Tally() string {
	return fmt.Sprintf("%d/%d", r.Succeeded, r.Total)
}

// Scheduler runs jobs. A Scheduler may be reused for several Runs; the budget is
// shared between them.
type Scheduler struct {
	config    Config
	budget    ratelimit.Budget
	clock     ratelimit.Clock
	logger    zerolog.Logger
	throttled func(error) bool
	onSettled func(Outcome)
}

// New creates a scheduler. A nil budget admits every request.
func New(cfg Config, budget ratelimit.Budget, logger zerolog.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if budget == nil {
		budget = ratelimit.Unlimited{}
	}

	return &Scheduler{
		config:    cfg,
		budget:    budget,
		clock:     ratelimit.SystemClock,
		logger:    logger,
		throttled: IsThrottled,
	}
}

// WithClock replaces the clock used for retry backoff.
func (s *Scheduler) WithClock(clock ratelimit.Clock) *Scheduler {
	s.clock = clock
	return s
}

// WithThrottleCheck replaces the predicate deciding whether an error is retried.
func (s *Scheduler) WithThrottleCheck(fn func(error) bool) *Scheduler {
	s.throttled = fn
	return s
}

// OnSettled registers a callback invoked once per job when it reaches a terminal
// state. It may be called from several goroutines at once.
func (s *Scheduler) OnSettled(fn func(Outcome)) *Scheduler {
	s.onSettled = fn
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.config
}

// Run executes every job and returns once all have settled.
func (s *Scheduler) Run(ctx context.Context, jobs []Job) Report {
	start := time.Now()
	report := Report{
		Total:    len(jobs),
		Outcomes: make([]Outcome, len(jobs)),
	}
	if len(jobs) == 0 {
		return report
	}

	workers := s.config.Concurrency
	if workers > len(jobs) {
		workers = len(jobs)
	}

	s.logger.Debug().
		Int("jobs", len(jobs)).
		Int("workers", workers).
		Msg("Starting scheduled jobs")

	queue := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go s.worker(ctx, jobs, queue, report.Outcomes, &wg, i)
	}

	for i := range jobs {
		queue <- i
	}
	close(queue)
	wg.Wait()

	for _, o := range report.Outcomes {
		if o.OK() {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}

	s.logger.Info().
		Int("total", report.Total).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Dur("duration", time.Since(start)).
		Msg("Scheduled jobs settled")

	return report
}

// worker processes job indexes from the queue
func (s *Scheduler) worker(ctx context.Context, jobs []Job, queue <-chan int, outcomes []Outcome, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for idx := range queue {
		outcome := s.runJob(ctx, jobs[idx])
		outcomes[idx] = outcome
		processed++

		if outcome.OK() {
			jobsTotal.WithLabelValues("succeeded").Inc()
		} else {
			jobsTotal.WithLabelValues("failed").Inc()
		}
		jobDuration.Observe(outcome.Duration.Seconds())

		if s.onSettled != nil {
			s.onSettled(outcome)
		}
	}

	s.logger.Debug().
		Int("worker_id", workerID).
		Int("jobs_processed", processed).
		Msg("Worker completed")
}
