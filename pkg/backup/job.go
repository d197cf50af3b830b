package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/mapbox-backup/pkg/client"
	"github.com/Sternrassler/mapbox-backup/pkg/incremental"
	"github.com/Sternrassler/mapbox-backup/pkg/pagination"
	"github.com/Sternrassler/mapbox-backup/pkg/ratelimit"
	"github.com/Sternrassler/mapbox-backup/pkg/scheduler"
	"github.com/Sternrassler/mapbox-backup/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	artifactsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapbox_backup_artifacts_total",
		Help: "Sub-artifacts by category and result (fetched, skipped, failed)",
	}, []string{"category", "result"})

	categoriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapbox_backup_categories_total",
		Help: "Category jobs by terminal state",
	}, []string{"category", "state"})

	listedItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mapbox_backup_listed_items",
		Help: "Items in the last listing of each category",
	}, []string{"category"})
)

// State is the lifecycle state of a category job.
type State string

const (
	StateListing              State = "listing"
	StateFetchingSubArtifacts State = "fetching_sub_artifacts"
	StateDone                 State = "done"
	StateFailed               State = "failed"
)

// ListingError is a category listing that ended on a failure with no
// continuation. The category's sub-artifacts are not fetched.
type ListingError struct {
	Category string
	Err      error
}

func (e *ListingError) Error() string {
	return fmt.Sprintf("list %s: %v", e.Category, e.Err)
}

func (e *ListingError) Unwrap() error {
	return e.Err
}

// IncompleteListingError reports listing pages that failed while the walk
// still reached the last page. The listing is saved and the job goes on.
type IncompleteListingError struct {
	Category string
	Failed   int
	Pages    int
	Err      error
}

func (e *IncompleteListingError) Error() string {
	return fmt.Sprintf("list %s: %d of %d pages failed: %v", e.Category, e.Failed, e.Pages, e.Err)
}

func (e *IncompleteListingError) Unwrap() error {
	return e.Err
}

// PartialArtifactError reports sub-artifacts that failed for good.
type PartialArtifactError struct {
	Category string
	Failed   int
	Total    int
	Err      error
}

func (e *PartialArtifactError) Error() string {
	return fmt.Sprintf("%s: %d of %d artifacts failed: %v", e.Category, e.Failed, e.Total, e.Err)
}

func (e *PartialArtifactError) Unwrap() error {
	return e.Err
}

// JobResult is the terminal state of a category job.
type JobResult struct {
	Category string
	State    State

	// Items is the number of listed items.
	Items int

	// PageErrors counts listing pages that failed but were walked past.
	PageErrors int

	// Skipped counts artifacts that were already current.
	Skipped int

	// Artifacts reports the artifacts that were scheduled.
	Artifacts scheduler.Report

	// Err is a *ListingError for a failed job. A done job carries an
	// *IncompleteListingError and a *PartialArtifactError, combined when
	// both occurred, or nil.
	Err error

	Duration time.Duration
}

// Partial reports whether the job is done but some listing pages or
// artifacts failed.
func (r JobResult) Partial() bool {
	return r.State == StateDone && (r.Artifacts.Failed > 0 || r.PageErrors > 0)
}

// JobConfig holds what a category job needs besides its category.
type JobConfig struct {
	API      API
	Store    storage.Store
	Policy   *incremental.Policy
	Budget   ratelimit.Budget
	Scopes   Scopes
	Progress *Progress

	// Scheduler overrides the scheduler defaults; Concurrency is taken from
	// the category.
	Scheduler scheduler.Config

	// Clock drives retry backoff. Nil uses the system clock.
	Clock ratelimit.Clock
}

// Job backs up one category: Listing, then FetchingSubArtifacts, then Done or
// Failed.
type Job struct {
	category Category
	config   JobConfig
	logger   zerolog.Logger
	state    State
}

// NewJob creates a job for category.
func NewJob(category Category, cfg JobConfig, logger zerolog.Logger) *Job {
	if cfg.Budget == nil {
		cfg.Budget = ratelimit.Unlimited{}
	}
	if cfg.Progress == nil {
		cfg.Progress = NewProgress(nil, false)
	}
	if cfg.Scopes == nil {
		cfg.Scopes = NewScopes()
	}
	defaults := scheduler.DefaultConfig()
	if cfg.Scheduler.MaxRetries == 0 {
		cfg.Scheduler.MaxRetries = defaults.MaxRetries
	}
	if cfg.Scheduler.RetryBackoff == 0 {
		cfg.Scheduler.RetryBackoff = defaults.RetryBackoff
	}
	cfg.Scheduler.Concurrency = category.Concurrency

	return &Job{
		category: category,
		config:   cfg,
		logger:   logger.With().Str("category", category.Name).Logger(),
		state:    StateListing,
	}
}

// State returns the current state.
func (j *Job) State() State {
	return j.state
}

// Run executes the job.
func (j *Job) Run(ctx context.Context) JobResult {
	start := time.Now()
	result := JobResult{Category: j.category.Name}

	finish := func(state State, err error) JobResult {
		j.state = state
		result.State = state
		result.Err = err
		result.Duration = time.Since(start)
		categoriesTotal.WithLabelValues(j.category.Name, string(state)).Inc()

		event := j.logger.Info()
		if state == StateFailed {
			event = j.logger.Error().Err(err)
		} else if err != nil {
			event = j.logger.Warn().Err(err)
		}
		event.
			Str("state", string(state)).
			Int("items", result.Items).
			Int("skipped", result.Skipped).
			Int("fetched", result.Artifacts.Succeeded).
			Int("failed", result.Artifacts.Failed).
			Dur("duration", result.Duration).
			Msg("Category finished")
		return result
	}

	drained, err := j.list(ctx)
	if err != nil {
		return finish(StateFailed, err)
	}
	items := drained.Items
	result.Items = len(items)
	result.PageErrors = len(drained.Errors)

	var errs []error
	if drained.HadErrors() {
		errs = append(errs, &IncompleteListingError{
			Category: j.category.Name,
			Failed:   len(drained.Errors),
			Pages:    drained.Pages,
			Err:      drained.Err(),
		})
	}

	kinds := j.category.artifactsIn(j.config.Scopes)
	if len(kinds) == 0 {
		return finish(StateDone, pagination.Combine(errs))
	}

	j.state = StateFetchingSubArtifacts
	result.Skipped, result.Artifacts = j.fetchArtifacts(ctx, items, kinds)

	if result.Artifacts.Failed > 0 {
		errs = append(errs, &PartialArtifactError{
			Category: j.category.Name,
			Failed:   result.Artifacts.Failed,
			Total:    result.Artifacts.Total + result.Skipped,
			Err:      result.Artifacts.Err(),
		})
	}
	return finish(StateDone, pagination.Combine(errs))
}

// list drains the category listing and stores it. A walk that ended on a
// failure with no continuation fails the listing and leaves the previously
// stored listing untouched. Pages that failed but kept their continuation are
// returned in the result's Errors.
func (j *Job) list(ctx context.Context) (pagination.Result[client.Item], error) {
	progress := j.config.Progress
	progress.Begin(j.category.Title + " List")

	fetch := budgeted(j.config.Budget, j.category.List(j.config.API))
	drained := pagination.DrainWithLogger(ctx, j.logger, fetch)
	for i := 0; i < drained.Pages; i++ {
		if i < len(drained.Errors) {
			progress.Failed()
			continue
		}
		progress.Fetched()
	}

	if drained.Truncated {
		progress.Abort()
		return drained, &ListingError{Category: j.category.Name, Err: drained.Err()}
	}

	if drained.Items == nil {
		drained.Items = []client.Item{}
	}
	if err := storage.WriteJSON(ctx, j.config.Store, j.category.ListFile(), drained.Items); err != nil {
		progress.Abort()
		return drained, &ListingError{Category: j.category.Name, Err: fmt.Errorf("save listing: %w", err)}
	}

	listedItems.WithLabelValues(j.category.Name).Set(float64(len(drained.Items)))
	if drained.HadErrors() {
		progress.Partial(drained.Pages-len(drained.Errors), drained.Pages)
	} else {
		progress.Done(len(drained.Items))
	}
	return drained, nil
}

// fetchArtifacts decides, schedules and stores every selected artifact.
func (j *Job) fetchArtifacts(ctx context.Context, items []client.Item, kinds []ArtifactKind) (int, scheduler.Report) {
	progress := j.config.Progress
	progress.Begin(j.category.Title + " Artifacts")

	var (
		jobs    []scheduler.Job
		skipped int
	)
	for _, item := range items {
		for _, kind := range kinds {
			target := kind.Target(item.ID)
			if j.config.Policy != nil &&
				j.config.Policy.Decide(ctx, item.Modified, target, kind.Stamp(item.ID)) == incremental.Skip {
				skipped++
				artifactsTotal.WithLabelValues(j.category.Name, "skipped").Inc()
				progress.Skipped()
				continue
			}
			jobs = append(jobs, j.artifactJob(item, kind, target))
		}
	}

	j.logger.Debug().
		Int("scheduled", len(jobs)).
		Int("skipped", skipped).
		Msg("Fetching sub-artifacts")

	sched := scheduler.New(j.config.Scheduler, j.config.Budget, j.logger).
		OnSettled(func(o scheduler.Outcome) {
			if o.OK() {
				artifactsTotal.WithLabelValues(j.category.Name, "fetched").Inc()
				progress.Fetched()
				return
			}
			artifactsTotal.WithLabelValues(j.category.Name, "failed").Inc()
			progress.Failed()
		})
	if j.config.Clock != nil {
		sched.WithClock(j.config.Clock)
	}

	report := sched.Run(ctx, jobs)

	if report.Failed > 0 {
		progress.Partial(report.Succeeded+skipped, report.Total+skipped)
	} else {
		progress.Done(-1)
	}
	return skipped, report
}

// artifactJob fetches one artifact and stores it. Only complete payloads
// are written.
func (j *Job) artifactJob(item client.Item, kind ArtifactKind, target string) scheduler.Job {
	logger := j.logger.With().Str("artifact", target).Logger()
	return scheduler.Job{
		ID: target,
		Run: func(ctx context.Context) error {
			data, err := kind.Fetch(ctx, j.config.API, j.config.Budget, item, logger)
			if err != nil {
				return fmt.Errorf("fetch %s of %s: %w", kind.Name, item.ID, err)
			}
			if err := j.config.Store.Write(ctx, target, data); err != nil {
				return fmt.Errorf("save %s: %w", target, err)
			}
			return nil
		},
	}
}
