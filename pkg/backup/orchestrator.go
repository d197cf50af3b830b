// Package backup copies a Mapbox account into a storage.Store: the listings of
// styles, tilesets, datasets and tokens, and the style documents, sprites and
// dataset features behind them.
//
// Categories run one after another. Within a category the listing is drained
// first, then sub-artifacts are fetched concurrently under a shared request
// budget, skipping those whose stored copy is current.
package backup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/mapbox-backup/pkg/incremental"
	"github.com/Sternrassler/mapbox-backup/pkg/pagination"
	"github.com/Sternrassler/mapbox-backup/pkg/ratelimit"
	"github.com/Sternrassler/mapbox-backup/pkg/scheduler"
	"github.com/Sternrassler/mapbox-backup/pkg/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Exit codes of a backup run.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// Options controls a backup run.
type Options struct {
	Scopes Scopes

	// AbortOnFailure stops the run after the first failed category listing.
	AbortOnFailure bool

	// StrictArtifacts makes failed sub-artifacts fail the run.
	StrictArtifacts bool

	// Scheduler holds retry settings for sub-artifact downloads.
	Scheduler scheduler.Config

	// Clock drives retry backoff. Nil uses the system clock.
	Clock ratelimit.Clock
}

// DefaultOptions backs up everything and continues past failures.
func DefaultOptions() Options {
	return Options{
		Scopes:    NewScopes(),
		Scheduler: scheduler.DefaultConfig(),
	}
}

// Summary is the outcome of a backup run.
type Summary struct {
	RunID    string
	Results  []JobResult
	Aborted  bool
	Strict   bool
	Duration time.Duration
}

// Failed returns the categories whose listing failed.
func (s Summary) Failed() []string {
	var names []string
	for _, r := range s.Results {
		if r.State == StateFailed {
			names = append(names, r.Category)
		}
	}
	return names
}

// Partial returns the categories with failed listing pages or sub-artifacts.
func (s Summary) Partial() []string {
	var names []string
	for _, r := range s.Results {
		if r.Partial() {
			names = append(names, r.Category)
		}
	}
	return names
}

// OK reports whether the run succeeded. Failed listing pages and
// sub-artifacts only count with strict artifacts.
func (s Summary) OK() bool {
	if s.Aborted || len(s.Failed()) > 0 {
		return false
	}
	return !s.Strict || len(s.Partial()) == 0
}

// ExitCode maps the summary to a process exit status.
func (s Summary) ExitCode() int {
	if s.OK() {
		return ExitOK
	}
	return ExitFailure
}

// Err returns nil, the single category error, or a *pagination.MultiError of
// every category error in run order.
func (s Summary) Err() error {
	var errs []error
	for _, r := range s.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return pagination.Combine(errs)
}

// Orchestrator runs the category jobs of a backup.
type Orchestrator struct {
	api      API
	store    storage.Store
	budget   ratelimit.Budget
	progress *Progress
	options  Options
	logger   zerolog.Logger
}

// New creates an orchestrator. A nil budget admits every request and a nil
// progress discards progress output.
func New(api API, store storage.Store, budget ratelimit.Budget, progress *Progress, opts Options) *Orchestrator {
	if opts.Scopes == nil {
		opts.Scopes = NewScopes()
	}
	if budget == nil {
		budget = ratelimit.Unlimited{}
	}
	if progress == nil {
		progress = NewProgress(nil, false)
	}
	return &Orchestrator{
		api:      api,
		store:    store,
		budget:   budget,
		progress: progress,
		options:  opts,
		logger:   log.With().Str("component", "backup").Logger(),
	}
}

// WithLogger replaces the base logger.
func (o *Orchestrator) WithLogger(logger zerolog.Logger) *Orchestrator {
	o.logger = logger.With().Str("component", "backup").Logger()
	return o
}

// Run backs up every selected category in order.
func (o *Orchestrator) Run(ctx context.Context) Summary {
	start := time.Now()
	summary := Summary{
		RunID:  uuid.NewString(),
		Strict: o.options.StrictArtifacts,
	}
	logger := o.logger.With().Str("run_id", summary.RunID).Logger()

	logger.Info().
		Str("account", o.api.Username()).
		Str("destination", o.store.Location()).
		Str("scopes", o.options.Scopes.String()).
		Msg("Backup started")

	policy := incremental.New(o.store, logger)

	for _, category := range Categories() {
		if !o.options.Scopes.Has(category.ListScope) {
			continue
		}
		if err := ctx.Err(); err != nil {
			logger.Warn().Err(err).Msg("Backup cancelled")
			summary.Aborted = true
			break
		}

		job := NewJob(category, JobConfig{
			API:       o.api,
			Store:     o.store,
			Policy:    policy,
			Budget:    o.budget,
			Scopes:    o.options.Scopes,
			Progress:  o.progress,
			Scheduler: o.options.Scheduler,
			Clock:     o.options.Clock,
		}, logger)

		result := job.Run(ctx)
		summary.Results = append(summary.Results, result)

		if result.State == StateFailed && o.options.AbortOnFailure {
			logger.Warn().Str("category", category.Name).Msg("Aborting backup after failed listing")
			summary.Aborted = true
			break
		}
	}

	summary.Duration = time.Since(start)
	o.report(logger, summary)
	return summary
}

// report writes the final console line and log entry.
func (o *Orchestrator) report(logger zerolog.Logger, summary Summary) {
	failed, partial := summary.Failed(), summary.Partial()

	event := logger.Info()
	if !summary.OK() {
		event = logger.Error().Err(summary.Err())
	}
	event.
		Int("categories", len(summary.Results)).
		Strs("failed", failed).
		Strs("partial", partial).
		Bool("aborted", summary.Aborted).
		Dur("duration", summary.Duration).
		Msg("Backup finished")

	switch {
	case len(failed) > 0:
		o.progress.Line(fmt.Sprintf("Backup failed: %s", strings.Join(failed, ", ")))
	case summary.Aborted:
		o.progress.Line("Backup cancelled")
	case len(partial) > 0:
		o.progress.Line(fmt.Sprintf("Backup completed with failures: %s", strings.Join(partial, ", ")))
	default:
		o.progress.Line("Backup completed")
	}
}
