package pagination

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Page is one response unit of a paginated endpoint.
type Page[T any] struct {
	// Items in the order the API returned them.
	Items []T

	// Next is the opaque reference used to request the following page.
	// Only meaningful when HasNext is true.
	Next string

	// HasNext reports whether the endpoint offered a continuation.
	HasNext bool
}

// PageFunc fetches the page identified by ref. An empty ref requests the first page.
//
// A PageFunc may return a non-nil error together with a page that still carries a
// continuation: the error is recorded and draining goes on. When the transport could
// not produce a continuation the returned page must have HasNext set to false.
type PageFunc[T any] func(ctx context.Context, ref string) (Page[T], error)

// Result is the fully drained collection of an endpoint.
type Result[T any] struct {
	// Items is the concatenation of every page's items in fetch order.
	Items []T

	// Errors holds page errors in occurrence order.
	Errors []error

	// Pages is the number of pages requested.
	Pages int

	// Truncated is set when the walk ended on a failure that left no
	// continuation, or was cancelled, so later pages may be missing.
	Truncated bool
}

// HadErrors reports whether any page failed.
func (r Result[T]) HadErrors() bool {
	return len(r.Errors) > 0
}

// Err collapses Errors: nil when there were none, the error itself when there was
// exactly one, and a *MultiError otherwise.
func (r Result[T]) Err() error {
	return Combine(r.Errors)
}

// Drain walks a paginated endpoint until it stops offering a continuation.
func Drain[T any](ctx context.Context, fetch PageFunc[T]) Result[T] {
	return DrainWithLogger(ctx, log.Logger, fetch)
}

// DrainWithLogger is Drain with an explicit logger.
func DrainWithLogger[T any](ctx context.Context, logger zerolog.Logger, fetch PageFunc[T]) Result[T] {
	start := time.Now()

	var result Result[T]
	ref := ""

	for {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err)
			result.Truncated = true
			logger.Warn().
				Err(err).
				Int("pages", result.Pages).
				Msg("Drain interrupted")
			return result
		}

		page, err := fetch(ctx, ref)
		result.Pages++

		if err != nil {
			result.Errors = append(result.Errors, err)
			logger.Warn().
				Err(err).
				Int("page", result.Pages).
				Bool("has_next", page.HasNext).
				Msg("Page fetch failed")
		}

		result.Items = append(result.Items, page.Items...)

		logger.Debug().
			Int("page", result.Pages).
			Int("page_items", len(page.Items)).
			Int("items", len(result.Items)).
			Msg("Page drained")

		if !page.HasNext {
			result.Truncated = err != nil
			break
		}
		ref = page.Next
	}

	logger.Debug().
		Int("pages", result.Pages).
		Int("items", len(result.Items)).
		Int("errors", len(result.Errors)).
		Bool("truncated", result.Truncated).
		Dur("duration", time.Since(start)).
		Msg("Drain complete")

	return result
}
