package backup

import (
	"context"

	"github.com/Sternrassler/mapbox-backup/pkg/client"
	"github.com/Sternrassler/mapbox-backup/pkg/pagination"
	"github.com/Sternrassler/mapbox-backup/pkg/ratelimit"
)

// Category is one kind of account resource.
type Category struct {
	// Name is the category name, also used for the listing file.
	Name string

	// Title is shown in progress output.
	Title string

	// ListScope selects the category.
	ListScope Scope

	// List returns the page function of the category's listing.
	List func(api API) pagination.PageFunc[client.Item]

	// Artifacts are the per-item sub-artifacts.
	Artifacts []ArtifactKind

	// Concurrency bounds sub-artifact downloads in flight.
	Concurrency int
}

// ListFile is where the category listing is stored.
func (c Category) ListFile() string {
	return c.Name + ".json"
}

// Categories returns every category in backup order.
func Categories() []Category {
	return []Category{
		{
			Name:      "styles",
			Title:     "Styles",
			ListScope: ScopeStylesList,
			List: func(api API) pagination.PageFunc[client.Item] {
				return api.ListStyles
			},
			Artifacts:   StyleArtifacts,
			Concurrency: 64,
		},
		{
			Name:      "tilesets",
			Title:     "Tilesets",
			ListScope: ScopeTilesetsList,
			List: func(api API) pagination.PageFunc[client.Item] {
				return api.ListTilesets
			},
			Concurrency: 32,
		},
		{
			Name:      "datasets",
			Title:     "Datasets",
			ListScope: ScopeDatasetsList,
			List: func(api API) pagination.PageFunc[client.Item] {
				return api.ListDatasets
			},
			Artifacts:   DatasetArtifacts,
			Concurrency: 8,
		},
		{
			Name:      "tokens",
			Title:     "Tokens",
			ListScope: ScopeTokensList,
			List: func(api API) pagination.PageFunc[client.Item] {
				return api.ListTokens
			},
			Concurrency: 32,
		},
	}
}

// artifactsIn returns the category's artifact kinds selected by scopes.
func (c Category) artifactsIn(scopes Scopes) []ArtifactKind {
	var kinds []ArtifactKind
	for _, kind := range c.Artifacts {
		if scopes.Has(kind.Scope) {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// budgeted draws one unit of budget before every page request.
func budgeted[T any](budget ratelimit.Budget, fetch pagination.PageFunc[T]) pagination.PageFunc[T] {
	return func(ctx context.Context, ref string) (pagination.Page[T], error) {
		if err := budget.Wait(ctx); err != nil {
			return pagination.Page[T]{}, err
		}
		return fetch(ctx, ref)
	}
}
