package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Sternrassler/mapbox-backup/pkg/client"
	"github.com/Sternrassler/mapbox-backup/pkg/pagination"
	"github.com/Sternrassler/mapbox-backup/pkg/ratelimit"
	"github.com/Sternrassler/mapbox-backup/pkg/storage"
	"github.com/rs/zerolog"
)

// API is the part of the Mapbox client a backup uses.
type API interface {
	Username() string
	ListStyles(ctx context.Context, ref string) (pagination.Page[client.Item], error)
	ListTilesets(ctx context.Context, ref string) (pagination.Page[client.Item], error)
	ListDatasets(ctx context.Context, ref string) (pagination.Page[client.Item], error)
	ListTokens(ctx context.Context, ref string) (pagination.Page[client.Item], error)
	ListFeatures(ctx context.Context, datasetID, ref string) (pagination.Page[json.RawMessage], error)
	GetStyle(ctx context.Context, styleID string, draft bool) (json.RawMessage, error)
	GetSprite(ctx context.Context, styleID string, opts client.SpriteOptions) ([]byte, error)
}

// FetchFunc downloads one artifact of item and returns the bytes to store.
// Logging goes to logger, which carries the job's fields.
type FetchFunc func(ctx context.Context, api API, budget ratelimit.Budget, item client.Item, logger zerolog.Logger) ([]byte, error)

// ArtifactKind describes one sub-artifact stored per listed item.
type ArtifactKind struct {
	// Name identifies the kind in logs (e.g. "sprite@2x.png").
	Name string

	// Scope selects the kind.
	Scope Scope

	// Target is the file the artifact is stored in.
	Target func(id string) string

	// Stamp is the file whose "modified" field dates the stored artifact.
	Stamp func(id string) string

	Fetch FetchFunc
}

func pathf(format string) func(id string) string {
	return func(id string) string { return fmt.Sprintf(format, id) }
}

// StyleArtifacts are stored for every style.
var StyleArtifacts = []ArtifactKind{
	{
		Name:   "style.draft",
		Scope:  ScopeStyleDocuments,
		Target: pathf("styles/%s.draft.json"),
		Stamp:  pathf("styles/%s.draft.json"),
		Fetch:  fetchStyle(true),
	},
	{
		Name:   "style",
		Scope:  ScopeStyleDocuments,
		Target: pathf("styles/%s.json"),
		Stamp:  pathf("styles/%s.json"),
		Fetch:  fetchStyle(false),
	},
	{
		Name:   "sprite.json",
		Scope:  ScopeStyleSprites,
		Target: pathf("sprites/%s.json"),
		Stamp:  pathf("styles/%s.json"),
		Fetch:  fetchSprite(client.SpriteOptions{Format: client.SpriteJSON}),
	},
	{
		Name:   "sprite.draft.json",
		Scope:  ScopeStyleSprites,
		Target: pathf("sprites/%s.draft.json"),
		Stamp:  pathf("styles/%s.json"),
		Fetch:  fetchSprite(client.SpriteOptions{Format: client.SpriteJSON, Draft: true}),
	},
	{
		Name:   "sprite.png",
		Scope:  ScopeStyleSprites,
		Target: pathf("sprites/%s.png"),
		Stamp:  pathf("styles/%s.json"),
		Fetch:  fetchSprite(client.SpriteOptions{Format: client.SpritePNG}),
	},
	{
		Name:   "sprite@2x.png",
		Scope:  ScopeStyleSprites,
		Target: pathf("sprites/%s@2x.png"),
		Stamp:  pathf("styles/%s.json"),
		Fetch:  fetchSprite(client.SpriteOptions{Format: client.SpritePNG, HighRes: true}),
	},
}

// DatasetArtifacts are stored for every dataset.
var DatasetArtifacts = []ArtifactKind{
	{
		Name:   "features",
		Scope:  ScopeDatasetDocuments,
		Target: pathf("datasets/%s.json"),
		Stamp:  pathf("datasets/%s.json"),
		Fetch:  fetchFeatures,
	},
}

func fetchStyle(draft bool) FetchFunc {
	return func(ctx context.Context, api API, _ ratelimit.Budget, item client.Item, _ zerolog.Logger) ([]byte, error) {
		doc, err := api.GetStyle(ctx, item.ID, draft)
		if err != nil {
			return nil, err
		}
		return storage.IndentJSON(doc)
	}
}

func fetchSprite(opts client.SpriteOptions) FetchFunc {
	return func(ctx context.Context, api API, _ ratelimit.Budget, item client.Item, _ zerolog.Logger) ([]byte, error) {
		data, err := api.GetSprite(ctx, item.ID, opts)
		if err != nil {
			return nil, err
		}
		if opts.Format == client.SpriteJSON {
			return storage.IndentJSON(data)
		}
		return data, nil
	}
}

// featureCollection is the stored form of a dataset. Modified carries the
// dataset's modification time so the file can stamp itself.
type featureCollection struct {
	Type     string            `json:"type"`
	Modified string            `json:"modified,omitempty"`
	Features []json.RawMessage `json:"features"`
}

// fetchFeatures drains every feature page of a dataset. The first page is
// covered by the scheduler's admission; later pages draw their own budget.
// A collection with any failed page is not stored.
func fetchFeatures(ctx context.Context, api API, budget ratelimit.Budget, item client.Item, logger zerolog.Logger) ([]byte, error) {
	result := pagination.DrainWithLogger(ctx, logger, func(ctx context.Context, ref string) (pagination.Page[json.RawMessage], error) {
		if ref != "" {
			if err := budget.Wait(ctx); err != nil {
				return pagination.Page[json.RawMessage]{}, err
			}
		}
		return api.ListFeatures(ctx, item.ID, ref)
	})
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("list features: %w", err)
	}

	fc := featureCollection{
		Type:     "FeatureCollection",
		Features: result.Items,
	}
	if fc.Features == nil {
		fc.Features = []json.RawMessage{}
	}
	if !item.Modified.IsZero() {
		fc.Modified = item.Modified.UTC().Format(time.RFC3339Nano)
	}
	return storage.MarshalIndent(fc)
}
