package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Sternrassler/mapbox-backup/pkg/pagination"
)

// Item is one entry of an account listing. Raw keeps the entry exactly as the
// API returned it so that backups preserve fields this package does not know.
type Item struct {
	ID       string
	Modified time.Time
	Raw      json.RawMessage
}

// UnmarshalJSON keeps the raw document and reads id and modified from it.
func (i *Item) UnmarshalJSON(data []byte) error {
	var head struct {
		ID       string `json:"id"`
		Modified string `json:"modified"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}

	i.ID = head.ID
	i.Raw = append(json.RawMessage(nil), data...)
	i.Modified = time.Time{}
	if head.Modified != "" {
		if t, err := time.Parse(time.RFC3339Nano, head.Modified); err == nil {
			i.Modified = t
		}
	}
	return nil
}

// MarshalJSON writes the raw document back out.
func (i Item) MarshalJSON() ([]byte, error) {
	if len(i.Raw) == 0 {
		return []byte("null"), nil
	}
	return i.Raw, nil
}

// ListStyles fetches one page of the account's styles.
func (c *Client) ListStyles(ctx context.Context, ref string) (pagination.Page[Item], error) {
	return listPage[Item](ctx, c, "styles.list", "/styles/v1/"+c.Username(), ref)
}

// ListTilesets fetches one page of the account's tilesets.
func (c *Client) ListTilesets(ctx context.Context, ref string) (pagination.Page[Item], error) {
	return listPage[Item](ctx, c, "tilesets.list", "/tilesets/v1/"+c.Username(), ref)
}

// ListDatasets fetches one page of the account's datasets.
func (c *Client) ListDatasets(ctx context.Context, ref string) (pagination.Page[Item], error) {
	return listPage[Item](ctx, c, "datasets.list", "/datasets/v1/"+c.Username(), ref)
}

// ListTokens fetches one page of the account's tokens.
func (c *Client) ListTokens(ctx context.Context, ref string) (pagination.Page[Item], error) {
	return listPage[Item](ctx, c, "tokens.list", "/tokens/v2/"+c.Username(), ref)
}

// ListFeatures fetches one page of a dataset's features. The page items are
// GeoJSON features exactly as returned.
func (c *Client) ListFeatures(ctx context.Context, datasetID, ref string) (pagination.Page[json.RawMessage], error) {
	path := fmt.Sprintf("/datasets/v1/%s/%s/features", c.Username(), datasetID)

	var page pagination.Page[json.RawMessage]
	body, next, err := c.fetchPage(ctx, "features.list", path, ref)
	page.Next, page.HasNext = next, next != ""
	if err != nil {
		return page, err
	}

	var collection struct {
		Features []json.RawMessage `json:"features"`
	}
	if err := json.Unmarshal(body, &collection); err != nil {
		return page, &APIError{StatusCode: http.StatusOK, ErrorClass: ErrorClassDecode, Endpoint: "features.list", Message: "decode feature collection", Err: err}
	}
	page.Items = collection.Features
	return page, nil
}

// listPage fetches and decodes one page of a JSON array listing.
func listPage[T any](ctx context.Context, c *Client, endpoint, path, ref string) (pagination.Page[T], error) {
	var page pagination.Page[T]
	body, next, err := c.fetchPage(ctx, endpoint, path, ref)
	page.Next, page.HasNext = next, next != ""
	if err != nil {
		return page, err
	}

	if err := json.Unmarshal(body, &page.Items); err != nil {
		return page, &APIError{StatusCode: http.StatusOK, ErrorClass: ErrorClassDecode, Endpoint: endpoint, Message: "decode listing", Err: err}
	}
	return page, nil
}

// fetchPage requests the first page of path (empty ref) or the continuation
// ref. The returned continuation comes from the Link header and is kept when
// the body turns out to be unusable, so draining can carry on; when no
// response arrived at all there is no continuation.
func (c *Client) fetchPage(ctx context.Context, endpoint, path, ref string) ([]byte, string, error) {
	var target string
	if ref == "" {
		params := url.Values{}
		if c.config.PageLimit > 0 {
			params.Set("limit", strconv.Itoa(c.config.PageLimit))
		}
		target = c.endpointURL(path, params)
	} else {
		var err error
		if target, err = c.withToken(ref); err != nil {
			return nil, "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req, endpoint)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	next := NextLink(resp.Header)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, next, &APIError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Endpoint: endpoint, Message: "read body", Err: err}
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Bool("has_next", next != "").
		Int("bytes", len(body)).
		Msg("Fetched page")

	return body, next, nil
}

// GetStyle fetches a style document, the draft when draft is set.
func (c *Client) GetStyle(ctx context.Context, styleID string, draft bool) (json.RawMessage, error) {
	path := "/styles/v1/" + c.Username() + "/" + styleID
	if draft {
		path += "/draft"
	}

	body, err := c.get(ctx, c.endpointURL(path, url.Values{"fresh": []string{"true"}}), "styles.get")
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &APIError{StatusCode: http.StatusOK, ErrorClass: ErrorClassDecode, Endpoint: "styles.get", Message: "style is not valid JSON"}
	}
	return body, nil
}

// SpriteFormat is the representation of a sprite.
type SpriteFormat string

const (
	// SpriteJSON is the sprite index document.
	SpriteJSON SpriteFormat = "json"

	// SpritePNG is the sprite sheet image.
	SpritePNG SpriteFormat = "png"
)

// SpriteOptions selects a sprite variant.
type SpriteOptions struct {
	Format  SpriteFormat
	Draft   bool
	HighRes bool
}

// GetSprite fetches a style's sprite index or image.
func (c *Client) GetSprite(ctx context.Context, styleID string, opts SpriteOptions) ([]byte, error) {
	if opts.Format == "" {
		opts.Format = SpriteJSON
	}

	path := "/styles/v1/" + c.Username() + "/" + styleID
	if opts.Draft {
		path += "/draft"
	}
	path += "/sprite"
	if opts.HighRes {
		path += "@2x"
	}
	path += "." + string(opts.Format)

	return c.get(ctx, c.endpointURL(path, nil), "sprites.get")
}
