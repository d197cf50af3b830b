// Package client is a small Mapbox API client covering the endpoints a backup
// needs: account listings and the style documents, sprites and dataset features
// behind them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/mapbox-backup/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapbox_requests_total",
		Help: "Total Mapbox API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mapbox_request_duration_seconds",
		Help:    "Mapbox API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mapbox_errors_total",
		Help: "Total Mapbox API errors by class",
	}, []string{"class"})
)

// DefaultBaseURL is the public Mapbox API.
const DefaultBaseURL = "https://api.mapbox.com"

// Client talks to the Mapbox API on behalf of one account.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	cache      *cache.Manager
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// AccessToken is sent as the access_token query parameter (REQUIRED).
	AccessToken string

	// Username is the account whose resources are listed. Read from the
	// token when empty.
	Username string

	BaseURL   string
	UserAgent string

	// PageLimit is sent as the limit parameter of list calls. 0 uses the API default.
	PageLimit int

	// Timeout applies to each HTTP request.
	Timeout time.Duration

	// Cache enables conditional requests for style documents and sprites.
	Cache *cache.Manager
}

// DefaultConfig returns a configuration for the public API.
func DefaultConfig(accessToken string) Config {
	return Config{
		AccessToken: accessToken,
		BaseURL:     DefaultBaseURL,
		UserAgent:   "mapbox-backup",
		Timeout:     60 * time.Second,
	}
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.AccessToken == "" {
		return nil, ErrNoToken
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}

	if cfg.Username == "" {
		username, err := UsernameFromToken(cfg.AccessToken)
		if err != nil {
			return nil, err
		}
		cfg.Username = username
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    base,
		cache:      cfg.Cache,
		config:     cfg,
		logger:     log.With().Str("component", "mapbox-client").Str("account", cfg.Username).Logger(),
	}, nil
}

// Username returns the account the client lists.
func (c *Client) Username() string {
	return c.config.Username
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// endpointURL builds an absolute URL for path with the token and params set.
func (c *Client) endpointURL(path string, params url.Values) string {
	u := *c.baseURL
	u.Path = c.baseURL.Path + path
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("access_token", c.config.AccessToken)
	u.RawQuery = q.Encode()
	return u.String()
}

// withToken makes sure a continuation URL carries the access token.
func (c *Client) withToken(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid continuation %q: %w", redact(ref), err)
	}
	q := u.Query()
	if q.Get("access_token") == "" {
		q.Set("access_token", c.config.AccessToken)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Do executes req, classifying failures as *APIError. A 2xx or 304 response is
// returned unchanged; any other status is closed and turned into an error.
func (c *Client) Do(req *http.Request, endpoint string) (*http.Response, error) {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("path", req.URL.Path).
		Msg("Executing Mapbox request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &APIError{
			ErrorClass: classifyError(nil, err),
			Endpoint:   endpoint,
			Message:    "request failed",
			Err:        redactURLError(err),
		}
	}

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode < 400 {
		return resp, nil
	}

	defer resp.Body.Close()
	class := classifyError(resp, nil)
	errorsTotal.WithLabelValues(string(class)).Inc()

	c.logger.Warn().
		Str("endpoint", endpoint).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Str("error_class", string(class)).
		Msg("Mapbox request error")

	return nil, &APIError{
		StatusCode: resp.StatusCode,
		ErrorClass: class,
		Endpoint:   endpoint,
		Message:    errorMessage(resp),
	}
}

// get fetches rawURL and returns the body. With a cache configured the
// request is made conditional and a 304 answers from the cached entry.
func (c *Client) get(ctx context.Context, rawURL, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var (
		cacheKey cache.CacheKey
		cached   *cache.CacheEntry
	)
	if c.cache != nil {
		cacheKey = cache.KeyFromURL(req.URL)
		cached, err = c.cache.Get(ctx, cacheKey)
		if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Warn().Err(err).Str("endpoint", endpoint).Msg("Cache get error")
		}
		if cached.HasValidator() {
			cache.AddConditionalHeaders(req, cached)
			cache.ConditionalRequestsSent.Inc()
		}
	}

	resp, err := c.Do(req, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		cache.NotModifiedResponses.Inc()
		c.logger.Debug().Str("endpoint", endpoint).Msg("304 Not Modified - using cache")
		if err := c.cache.Touch(ctx, cacheKey); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to extend cache entry")
		}
		return cached.Data, nil
	}

	if c.cache != nil && resp.StatusCode == http.StatusOK {
		entry, err := cache.ResponseToEntry(resp, c.cache.Retention())
		if err != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Endpoint: endpoint, Message: "read body", Err: err}
		}
		if entry.HasValidator() {
			if err := c.cache.Set(ctx, cacheKey, entry); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to cache response")
			}
		}
		return entry.Data, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Endpoint: endpoint, Message: "read body", Err: err}
	}
	return body, nil
}

// errorMessage extracts the "message" field Mapbox puts in error bodies.
func errorMessage(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return resp.Status
}

// redact removes the access token from a URL for logs and errors.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has("access_token") {
		q.Set("access_token", "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func redactURLError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &url.Error{Op: urlErr.Op, URL: redact(urlErr.URL), Err: urlErr.Err}
	}
	return err
}
