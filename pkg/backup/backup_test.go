package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/mapbox-backup/internal/testutil"
	"github.com/Sternrassler/mapbox-backup/pkg/client"
	"github.com/Sternrassler/mapbox-backup/pkg/incremental"
	"github.com/Sternrassler/mapbox-backup/pkg/scheduler"
	"github.com/Sternrassler/mapbox-backup/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	styleModified   = "2024-01-02T00:00:00.000Z"
	datasetModified = "2024-03-01T12:00:00.000Z"
)

// account is a mock Mapbox account with one style, one tileset, one dataset
// and two tokens.
type account struct {
	mock  *testutil.MockMapbox
	api   *client.Client
	store *storage.FileStore
	dir   string
}

func newAccount(t *testing.T) *account {
	t.Helper()

	mock := testutil.NewMockMapbox("acme")
	t.Cleanup(mock.Close)

	mock.SetPages("/styles/v1/acme",
		`[{"id":"s1","name":"Streets","modified":"`+styleModified+`"}]`,
		`[{"id":"s2","name":"Outdoors","modified":"`+styleModified+`"}]`,
	)
	for _, id := range []string{"s1", "s2"} {
		doc := `{"version":8,"id":"` + id + `","modified":"` + styleModified + `"}`
		mock.SetResponse("/styles/v1/acme/"+id, testutil.MockResponse{Body: doc})
		mock.SetResponse("/styles/v1/acme/"+id+"/draft", testutil.MockResponse{Body: doc})
		mock.SetResponse("/styles/v1/acme/"+id+"/sprite.json", testutil.MockResponse{Body: `{"icon":{"x":0}}`})
		mock.SetResponse("/styles/v1/acme/"+id+"/draft/sprite.json", testutil.MockResponse{Body: `{"icon":{"x":1}}`})
		mock.SetResponse("/styles/v1/acme/"+id+"/sprite.png", testutil.MockResponse{Body: "png-1x"})
		mock.SetResponse("/styles/v1/acme/"+id+"/sprite@2x.png", testutil.MockResponse{Body: "png-2x"})
	}

	mock.SetPages("/tilesets/v1/acme", `[{"id":"acme.tiles","modified":"2023-06-01T00:00:00.000Z"}]`)
	mock.SetPages("/datasets/v1/acme", `[{"id":"ds1","modified":"`+datasetModified+`"}]`)
	mock.SetPages("/datasets/v1/acme/ds1/features",
		`{"type":"FeatureCollection","features":[{"type":"Feature","id":"f1"}]}`,
		`{"type":"FeatureCollection","features":[{"type":"Feature","id":"f2"}]}`,
	)
	mock.SetPages("/tokens/v2/acme", `[{"id":"tk1","token":"pk.x"},{"id":"tk2","token":"pk.y"}]`)

	cfg := client.DefaultConfig(mock.Token())
	cfg.BaseURL = mock.URL()
	api, err := client.New(cfg)
	require.NoError(t, err)

	dir := t.TempDir()
	store, err := storage.NewFileStore(dir)
	require.NoError(t, err)

	return &account{mock: mock, api: api, store: store, dir: dir}
}

func (a *account) read(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(a.dir, filepath.FromSlash(name)))
	require.NoError(t, err, name)
	return string(data)
}

func (a *account) exists(name string) bool {
	_, err := os.Stat(filepath.Join(a.dir, filepath.FromSlash(name)))
	return err == nil
}

var testAccountNotFound = testutil.MockResponse{StatusCode: http.StatusNotFound, Body: `{"message":"Not Found"}`}

func testOptions(scopes ...Scope) Options {
	return Options{
		Scopes:    NewScopes(scopes...),
		Scheduler: scheduler.Config{MaxRetries: 5, RetryBackoff: time.Millisecond},
	}
}

func (a *account) job(category Category, scopes Scopes, progress *Progress) *Job {
	return NewJob(category, JobConfig{
		API:       a.api,
		Store:     a.store,
		Policy:    incremental.New(a.store, zerolog.Nop()),
		Scopes:    scopes,
		Progress:  progress,
		Scheduler: scheduler.Config{MaxRetries: 5, RetryBackoff: time.Millisecond},
	}, zerolog.Nop())
}

func category(t *testing.T, name string) Category {
	t.Helper()
	for _, c := range Categories() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("no category %q", name)
	return Category{}
}

func TestCategories_Order(t *testing.T) {
	var names []string
	for _, c := range Categories() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"styles", "tilesets", "datasets", "tokens"}, names)
	assert.Equal(t, 64, category(t, "styles").Concurrency)
	assert.Equal(t, 8, category(t, "datasets").Concurrency)
}

func TestJob_StylesFullBackup(t *testing.T) {
	a := newAccount(t)
	job := a.job(category(t, "styles"), NewScopes(), nil)

	result := job.Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, StateDone, job.State())
	assert.Equal(t, 2, result.Items)
	assert.Equal(t, 12, result.Artifacts.Total)
	assert.Equal(t, 12, result.Artifacts.Succeeded)
	assert.False(t, result.Partial())

	var listed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(a.read(t, "styles.json")), &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, "s1", listed[0]["id"])
	assert.Equal(t, "Streets", listed[0]["name"], "unknown fields are preserved")
	assert.True(t, strings.HasPrefix(a.read(t, "styles.json"), "[\n  {\n    \"id\""), "listing is indented")

	assert.Contains(t, a.read(t, "styles/s1.json"), `"modified": "`+styleModified+`"`)
	assert.True(t, a.exists("styles/s1.draft.json"))
	assert.Contains(t, a.read(t, "sprites/s1.json"), "\n  \"icon\"")
	assert.True(t, a.exists("sprites/s1.draft.json"))
	assert.Equal(t, "png-1x", a.read(t, "sprites/s2.png"))
	assert.Equal(t, "png-2x", a.read(t, "sprites/s2@2x.png"))
}

func TestJob_SecondRunSkipsCurrentArtifacts(t *testing.T) {
	a := newAccount(t)
	ctx := context.Background()

	first := a.job(category(t, "styles"), NewScopes(), nil).Run(ctx)
	require.NoError(t, first.Err)
	before := a.mock.Requests("/styles/v1/acme/s1/sprite@2x.png")

	second := a.job(category(t, "styles"), NewScopes(), nil).Run(ctx)

	require.NoError(t, second.Err)
	assert.Equal(t, 12, second.Skipped)
	assert.Equal(t, 0, second.Artifacts.Total)
	assert.Equal(t, before, a.mock.Requests("/styles/v1/acme/s1/sprite@2x.png"))
	assert.Equal(t, 2, a.mock.Requests("/styles/v1/acme"), "listing is always refreshed")
}

func TestJob_RemoteNewerRefetches(t *testing.T) {
	a := newAccount(t)
	ctx := context.Background()

	require.NoError(t, a.store.Write(ctx, "styles/s1.json", []byte(`{"modified":"2024-01-01T00:00:00.000Z"}`)))
	require.NoError(t, a.store.Write(ctx, "styles/s2.json", []byte(`{"modified":"2024-01-03T00:00:00.000Z"}`)))

	result := a.job(category(t, "styles"), NewScopes(ScopeStyleDocuments), nil).Run(ctx)

	require.NoError(t, result.Err)
	assert.Equal(t, 1, a.mock.Requests("/styles/v1/acme/s1"), "local copy older than remote")
	assert.Equal(t, 0, a.mock.Requests("/styles/v1/acme/s2"), "local copy newer than remote")
	assert.Equal(t, 1, result.Skipped)
}

func TestJob_ListingFailure(t *testing.T) {
	a := newAccount(t)
	a.mock.SetHandler("/styles/v1/acme", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"boom"}`))
	})

	job := a.job(category(t, "styles"), NewScopes(), nil)
	result := job.Run(context.Background())

	assert.Equal(t, StateFailed, result.State)
	var listingErr *ListingError
	require.ErrorAs(t, result.Err, &listingErr)
	assert.Equal(t, "styles", listingErr.Category)

	assert.False(t, a.exists("styles.json"))
	assert.Equal(t, 0, a.mock.Requests("/styles/v1/acme/s1"), "no sub-artifacts without a listing")
	assert.Equal(t, 0, a.mock.Requests("/styles/v1/acme/s1/sprite.png"))
}

func TestJob_ListingRecoversThroughContinuation(t *testing.T) {
	a := newAccount(t)
	link := func(page int) string {
		return fmt.Sprintf(`<%s/styles/v1/acme?page=%d>; rel="next"`, a.mock.URL(), page)
	}
	a.mock.SetHandler("/styles/v1/acme", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "":
			w.Header().Set("Link", link(1))
			w.Write([]byte(`[{"id":"s1","modified":"` + styleModified + `"}]`))
		case "1":
			w.Header().Set("Link", link(2))
			w.Write([]byte(`not json`))
		default:
			w.Write([]byte(`[{"id":"s2","modified":"` + styleModified + `"}]`))
		}
	})

	var out bytes.Buffer
	result := a.job(category(t, "styles"), NewScopes(), NewProgress(&out, false)).Run(context.Background())

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, 2, result.Items)
	assert.Equal(t, 1, result.PageErrors)
	assert.True(t, result.Partial())
	assert.Equal(t, 12, result.Artifacts.Succeeded)

	var incomplete *IncompleteListingError
	require.ErrorAs(t, result.Err, &incomplete)
	assert.Equal(t, 1, incomplete.Failed)
	assert.Equal(t, 3, incomplete.Pages)
	var listingErr *ListingError
	assert.False(t, errors.As(result.Err, &listingErr))

	var listed []map[string]any
	require.NoError(t, json.Unmarshal([]byte(a.read(t, "styles.json")), &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, "s1", listed[0]["id"])
	assert.Equal(t, "s2", listed[1]["id"])
	assert.Equal(t, 1, a.mock.Requests("/styles/v1/acme/s1"))
	assert.Equal(t, 1, a.mock.Requests("/styles/v1/acme/s2"))
	assert.Contains(t, out.String(), MarkPartial+" 2/3")
}

func TestJob_ListingTruncatedKeepsPreviousListing(t *testing.T) {
	a := newAccount(t)
	ctx := context.Background()
	require.NoError(t, a.store.Write(ctx, "styles.json", []byte(`[{"id":"old"}]`)))
	a.mock.SetHandler("/styles/v1/acme", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			w.Header().Set("Link", fmt.Sprintf(`<%s/styles/v1/acme?page=1>; rel="next"`, a.mock.URL()))
			w.Write([]byte(`[{"id":"s1","modified":"` + styleModified + `"}]`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"boom"}`))
	})

	result := a.job(category(t, "styles"), NewScopes(), nil).Run(ctx)

	assert.Equal(t, StateFailed, result.State)
	var listingErr *ListingError
	require.ErrorAs(t, result.Err, &listingErr)
	assert.Equal(t, `[{"id":"old"}]`, a.read(t, "styles.json"))
	assert.Equal(t, 0, a.mock.Requests("/styles/v1/acme/s1"))
}

func TestJob_PartialArtifactFailure(t *testing.T) {
	a := newAccount(t)
	a.mock.SetResponse("/styles/v1/acme/s2/sprite@2x.png", testutil.MockResponse{StatusCode: http.StatusNotFound, Body: `{"message":"Not Found"}`})

	var out bytes.Buffer
	result := a.job(category(t, "styles"), NewScopes(ScopeStyleSprites), NewProgress(&out, false)).Run(context.Background())

	assert.Equal(t, StateDone, result.State)
	assert.True(t, result.Partial())
	assert.Equal(t, 1, result.Artifacts.Failed)
	assert.Equal(t, 7, result.Artifacts.Succeeded)

	var partial *PartialArtifactError
	require.ErrorAs(t, result.Err, &partial)
	assert.Equal(t, 1, partial.Failed)
	assert.Equal(t, 8, partial.Total)
	assert.Equal(t, 1, a.mock.Requests("/styles/v1/acme/s2/sprite@2x.png"), "404 is not retried")

	assert.False(t, a.exists("sprites/s2@2x.png"))
	assert.Contains(t, out.String(), MarkPartial+" 7/8")
}

func TestJob_ThrottledArtifactRetried(t *testing.T) {
	a := newAccount(t)
	a.mock.Throttle("/styles/v1/acme/s1/sprite.png", 3)

	result := a.job(category(t, "styles"), NewScopes(ScopeStyleSprites), nil).Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, 4, a.mock.Requests("/styles/v1/acme/s1/sprite.png"))
	assert.Equal(t, "png-1x", a.read(t, "sprites/s1.png"))
}

func TestJob_ThrottledArtifactGivesUp(t *testing.T) {
	a := newAccount(t)
	a.mock.Throttle("/styles/v1/acme/s1/sprite.png", 100)

	result := a.job(category(t, "styles"), NewScopes(ScopeStyleSprites), nil).Run(context.Background())

	assert.Equal(t, StateDone, result.State)
	assert.Equal(t, 1, result.Artifacts.Failed)
	assert.Equal(t, 6, a.mock.Requests("/styles/v1/acme/s1/sprite.png"), "initial attempt plus 5 retries")
	assert.ErrorIs(t, result.Err, scheduler.ErrRetryExhausted)
}

func TestNewJob_SchedulerDefaultsPerField(t *testing.T) {
	tests := []struct {
		name        string
		config      scheduler.Config
		wantRetries int
		wantBackoff time.Duration
	}{
		{"zero", scheduler.Config{}, 5, time.Second},
		{"backoff only", scheduler.Config{RetryBackoff: time.Millisecond}, 5, time.Millisecond},
		{"retries only", scheduler.Config{MaxRetries: 2}, 2, time.Second},
		{"both", scheduler.Config{MaxRetries: 1, RetryBackoff: time.Millisecond}, 1, time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewJob(category(t, "styles"), JobConfig{Scheduler: tt.config}, zerolog.Nop())
			assert.Equal(t, tt.wantRetries, job.config.Scheduler.MaxRetries)
			assert.Equal(t, tt.wantBackoff, job.config.Scheduler.RetryBackoff)
			assert.Equal(t, 64, job.config.Scheduler.Concurrency)
		})
	}
}

func TestJob_BackoffOnlyConfigStillRetries(t *testing.T) {
	a := newAccount(t)
	a.mock.Throttle("/styles/v1/acme/s1/sprite.png", 3)

	result := NewJob(category(t, "styles"), JobConfig{
		API:       a.api,
		Store:     a.store,
		Scopes:    NewScopes(ScopeStyleSprites),
		Scheduler: scheduler.Config{RetryBackoff: time.Millisecond},
	}, zerolog.Nop()).Run(context.Background())

	require.NoError(t, result.Err)
	assert.Equal(t, 4, a.mock.Requests("/styles/v1/acme/s1/sprite.png"))
}

func TestJob_ListOnlyScope(t *testing.T) {
	a := newAccount(t)

	result := a.job(category(t, "styles"), NewScopes(ScopeStylesList), nil).Run(context.Background())

	require.NoError(t, result.Err)
	assert.True(t, a.exists("styles.json"))
	assert.False(t, a.exists("styles/s1.json"))
	assert.Equal(t, 0, result.Artifacts.Total)
}

func TestJob_DatasetFeatures(t *testing.T) {
	a := newAccount(t)
	ctx := context.Background()

	result := a.job(category(t, "datasets"), NewScopes(), nil).Run(ctx)
	require.NoError(t, result.Err)

	var fc struct {
		Type     string            `json:"type"`
		Modified string            `json:"modified"`
		Features []json.RawMessage `json:"features"`
	}
	require.NoError(t, json.Unmarshal([]byte(a.read(t, "datasets/ds1.json")), &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.Len(t, fc.Features, 2)

	modified, err := incremental.ParseTimestamp(fc.Modified)
	require.NoError(t, err)
	want, _ := incremental.ParseTimestamp(datasetModified)
	assert.True(t, modified.Equal(want))

	again := a.job(category(t, "datasets"), NewScopes(), nil).Run(ctx)
	require.NoError(t, again.Err)
	assert.Equal(t, 1, again.Skipped)
	assert.Equal(t, 2, a.mock.Requests("/datasets/v1/acme/ds1/features"), "two pages fetched once")
}

func TestJob_DatasetFeatureDrainLogsWithJobLogger(t *testing.T) {
	a := newAccount(t)
	var logs bytes.Buffer
	logger := zerolog.New(zerolog.SyncWriter(&logs)).Level(zerolog.DebugLevel)

	result := NewJob(category(t, "datasets"), JobConfig{
		API:       a.api,
		Store:     a.store,
		Scheduler: scheduler.Config{MaxRetries: 5, RetryBackoff: time.Millisecond},
	}, logger).Run(context.Background())
	require.NoError(t, result.Err)

	var found bool
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["message"] == "Drain complete" && entry["artifact"] == "datasets/ds1.json" {
			found = true
			assert.Equal(t, "datasets", entry["category"])
			assert.Equal(t, float64(2), entry["pages"])
		}
	}
	assert.True(t, found, "feature drain logs through the job logger")
}

func TestJob_DatasetFeaturePageFailureNotStored(t *testing.T) {
	a := newAccount(t)
	a.mock.SetPages("/datasets/v1/acme/ds1/features", `{"type":"FeatureCollection","features":`)

	result := a.job(category(t, "datasets"), NewScopes(), nil).Run(context.Background())

	assert.True(t, result.Partial())
	assert.False(t, a.exists("datasets/ds1.json"))
}

func TestJob_ConcurrencyBounded(t *testing.T) {
	a := newAccount(t)
	for _, id := range []string{"s1", "s2"} {
		a.mock.SetResponse("/styles/v1/acme/"+id+"/sprite.png", testutil.MockResponse{Body: "png", Delay: 20 * time.Millisecond})
	}
	styles := category(t, "styles")
	styles.Concurrency = 2

	result := a.job(styles, NewScopes(ScopeStyleSprites), nil).Run(context.Background())

	require.NoError(t, result.Err)
	assert.LessOrEqual(t, a.mock.PeakInFlight(), 2)
}
