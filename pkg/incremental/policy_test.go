package incremental

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/mapbox-backup/pkg/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := ParseTimestamp(s)
	require.NoError(t, err)
	return ts
}

func newPolicy(t *testing.T, files map[string]string) *Policy {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	for name, body := range files {
		require.NoError(t, store.Write(context.Background(), name, []byte(body)))
	}
	return New(store, zerolog.Nop())
}

func TestDecide(t *testing.T) {
	remote := "2024-01-02T00:00:00.000Z"

	tests := []struct {
		name   string
		files  map[string]string
		target string
		stamp  string
		want   Decision
	}{
		{
			name:   "target missing",
			files:  map[string]string{},
			target: "styles/a.json",
			stamp:  "styles/a.json",
			want:   Fetch,
		},
		{
			name:   "local older",
			files:  map[string]string{"styles/a.json": `{"modified":"2024-01-01T00:00:00.000Z"}`},
			target: "styles/a.json",
			stamp:  "styles/a.json",
			want:   Fetch,
		},
		{
			name:   "local newer",
			files:  map[string]string{"styles/a.json": `{"modified":"2024-01-03T00:00:00.000Z"}`},
			target: "styles/a.json",
			stamp:  "styles/a.json",
			want:   Skip,
		},
		{
			name:   "local equal",
			files:  map[string]string{"styles/a.json": `{"modified":"2024-01-02T00:00:00Z"}`},
			target: "styles/a.json",
			stamp:  "styles/a.json",
			want:   Skip,
		},
		{
			name:   "malformed stamp",
			files:  map[string]string{"styles/a.json": `{"modified":`},
			target: "styles/a.json",
			stamp:  "styles/a.json",
			want:   Fetch,
		},
		{
			name:   "stamp without modified",
			files:  map[string]string{"styles/a.json": `{"id":"a"}`},
			target: "styles/a.json",
			stamp:  "styles/a.json",
			want:   Fetch,
		},
		{
			name:   "unparseable modified",
			files:  map[string]string{"styles/a.json": `{"modified":"yesterday"}`},
			target: "styles/a.json",
			stamp:  "styles/a.json",
			want:   Fetch,
		},
		{
			name: "sprite stamped by style document",
			files: map[string]string{
				"sprites/a.png": "png",
				"styles/a.json": `{"modified":"2024-01-03T00:00:00.000Z"}`,
			},
			target: "sprites/a.png",
			stamp:  "styles/a.json",
			want:   Skip,
		},
		{
			name:   "sprite without stamp document",
			files:  map[string]string{"sprites/a.png": "png"},
			target: "sprites/a.png",
			stamp:  "styles/a.json",
			want:   Fetch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPolicy(t, tt.files)
			got := p.Decide(context.Background(), mustTime(t, remote), tt.target, tt.stamp)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecide_ZeroRemoteFetches(t *testing.T) {
	p := newPolicy(t, map[string]string{"a.json": `{"modified":"2024-01-03T00:00:00Z"}`})

	assert.Equal(t, Fetch, p.Decide(context.Background(), time.Time{}, "a.json", "a.json"))
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Read(context.Context, string) ([]byte, error) { return nil, errors.New("io") }
func (failingStore) Write(context.Context, string, []byte) error  { return errors.New("io") }
func (failingStore) Exists(context.Context, string) (bool, error) { return false, errors.New("io") }
func (failingStore) Location() string                             { return "broken" }

func TestDecide_StoreErrorFetches(t *testing.T) {
	p := New(failingStore{}, zerolog.Nop())

	assert.Equal(t, Fetch, p.Decide(context.Background(), time.Now(), "a.json", "a.json"))
}

func TestLocalStateError(t *testing.T) {
	p := newPolicy(t, map[string]string{"a.json": `[]`})

	_, err := p.localModified(context.Background(), "a.json")

	var lse *LocalStateError
	require.ErrorAs(t, err, &lse)
	assert.Equal(t, "a.json", lse.Name)

	_, err = p.localModified(context.Background(), "missing.json")
	assert.ErrorIs(t, err, storage.ErrNotExist)
}

func TestParseTimestamp(t *testing.T) {
	a := mustTime(t, "2024-05-01T10:20:30.123Z")
	b := mustTime(t, "2024-05-01T10:20:30Z")
	assert.True(t, a.After(b))

	_, err := ParseTimestamp("2024-05-01")
	assert.Error(t, err)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "fetch", Fetch.String())
	assert.Equal(t, "skip", Skip.String())
}
