package cache

import (
	"net/url"
	"testing"
)

func TestCacheKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  CacheKey
		want string
	}{
		{
			name: "simple endpoint no params",
			key:  CacheKey{Endpoint: "/styles/v1/acme/"},
			want: "mapbox:styles/v1/acme",
		},
		{
			name: "endpoint with query params",
			key: CacheKey{
				Endpoint:    "/styles/v1/acme/cjxyz",
				QueryParams: url.Values{"fresh": []string{"true"}},
			},
			want: "mapbox:styles/v1/acme/cjxyz:fresh=true",
		},
		{
			name: "query params sorted",
			key: CacheKey{
				Endpoint: "/datasets/v1/acme/ds1/features",
				QueryParams: url.Values{
					"start": []string{"f10"},
					"limit": []string{"100"},
				},
			},
			want: "mapbox:datasets/v1/acme/ds1/features:limit=100:start=f10",
		},
		{
			name: "access token excluded",
			key: CacheKey{
				Endpoint: "/styles/v1/acme/cjxyz/sprite@2x.png",
				QueryParams: url.Values{
					"access_token": []string{"pk.secret"},
				},
			},
			want: "mapbox:styles/v1/acme/cjxyz/sprite@2x.png",
		},
		{
			name: "empty key",
			key:  CacheKey{},
			want: "mapbox",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("CacheKey.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyFromURL(t *testing.T) {
	u, err := url.Parse("https://api.mapbox.com/styles/v1/acme/cjxyz?fresh=true&access_token=sk.abc")
	if err != nil {
		t.Fatal(err)
	}

	got := KeyFromURL(u).String()
	want := "mapbox:styles/v1/acme/cjxyz:fresh=true"
	if got != want {
		t.Errorf("KeyFromURL() = %q, want %q", got, want)
	}
}
