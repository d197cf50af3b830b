package client

import (
	"net/http"
	"testing"
)

func TestNextLink(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   string
	}{
		{
			name:   "next only",
			values: []string{`<https://api.mapbox.com/styles/v1/acme?start=abc>; rel="next"`},
			want:   "https://api.mapbox.com/styles/v1/acme?start=abc",
		},
		{
			name:   "next among others",
			values: []string{`<https://x/a?p=1>; rel="prev", <https://x/a?p=3>; rel="next"`},
			want:   "https://x/a?p=3",
		},
		{
			name:   "unquoted rel",
			values: []string{`<https://x/a?p=2>; rel=next`},
			want:   "https://x/a?p=2",
		},
		{
			name:   "mapbox start cursor",
			values: []string{`<https://api.mapbox.com/datasets/v1/acme/ds1/features?start=f9&limit=100>; rel="next"`},
			want:   "https://api.mapbox.com/datasets/v1/acme/ds1/features?start=f9&limit=100",
		},
		{
			name:   "first next wins",
			values: []string{`<https://x/a?p=1>; rel="next", <https://x/a?p=9>; rel="next"`},
			want:   "https://x/a?p=1",
		},
		{
			name:   "separate header lines",
			values: []string{`<https://x/a?p=0>; rel="first"`, `<https://x/a?p=1>; rel="next"`},
			want:   "https://x/a?p=1",
		},
		{
			name:   "last page",
			values: []string{`<https://x/a?p=0>; rel="first"`},
			want:   "",
		},
		{
			name: "no header",
			want: "",
		},
		{
			name:   "malformed",
			values: []string{`https://x/a; rel="next"`},
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			for _, v := range tt.values {
				header.Add("Link", v)
			}
			if got := NextLink(header); got != tt.want {
				t.Errorf("NextLink() = %q, want %q", got, tt.want)
			}
		})
	}
}
