package client

import (
	"net/http"

	"github.com/tomnomnom/linkheader"
)

// NextLink returns the target of the rel="next" entry of the Link headers, or
// "" when the response is the last page.
//
//	Link: <https://api.mapbox.com/styles/v1/acme?start=cjxyz>; rel="next"
func NextLink(header http.Header) string {
	for _, link := range linkheader.ParseMultiple(header.Values("Link")).FilterByRel("next") {
		return link.URL
	}
	return ""
}
