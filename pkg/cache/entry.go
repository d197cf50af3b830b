package cache

import (
	"time"
)

// CacheEntry is a stored response body together with the validators needed
// to revalidate it.
type CacheEntry struct {
	Data []byte `json:"data"`

	// ETag is sent back as If-None-Match.
	ETag string `json:"etag,omitempty"`

	// LastModified is sent back as If-Modified-Since when there is no ETag.
	LastModified time.Time `json:"last_modified,omitempty"`

	ContentType string `json:"content_type,omitempty"`

	StoredAt time.Time `json:"stored_at"`

	// Expires is when the entry is dropped from the cache.
	Expires time.Time `json:"expires"`

	// Revalidations counts the 304 responses that reused this entry.
	Revalidations int `json:"revalidations"`
}

// HasValidator reports whether a conditional request can be made for e.
func (e *CacheEntry) HasValidator() bool {
	return e != nil && (e.ETag != "" || !e.LastModified.IsZero())
}

// IsExpired returns true if the entry is past its retention.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the remaining retention, or 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Revalidated records a 304 and keeps the entry for another retention period.
func (e *CacheEntry) Revalidated(retention time.Duration) {
	e.Revalidations++
	e.Expires = time.Now().Add(retention)
}
