// Package cache stores Mapbox API responses so that repeated backups can
// revalidate style documents and sprites with conditional requests instead of
// downloading them again.
//
// Entries are kept in a Backend: Redis when several machines back up the same
// account, or an in-process memory cache for a single run.
//
// # Basic Usage
//
//	backend := cache.NewRedisBackend(redis.NewClient(&redis.Options{
//		Addr: "localhost:6379",
//	}))
//	manager := cache.NewManager(backend, cache.DefaultRetention)
//
//	key := cache.CacheKey{
//		Endpoint:    "/styles/v1/acme/cjxyz",
//		QueryParams: url.Values{"fresh": []string{"true"}},
//	}
//
//	entry, err := manager.Get(ctx, key)
//	if err == cache.ErrCacheMiss {
//		// fetch from the API
//	}
//
// # Conditional Requests
//
//	if entry.HasValidator() {
//		cache.AddConditionalHeaders(req, entry)
//		// a 304 response means entry.Data is still current
//	}
//
// # Metrics
//
//   - mapbox_cache_hits_total{layer} - Cache hits
//   - mapbox_cache_misses_total - Cache misses
//   - mapbox_cache_size_bytes{layer} - Bytes written to the cache
//   - mapbox_304_responses_total - Conditional request successes
//   - mapbox_conditional_requests_total - Conditional requests sent
//   - mapbox_cache_errors_total{operation} - Cache operation errors
//
// Access tokens never become part of a cache key.
package cache
