// Package pagination drains page-at-a-time Mapbox endpoints into one collection.
//
// Mapbox list endpoints return a page of items plus a Link header pointing at the
// next page. Drain follows those continuations until the endpoint is exhausted and
// hands back every item in fetch order.
//
// Example usage:
//
//	result := pagination.Drain(ctx, func(ctx context.Context, ref string) (pagination.Page[client.Item], error) {
//		return api.ListStyles(ctx, ref)
//	})
//	if err := result.Err(); err != nil {
//		// nil, one error, or *pagination.MultiError
//	}
//
// Draining:
//   - Starts with an empty reference (first page)
//   - Appends items in page order, no de-duplication
//   - Records a failed page and keeps going while it still offers a continuation
//   - Stops at the first page without a continuation
package pagination
