// Package dedup implements the Request Deduplicator and Rate Limiter.
//
// The Deduplicator:
//   - Skips a watch-set fetch when an identical set (order independent) was
//     requested within the dedup window (default 5s)
//   - Coalesces concurrent identical upstream calls into one
//   - Gates upstream calls with a sliding-window counter (default 50 per 60s)
//   - Serves denied calls from the quote cache (stale entries allowed) and the
//     optional shared mirror, omitting instruments with nothing cached
package dedup
