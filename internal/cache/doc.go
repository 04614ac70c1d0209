// Package cache implements the Quote Cache component.
//
// The Quote Cache:
//   - Stores the last known quote per instrument with a fixed TTL (default 60s)
//   - Treats expired entries as absent and evicts them lazily on access
//   - Keeps expired entries reachable through GetStale up to a longer stale TTL
//     (default 5m) for rate-limit fallback
//   - Never lets an older quote replace a fresher cached one
//
// RedisMirror optionally shares successful pull results across processes.
package cache
