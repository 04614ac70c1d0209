// Package source adapts the upstream quote provider to the fetch path.
//
// The Adapter:
//   - Issues one batched pull request for a set of instruments
//   - Partitions the response back onto the requested keys
//   - Drops malformed or unrequested entries individually
//   - Synthesizes degraded quotes when the provider fails or times out
//
// Synthesized quotes carry Source=synthetic and no volume or market cap, and
// are returned together with ErrDegraded so callers never mistake them for
// upstream data.
package source
