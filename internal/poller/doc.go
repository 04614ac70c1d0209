// Package poller implements the Polling Scheduler component.
//
// The Polling Scheduler:
//   - Pulls quotes for the current Watch Set on a fixed interval
//   - Polls once immediately on start
//   - Goes through the deduplicated, rate-limited fetch path
//   - Keeps ticking after failed polls
//   - Runs only while the push transport is in fallback
package poller
