// Package registry tracks subscribers per instrument and fans out quotes.
//
// The Registry:
//   - Owns the Watch Set: every instrument with a live subscription or pin
//   - Hands out unsubscribe funcs bound to a uuid subscription handle
//   - Delivers each published quote to every live callback for its key
//   - Emits a coalesced change signal whenever the Watch Set changes
//
// A panicking callback is recovered and logged; delivery to the remaining
// callbacks continues.
package registry
