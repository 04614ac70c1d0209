// Package engine is the public face of the price synchronization subsystem.
//
// It owns one of each component and wires them together:
//   - Subscriber Registry: callbacks and the Watch Set
//   - Quote Cache: TTL read-through store
//   - Fetcher: dedup, rate limit and the quote source adapter
//   - Poller: pull transport, started by the Connection Manager in Polling
//   - Connection Manager: push transport state machine
//
// Quotes from both transports flow through a single publish path that keeps
// only quotes newer than the last one seen per instrument.
package engine
