// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Maintains one push (WebSocket) connection shared by every subscriber
//   - Probes endpoint availability before connecting
//   - Reconnects with capped exponential backoff and jitter
//   - Falls back permanently to polling once attempts are exhausted
//   - Resends the full Watch Set subscription whenever it changes
//   - Routes inbound frames to the quote sink
//
// All connection state is owned by a single event-loop goroutine; dial,
// probe and timer completions are delivered to it as events.
package connection
