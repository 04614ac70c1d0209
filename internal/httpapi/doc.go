// Package httpapi serves the engine's observable state and quotes over HTTP.
//
// Routes:
//   - GET  /health               liveness and build info
//   - GET  /status               connection state, error, degraded flag
//   - GET  /quotes               latest quote of every watched instrument
//   - GET  /quotes/:chain/:id    one quote; id is an address (0x...) or a symbol
//   - POST /quotes/refresh       manual pull through the dedup path
//   - POST /reconnect            manual push reconnect
//   - GET  /watch                the Watch Set
//   - POST /watch, DELETE /watch add or remove callback-less interest
package httpapi
