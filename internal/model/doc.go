// Package model defines the shared quote types used across pricesync.
//
// Conventions:
//   - Prices: float64 in the quote currency (USD)
//   - Timestamps: time.Time in memory, int64 milliseconds since Unix epoch on the wire
//   - Instrument identity: InstrumentKey.ID(), lower-case chain and address
package model
