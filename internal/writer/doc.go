// Package writer archives accepted quotes to TimescaleDB.
//
// The QuoteWriter batches quotes and inserts them into quote_ticks with
// append-only semantics: a row for an (instrument, observed_at) pair that
// already exists is skipped, never updated. Synthetic quotes are not archived.
package writer
