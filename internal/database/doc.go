// Package database provides the PostgreSQL/TimescaleDB connection pool used
// by the quote archive.
package database
