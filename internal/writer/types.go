package writer

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// WriterConfig configures a batch writer.
type WriterConfig struct {
	BatchSize     int           // Rows per insert batch (default: 500)
	FlushInterval time.Duration // Max time a row waits in a batch (default: 1s)
	BufferSize    int           // Input channel capacity (default: 10000)
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// WriterMetrics tracks writer activity.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64 // Input buffer full
	Skipped   int64 // Synthetic quotes
}

// BatchSender sends a pgx batch. *pgxpool.Pool satisfies it.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// quoteRow is one quote_ticks row.
type quoteRow struct {
	InstrumentID     string
	Chain            string
	Address          string
	Symbol           string
	Price            float64
	Change24h        float64
	ChangePercent24h float64
	Volume24h        *float64
	MarketCap        *float64
	Source           string
	ObservedAt       time.Time
	ReceivedAt       time.Time
}
