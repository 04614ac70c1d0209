package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rwa-market/pricesync/internal/model"
)

// QuoteWriter consumes accepted quotes and writes them to the quote_ticks table.
type QuoteWriter struct {
	cfg    WriterConfig
	logger *slog.Logger

	input chan quoteRow
	now   func() time.Time

	// Database
	db BatchSender

	// Batching
	batch   []quoteRow
	batchMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Metrics
	metrics WriterMetrics
}

// NewQuoteWriter creates a new QuoteWriter.
func NewQuoteWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *QuoteWriter {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	return &QuoteWriter{
		cfg:    cfg,
		db:     db,
		logger: logger,
		input:  make(chan quoteRow, cfg.BufferSize),
		now:    time.Now,
		batch:  make([]quoteRow, 0, cfg.BatchSize),
		ctx:    context.Background(),
	}
}

// Enqueue hands q to the writer without blocking. Synthetic quotes are
// skipped; a full buffer drops the quote.
func (w *QuoteWriter) Enqueue(q model.Quote) bool {
	if q.IsSynthetic() {
		w.batchMu.Lock()
		w.metrics.Skipped++
		w.batchMu.Unlock()
		return false
	}

	select {
	case w.input <- w.transform(q):
		return true
	default:
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		w.logger.Warn("archive buffer full, dropping quote", "instrument", q.ID())
		return false
	}
}

// Start begins consuming quotes and writing to the database.
func (w *QuoteWriter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.consumeLoop()

	w.logger.Info("quote writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop drains buffered quotes, performs a final flush and shuts down.
func (w *QuoteWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping quote writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("quote writer stopped")
	case <-ctx.Done():
		w.logger.Warn("quote writer stop timed out")
		return ctx.Err()
	}

	// Final flush uses the caller's context; the writer's own is cancelled.
	w.drain()
	w.flush(ctx)
	return nil
}

// Stats returns current metrics.
func (w *QuoteWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop accumulates batches and flushes on size or interval.
func (w *QuoteWriter) consumeLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case row := <-w.input:
			if w.add(row) {
				w.flush(w.ctx)
			}
		case <-ticker.C:
			w.flush(w.ctx)
		}
	}
}

// add appends row and reports whether the batch is full.
func (w *QuoteWriter) add(row quoteRow) bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.batch = append(w.batch, row)
	return len(w.batch) >= w.cfg.BatchSize
}

// drain moves everything left in the input channel into the batch.
func (w *QuoteWriter) drain() {
	for {
		select {
		case row := <-w.input:
			w.add(row)
		default:
			return
		}
	}
}

// transform converts a Quote to a quoteRow.
func (w *QuoteWriter) transform(q model.Quote) quoteRow {
	return quoteRow{
		InstrumentID:     q.ID(),
		Chain:            q.Key.Chain,
		Address:          q.Key.Address,
		Symbol:           q.Key.Symbol,
		Price:            q.Price,
		Change24h:        q.Change24h,
		ChangePercent24h: q.ChangePercent24h,
		Volume24h:        q.Volume24h,
		MarketCap:        q.MarketCap,
		Source:           string(q.Source),
		ObservedAt:       q.ObservedAt.UTC(),
		ReceivedAt:       w.now().UTC(),
	}
}

// flush writes the current batch to the database.
func (w *QuoteWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]quoteRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed quotes",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *QuoteWriter) batchInsert(ctx context.Context, rows []quoteRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertQuoteSQL,
			r.InstrumentID, r.Chain, r.Address, r.Symbol, r.Price, r.Change24h, r.ChangePercent24h,
			r.Volume24h, r.MarketCap, r.Source, r.ObservedAt, r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

const insertQuoteSQL = `
	INSERT INTO quote_ticks (instrument_id, chain, address, symbol, price, change_24h, change_percent_24h, volume_24h, market_cap, source, observed_at, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (instrument_id, observed_at) DO NOTHING
`
