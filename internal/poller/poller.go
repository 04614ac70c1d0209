package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rwa-market/pricesync/internal/dedup"
	"github.com/rwa-market/pricesync/internal/model"
)

// WatchSource provides the instruments to poll.
type WatchSource interface {
	WatchSet() []model.InstrumentKey
}

// Fetcher resolves quotes for a set of instruments.
type Fetcher interface {
	Fetch(ctx context.Context, keys []model.InstrumentKey) (dedup.Result, error)
}

// Handler receives the outcome of every poll.
type Handler interface {
	HandleTick(result dedup.Result, err error)
}

// HandlerFunc is a function adapter for Handler.
type HandlerFunc func(dedup.Result, error)

func (f HandlerFunc) HandleTick(r dedup.Result, err error) {
	f(r, err)
}

// Config holds poller configuration.
type Config struct {
	Interval time.Duration // Poll interval (default: 30s)
	Timeout  time.Duration // Per-poll timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// Stats contains poller statistics.
type Stats struct {
	Running  bool
	Interval time.Duration
	Ticks    int64
	Failures int64
	LastTick time.Time
}

// Poller periodically pulls quotes for the Watch Set.
type Poller struct {
	fetcher Fetcher
	watch   WatchSource
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	cfg     Config
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	ticks    atomic.Int64
	failures atomic.Int64
	lastTick atomic.Int64 // unix nanos
}

// New creates a new Poller.
func New(cfg Config, fetcher Fetcher, watch WatchSource, handler Handler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:     cfg,
		fetcher: fetcher,
		watch:   watch,
		handler: handler,
		logger:  logger,
	}
}

// SetInterval changes the poll interval. It applies from the next Start.
func (p *Poller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	p.mu.Lock()
	p.cfg.Interval = d
	p.mu.Unlock()
}

// Interval returns the configured poll interval.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Interval
}

// Running reports whether the polling loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start begins the polling loop. Starting a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.running = true

	go p.run(loopCtx, p.cfg, done)

	p.logger.Info("quote poller started", "interval", p.cfg.Interval)

	return nil
}

// Stop shuts down the polling loop. No handler call happens after Stop returns,
// unless ctx expires first.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.cancel = nil
	p.done = nil
	p.mu.Unlock()

	cancel()

	select {
	case <-done:
		p.logger.Info("quote poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (p *Poller) Stats() Stats {
	s := Stats{
		Running:  p.Running(),
		Interval: p.Interval(),
		Ticks:    p.ticks.Load(),
		Failures: p.failures.Load(),
	}
	if ns := p.lastTick.Load(); ns > 0 {
		s.LastTick = time.Unix(0, ns)
	}
	return s
}

// run is the main polling loop.
func (p *Poller) run(ctx context.Context, cfg Config, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start.
	p.poll(ctx, cfg.Timeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx, cfg.Timeout)
		}
	}
}

// poll fetches the current Watch Set once.
func (p *Poller) poll(ctx context.Context, timeout time.Duration) {
	keys := p.watch.WatchSet()
	if len(keys) == 0 {
		p.logger.Debug("no instruments to poll")
		return
	}

	start := time.Now()
	p.ticks.Add(1)
	p.lastTick.Store(start.UnixNano())

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := p.fetcher.Fetch(pollCtx, keys)

	// Stopped while fetching: drop the result.
	if ctx.Err() != nil {
		return
	}

	if err != nil {
		p.failures.Add(1)
		p.logger.Warn("poll failed",
			"instruments", len(keys),
			"error", err,
		)
	}

	if p.handler != nil {
		p.handler.HandleTick(res, err)
	}

	p.logger.Debug("poll cycle complete",
		"instruments", len(keys),
		"fetched", res.Fetched,
		"cached", res.Cached,
		"deduped", res.Deduped,
		"limited", res.Limited,
		"duration", time.Since(start),
	)
}
