package engine

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rwa-market/pricesync/internal/cache"
	"github.com/rwa-market/pricesync/internal/connection"
	"github.com/rwa-market/pricesync/internal/dedup"
	"github.com/rwa-market/pricesync/internal/model"
	"github.com/rwa-market/pricesync/internal/poller"
	"github.com/rwa-market/pricesync/internal/registry"
	"github.com/rwa-market/pricesync/internal/source"
)

// ErrClosed is recorded when an operation arrives after Close.
var ErrClosed = errors.New("engine closed")

// Config holds engine configuration.
type Config struct {
	Connection connection.ManagerConfig
	Poller     poller.Config
	Fetcher    dedup.FetcherConfig
	CacheTTL   time.Duration // Fresh window (default: 60s)
	StaleTTL   time.Duration // Rate-limit fallback window (default: 5m)
	Timeout    time.Duration // Upstream fetch timeout (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Connection: connection.DefaultManagerConfig(),
		Poller:     poller.DefaultConfig(),
		Fetcher:    dedup.DefaultFetcherConfig(),
		CacheTTL:   cache.DefaultTTL,
		StaleTTL:   cache.DefaultStaleTTL,
		Timeout:    source.DefaultTimeout,
	}
}

// Archiver receives every accepted quote.
type Archiver interface {
	Enqueue(q model.Quote) bool
}

// Status is the observable state of the engine.
type Status struct {
	State               model.ConnectionState `json:"state"`
	Connected           bool                  `json:"is_connected"`
	LastUpdated         time.Time             `json:"last_updated"`
	Error               string                `json:"error,omitempty"`
	PollError           string                `json:"poll_error,omitempty"`
	Degraded            bool                  `json:"degraded"`
	EndpointUnavailable bool                  `json:"endpoint_unavailable"`
	Attempts            int                   `json:"attempts"`
	Watching            int                   `json:"watching"`
	Subscriptions       int                   `json:"subscriptions"`
	Polling             poller.Stats          `json:"-"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithArchive hands every accepted quote to a.
func WithArchive(a Archiver) Option {
	return func(e *Engine) {
		e.archive = a
	}
}

// WithMirror enables a cross-process quote mirror for the rate-limited path.
func WithMirror(m cache.Mirror) Option {
	return func(e *Engine) {
		e.fetcherOpts = append(e.fetcherOpts, dedup.WithMirror(m))
	}
}

// WithConnectionOptions passes options to every Connection Manager the
// engine creates.
func WithConnectionOptions(opts ...connection.Option) Option {
	return func(e *Engine) {
		e.connOpts = append(e.connOpts, opts...)
	}
}

// WithSourceOptions passes options to the quote source adapter.
func WithSourceOptions(opts ...source.Option) Option {
	return func(e *Engine) {
		e.sourceOpts = append(e.sourceOpts, opts...)
	}
}

// Engine keeps quotes for watched instruments current.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	archive Archiver

	registry *registry.Registry
	cache    *cache.Cache
	fetcher  *dedup.Fetcher
	poller   *poller.Poller

	connOpts    []connection.Option
	sourceOpts  []source.Option
	fetcherOpts []dedup.FetcherOption

	// publishMu serializes the publish path.
	publishMu sync.Mutex

	stateMu     sync.RWMutex
	latest      map[string]model.Quote
	lastReal    map[string]model.Quote // last non-synthetic quote per instrument
	lastUpdated time.Time
	pullErr     error
	closed      bool

	lifeMu  sync.Mutex
	manager *connection.Manager
}

// New creates an Engine that pulls quotes through client.
func New(cfg Config, client source.QuoteClient, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		latest:   make(map[string]model.Quote),
		lastReal: make(map[string]model.Quote),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.registry = registry.New(e.logger)
	e.cache = cache.New(cfg.CacheTTL, cfg.StaleTTL)

	sourceOpts := append([]source.Option{
		source.WithTimeout(cfg.Timeout),
		source.WithAnchor(e.anchor),
		source.WithLogger(e.logger),
	}, e.sourceOpts...)
	adapter := source.NewAdapter(client, sourceOpts...)

	fetcherOpts := append([]dedup.FetcherOption{dedup.WithLogger(e.logger)}, e.fetcherOpts...)
	e.fetcher = dedup.NewFetcher(cfg.Fetcher, adapter, e.cache, fetcherOpts...)

	e.poller = poller.New(cfg.Poller, e.fetcher, e.registry, poller.HandlerFunc(e.handleTick), e.logger)

	return e
}

// Subscribe registers cb for quotes of key and adds key to the Watch Set.
// An invalid key yields a no-op unsubscribe. cb must not call Refresh.
func (e *Engine) Subscribe(key model.InstrumentKey, cb func(model.Quote)) func() {
	return e.registry.Subscribe(key, cb)
}

// Watch adds instruments to the Watch Set without a callback.
func (e *Engine) Watch(keys ...model.InstrumentKey) int {
	return e.registry.Watch(keys...)
}

// Unwatch removes callback-less interest in instruments.
func (e *Engine) Unwatch(keys ...model.InstrumentKey) int {
	return e.registry.Unwatch(keys...)
}

// WatchSet returns the instruments currently watched.
func (e *Engine) WatchSet() []model.InstrumentKey {
	return e.registry.WatchSet()
}

// GetQuote returns the latest accepted quote for key.
func (e *Engine) GetQuote(key model.InstrumentKey) (model.Quote, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	q, ok := e.latest[key.ID()]
	return q, ok
}

// Quotes returns the latest quote of every watched instrument that has one.
func (e *Engine) Quotes() []model.Quote {
	keys := e.registry.WatchSet()

	e.stateMu.RLock()
	defer e.stateMu.RUnlock()

	quotes := make([]model.Quote, 0, len(keys))
	for _, k := range keys {
		if q, ok := e.latest[k.ID()]; ok {
			quotes = append(quotes, q)
		}
	}
	sort.Slice(quotes, func(i, j int) bool { return quotes[i].ID() < quotes[j].ID() })
	return quotes
}

// StartUpdates starts the push transport, falling back to polling every
// interval. A non-positive interval keeps the configured one. Starting while
// running is a no-op.
func (e *Engine) StartUpdates(ctx context.Context, interval time.Duration) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	e.stateMu.RLock()
	closed := e.closed
	e.stateMu.RUnlock()
	if closed {
		return ErrClosed
	}

	if e.manager != nil {
		return nil
	}

	e.poller.SetInterval(interval)

	mgrOpts := append([]connection.Option{connection.WithLogger(e.logger)}, e.connOpts...)
	m := connection.NewManager(e.cfg.Connection, e.registry, e.poller, e.publish, mgrOpts...)
	if err := m.Start(ctx); err != nil {
		return err
	}
	e.manager = m

	e.logger.Info("updates started", "poll_interval", e.poller.Interval())
	return nil
}

// StopUpdates tears down both transports. When it returns, no transport
// publishes another quote until StartUpdates is called again.
func (e *Engine) StopUpdates(ctx context.Context) error {
	e.lifeMu.Lock()
	m := e.manager
	e.manager = nil
	e.lifeMu.Unlock()

	if m == nil {
		return nil
	}

	err := m.Stop(ctx)
	// The manager stops the poller on teardown; this covers a timed-out stop.
	if perr := e.poller.Stop(ctx); err == nil {
		err = perr
	}

	e.logger.Info("updates stopped")
	return err
}

// Close stops updates and rejects every later publish.
func (e *Engine) Close(ctx context.Context) error {
	err := e.StopUpdates(ctx)

	e.publishMu.Lock()
	e.stateMu.Lock()
	e.closed = true
	e.stateMu.Unlock()
	e.publishMu.Unlock()

	e.registry.Clear()
	return err
}

// Reconnect resets the push transport's attempt counter and reconnects.
func (e *Engine) Reconnect() error {
	e.lifeMu.Lock()
	m := e.manager
	e.lifeMu.Unlock()

	if m == nil {
		return connection.ErrManagerClosed
	}
	return m.Reconnect()
}

// Refresh pulls the Watch Set once through the dedup path and publishes the
// result. Errors are recorded in Status, never returned.
func (e *Engine) Refresh(ctx context.Context) dedup.Result {
	keys := e.registry.WatchSet()
	if len(keys) == 0 {
		return dedup.Result{}
	}
	res, err := e.fetcher.Fetch(ctx, keys)
	e.handleTick(res, err)
	return res
}

// Limiter exposes the upstream rate limiter.
func (e *Engine) Limiter() *dedup.SlidingLimiter {
	return e.fetcher.Limiter()
}

// Status returns the observable state.
func (e *Engine) Status() Status {
	e.lifeMu.Lock()
	m := e.manager
	e.lifeMu.Unlock()

	e.stateMu.RLock()
	s := Status{
		State:       model.StateIdle,
		LastUpdated: e.lastUpdated,
	}
	pullErr := e.pullErr
	if e.closed {
		s.State = model.StateClosed
	}
	e.stateMu.RUnlock()

	if m != nil {
		cs := m.Status()
		s.State = cs.State
		s.Connected = cs.Connected
		s.Degraded = cs.Degraded
		s.EndpointUnavailable = cs.EndpointUnavailable
		s.Attempts = cs.Attempts
		s.Error = cs.Error
	}
	// The last poll error is reported alongside any transport error and
	// cleared by the next successful tick.
	if pullErr != nil {
		s.PollError = pullErr.Error()
		if s.Error == "" {
			s.Error = s.PollError
		} else {
			s.Error += "; " + s.PollError
		}
	}

	s.Watching = e.registry.Len()
	s.Subscriptions = e.registry.Subscriptions()
	s.Polling = e.poller.Stats()
	return s
}

// handleTick publishes a pull result and records its error.
func (e *Engine) handleTick(res dedup.Result, err error) {
	e.publish(res.Quotes)

	e.stateMu.Lock()
	e.pullErr = err
	e.stateMu.Unlock()
}

// publish is the single entry point for quotes from both transports.
func (e *Engine) publish(quotes []model.Quote) {
	if len(quotes) == 0 {
		return
	}

	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	for _, q := range quotes {
		if !e.accept(q) {
			continue
		}
		e.cache.Set(q)
		e.registry.Dispatch(q)
		if e.archive != nil {
			e.archive.Enqueue(q)
		}
	}
}

// accept records q as the latest quote for its instrument when it is the
// first one or strictly newer. A real quote displacing a synthetic one is
// ordered against the last real quote only.
func (e *Engine) accept(q model.Quote) bool {
	id := q.ID()

	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.closed {
		return false
	}
	prev, ok := e.latest[id]
	if ok && prev.IsSynthetic() && !q.IsSynthetic() {
		prev, ok = e.lastReal[id]
	}
	if ok && !q.Supersedes(prev) {
		e.logger.Debug("ignoring out-of-order quote",
			"instrument", id,
			"observed_at", q.ObservedAt,
			"latest", prev.ObservedAt,
		)
		return false
	}

	e.latest[id] = q
	if !q.IsSynthetic() {
		e.lastReal[id] = q
	}
	if q.ObservedAt.After(e.lastUpdated) {
		e.lastUpdated = q.ObservedAt
	}
	return true
}

// anchor returns the last real price for key.
func (e *Engine) anchor(key model.InstrumentKey) (float64, bool) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	q, ok := e.lastReal[key.ID()]
	return q.Price, ok
}
