package dedup

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rwa-market/pricesync/internal/cache"
	"github.com/rwa-market/pricesync/internal/model"
)

// Source fetches a batch of quotes from upstream. On failure it may still
// return degraded quotes together with the error.
type Source interface {
	Fetch(ctx context.Context, keys []model.InstrumentKey) ([]model.Quote, error)
}

// Result describes how a Fetch was served.
type Result struct {
	Quotes  []model.Quote
	Fetched int  // quotes obtained from the source
	Cached  int  // quotes served from cache or mirror
	Deduped bool // identical request seen within the window
	Limited bool // rate limiter denied the upstream call
}

// FetcherConfig holds fetch path settings.
type FetcherConfig struct {
	DedupWindow     time.Duration // Identical watch-set window (default: 5s)
	RateLimit       int           // Upstream calls per window (default: 50)
	RateLimitWindow time.Duration // Sliding window length (default: 60s)
	MirrorTTL       time.Duration // TTL for mirrored quotes (default: 5m)
	MirrorTimeout   time.Duration // Per-call mirror timeout (default: 500ms)
}

// DefaultFetcherConfig returns sensible defaults.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		DedupWindow:     DefaultWindow,
		RateLimit:       DefaultRateLimit,
		RateLimitWindow: DefaultRateLimitWindow,
		MirrorTTL:       cache.DefaultStaleTTL,
		MirrorTimeout:   500 * time.Millisecond,
	}
}

// Fetcher is the deduplicated, rate-limited, cache-backed path to the source.
type Fetcher struct {
	cfg     FetcherConfig
	source  Source
	cache   *cache.Cache
	mirror  cache.Mirror
	window  *Window
	limiter *SlidingLimiter
	flight  singleflight.Group
	logger  *slog.Logger
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithMirror sets a shared mirror consulted when the limiter denies a call.
func WithMirror(m cache.Mirror) FetcherOption {
	return func(f *Fetcher) {
		f.mirror = m
	}
}

// WithClock overrides the time source of the window and the limiter.
func WithClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) {
		f.window = NewWindow(f.cfg.DedupWindow, now)
		f.limiter = NewSlidingLimiter(f.cfg.RateLimit, f.cfg.RateLimitWindow, now)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFetcher creates a Fetcher.
func NewFetcher(cfg FetcherConfig, source Source, c *cache.Cache, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		cfg:     cfg,
		source:  source,
		cache:   c,
		window:  NewWindow(cfg.DedupWindow, nil),
		limiter: NewSlidingLimiter(cfg.RateLimit, cfg.RateLimitWindow, nil),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Limiter exposes the rate limiter.
func (f *Fetcher) Limiter() *SlidingLimiter {
	return f.limiter
}

// flightResult carries a coalesced upstream outcome through singleflight.
type flightResult struct {
	quotes  []model.Quote
	limited bool
	err     error
}

// Fetch resolves quotes for keys. It never fails because of rate limiting;
// the returned error is the source's degraded-data error, if any.
func (f *Fetcher) Fetch(ctx context.Context, keys []model.InstrumentKey) (Result, error) {
	keys = normalizeKeys(keys, f.logger)
	if len(keys) == 0 {
		return Result{}, nil
	}

	sig := model.Signature(keys)
	if !f.window.Check(sig) {
		f.logger.Debug("duplicate watch-set request skipped", "instruments", len(keys))
		quotes := f.fromCache(keys, false)
		return Result{Quotes: quotes, Cached: len(quotes), Deduped: true}, nil
	}

	// Read-through: fresh real cache entries short-circuit the upstream call.
	// A cached synthetic quote counts as missing.
	var res Result
	missing := make([]model.InstrumentKey, 0, len(keys))
	for _, k := range keys {
		if q, ok := f.cache.Get(k); ok && !q.IsSynthetic() {
			res.Quotes = append(res.Quotes, q)
			res.Cached++
			continue
		}
		missing = append(missing, k)
	}
	if len(missing) == 0 {
		return res, nil
	}

	v, _, _ := f.flight.Do(model.Signature(missing), func() (interface{}, error) {
		return f.fetchUpstream(ctx, missing), nil
	})
	fr := v.(flightResult)

	if fr.limited {
		res.Limited = true
		res.Cached += len(fr.quotes)
	} else {
		res.Fetched += len(fr.quotes)
	}
	res.Quotes = append(res.Quotes, fr.quotes...)

	return res, fr.err
}

// fetchUpstream calls the source, or the cache fallback when rate limited.
func (f *Fetcher) fetchUpstream(ctx context.Context, keys []model.InstrumentKey) flightResult {
	if !f.limiter.Allow() {
		f.logger.Debug("rate limit reached, serving from cache",
			"instruments", len(keys),
			"window", f.cfg.RateLimitWindow,
		)
		return flightResult{quotes: f.fromCache(keys, true), limited: true}
	}

	quotes, err := f.source.Fetch(ctx, keys)

	if f.mirror != nil && len(quotes) > 0 {
		keep := make([]model.Quote, 0, len(quotes))
		for _, q := range quotes {
			if !q.IsSynthetic() {
				keep = append(keep, q)
			}
		}
		f.storeMirror(ctx, keep)
	}

	return flightResult{quotes: quotes, err: err}
}

// fromCache serves keys from the local cache, then the mirror when stale is
// allowed. Instruments with nothing cached are omitted.
func (f *Fetcher) fromCache(keys []model.InstrumentKey, stale bool) []model.Quote {
	quotes := make([]model.Quote, 0, len(keys))
	var missing []model.InstrumentKey

	for _, k := range keys {
		var (
			q  model.Quote
			ok bool
		)
		if stale {
			q, ok = f.cache.GetStale(k)
		} else {
			q, ok = f.cache.Get(k)
		}
		if ok {
			quotes = append(quotes, q)
			continue
		}
		missing = append(missing, k)
	}

	if stale && f.mirror != nil && len(missing) > 0 {
		quotes = append(quotes, f.loadMirror(missing)...)
	}
	return quotes
}

func (f *Fetcher) loadMirror(keys []model.InstrumentKey) []model.Quote {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.MirrorTimeout)
	defer cancel()

	quotes, err := f.mirror.Load(ctx, keys)
	if err != nil {
		f.logger.Warn("mirror load failed", "error", err)
		return nil
	}
	return quotes
}

func (f *Fetcher) storeMirror(ctx context.Context, quotes []model.Quote) {
	if len(quotes) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.MirrorTimeout)
	defer cancel()

	if err := f.mirror.Store(ctx, quotes, f.cfg.MirrorTTL); err != nil {
		f.logger.Warn("mirror store failed", "error", err)
	}
}

// normalizeKeys drops invalid and duplicate keys.
func normalizeKeys(keys []model.InstrumentKey, logger *slog.Logger) []model.InstrumentKey {
	out := make([]model.InstrumentKey, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if err := k.Validate(); err != nil {
			logger.Warn("dropping invalid instrument key", "key", k.ID(), "error", err)
			continue
		}
		n := k.Normalize()
		id := n.ID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, n)
	}
	return out
}
