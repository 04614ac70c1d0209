package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rwa-market/pricesync/internal/api"
	"github.com/rwa-market/pricesync/internal/model"
)

// ErrDegraded marks quotes synthesized because the provider was unavailable.
var ErrDegraded = errors.New("quote provider unavailable, serving synthetic quotes")

// DefaultTimeout bounds a single batched fetch.
const DefaultTimeout = 10 * time.Second

// QuoteClient is the pull transport used by the adapter.
type QuoteClient interface {
	GetQuotes(ctx context.Context, keys []model.InstrumentKey) (*api.QuotesResponse, error)
}

// AnchorFunc returns the last known real price for key, if any.
type AnchorFunc func(key model.InstrumentKey) (float64, bool)

// Adapter fetches quotes from the provider with a synthetic fallback.
type Adapter struct {
	client  QuoteClient
	timeout time.Duration
	anchor  AnchorFunc
	walk    *Walk
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout bounds each batched fetch.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAnchor sets the last-known-price lookup used to anchor synthetic quotes.
func WithAnchor(fn AnchorFunc) Option {
	return func(a *Adapter) {
		a.anchor = fn
	}
}

// WithWalk replaces the synthetic price model.
func WithWalk(w *Walk) Option {
	return func(a *Adapter) {
		a.walk = w
	}
}

// WithClock overrides the timestamp source for synthetic quotes.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdapter creates an adapter over client.
func NewAdapter(client QuoteClient, opts ...Option) *Adapter {
	a := &Adapter{
		client:  client,
		timeout: DefaultTimeout,
		walk:    NewWalk(nil),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Fetch returns quotes for keys from a single upstream request. On failure it
// returns a synthetic quote for every key together with ErrDegraded.
func (a *Adapter) Fetch(ctx context.Context, keys []model.InstrumentKey) ([]model.Quote, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	resp, err := a.client.GetQuotes(fetchCtx, keys)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Warn("quote fetch failed, synthesizing",
			"instruments", len(keys),
			"error", err,
		)
		return a.synthesize(keys), fmt.Errorf("%w: %w", ErrDegraded, err)
	}

	return a.partition(keys, resp.Quotes), nil
}

// partition maps wire quotes back onto requested keys.
func (a *Adapter) partition(keys []model.InstrumentKey, wire []model.WireQuote) []model.Quote {
	requested := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		requested[k.ID()] = struct{}{}
	}

	quotes := make([]model.Quote, 0, len(keys))
	for _, w := range wire {
		id := w.Key().ID()
		if _, ok := requested[id]; !ok {
			a.logger.Debug("dropping unrequested quote", "instrument", id)
			continue
		}
		q, err := w.ToQuote(model.SourcePull)
		if err != nil {
			a.logger.Warn("dropping malformed quote", "instrument", id, "error", err)
			continue
		}
		delete(requested, id)
		quotes = append(quotes, q)
	}

	if len(requested) > 0 {
		a.logger.Debug("provider returned no quote for some instruments", "missing", len(requested))
	}
	return quotes
}

// synthesize builds one degraded quote per key.
func (a *Adapter) synthesize(keys []model.InstrumentKey) []model.Quote {
	now := a.now()
	quotes := make([]model.Quote, 0, len(keys))
	for _, k := range keys {
		anchor, ok := 0.0, false
		if a.anchor != nil {
			anchor, ok = a.anchor(k)
		}
		if !ok || anchor <= 0 {
			anchor = BasePrice(k)
		}

		price := a.walk.Next(k.ID(), anchor)
		change := price - anchor
		quotes = append(quotes, model.Quote{
			Key:              k.Normalize(),
			Price:            price,
			Change24h:        change,
			ChangePercent24h: change / anchor * 100,
			ObservedAt:       now,
			Source:           model.SourceSynthetic,
		})
	}
	return quotes
}
