package model

import (
	"sort"
	"strings"
	"time"
)

// WireQuote is the JSON shape of a quote on both transports.
type WireQuote struct {
	Chain            string   `json:"chain"`
	Address          string   `json:"address,omitempty"`
	Symbol           string   `json:"symbol,omitempty"`
	Price            float64  `json:"price"`
	Change24h        float64  `json:"change_24h"`
	ChangePercent24h float64  `json:"change_percent_24h"`
	Volume24h        *float64 `json:"volume_24h,omitempty"`
	MarketCap        *float64 `json:"market_cap,omitempty"`
	Timestamp        int64    `json:"timestamp"` // Unix milliseconds
}

// Key returns the instrument key carried by the wire quote.
func (w WireQuote) Key() InstrumentKey {
	return InstrumentKey{Chain: w.Chain, Address: w.Address, Symbol: w.Symbol}
}

// ToQuote converts and validates a wire quote.
func (w WireQuote) ToQuote(source QuoteSource) (Quote, error) {
	q := Quote{
		Key:              w.Key().Normalize(),
		Price:            w.Price,
		Change24h:        w.Change24h,
		ChangePercent24h: w.ChangePercent24h,
		Volume24h:        w.Volume24h,
		MarketCap:        w.MarketCap,
		Source:           source,
	}
	if w.Timestamp > 0 {
		q.ObservedAt = time.UnixMilli(w.Timestamp).UTC()
	}
	if err := q.Validate(); err != nil {
		return Quote{}, err
	}
	return q, nil
}

// FromQuote builds the wire form of a quote.
func FromQuote(q Quote) WireQuote {
	return WireQuote{
		Chain:            q.Key.Chain,
		Address:          q.Key.Address,
		Symbol:           q.Key.Symbol,
		Price:            q.Price,
		Change24h:        q.Change24h,
		ChangePercent24h: q.ChangePercent24h,
		Volume24h:        q.Volume24h,
		MarketCap:        q.MarketCap,
		Timestamp:        q.ObservedAt.UnixMilli(),
	}
}

// Signature returns an order-independent identity for a set of keys.
// Two watch sets with the same members produce the same signature.
func Signature(keys []InstrumentKey) string {
	ids := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		id := k.ID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}
