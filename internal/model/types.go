package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Errors
var (
	ErrEmptyChain      = errors.New("instrument key: chain is required")
	ErrInvalidAddress  = errors.New("instrument key: invalid address")
	ErrMissingIdentity = errors.New("instrument key: address or symbol is required")
	ErrInvalidPrice    = errors.New("quote: price must be a finite positive number")
	ErrMissingTime     = errors.New("quote: timestamp is required")
)

// -----------------------------------------------------------------------------
// Instrument identity
// -----------------------------------------------------------------------------

// InstrumentKey identifies what is being priced.
// Address-keyed instruments take precedence; Symbol alone is accepted for
// off-chain reference assets.
type InstrumentKey struct {
	Chain   string `json:"chain"`
	Address string `json:"address,omitempty"`
	Symbol  string `json:"symbol,omitempty"`
}

// Normalize returns the key with trimmed, case-folded components.
func (k InstrumentKey) Normalize() InstrumentKey {
	return InstrumentKey{
		Chain:   strings.ToLower(strings.TrimSpace(k.Chain)),
		Address: strings.ToLower(strings.TrimSpace(k.Address)),
		Symbol:  strings.ToUpper(strings.TrimSpace(k.Symbol)),
	}
}

// ID returns the canonical identity string ("chain:address" or "chain:SYMBOL").
func (k InstrumentKey) ID() string {
	n := k.Normalize()
	if n.Address != "" {
		return n.Chain + ":" + n.Address
	}
	return n.Chain + ":" + n.Symbol
}

// Equal reports whether both keys name the same instrument.
func (k InstrumentKey) Equal(other InstrumentKey) bool {
	return k.ID() == other.ID()
}

// Validate rejects keys that must never enter the watch set.
func (k InstrumentKey) Validate() error {
	n := k.Normalize()
	if n.Chain == "" {
		return ErrEmptyChain
	}
	switch n.Address {
	case "undefined", "null":
		return fmt.Errorf("%w: %q", ErrInvalidAddress, k.Address)
	case "":
		if n.Symbol == "" || n.Symbol == "UNDEFINED" || n.Symbol == "NULL" {
			return ErrMissingIdentity
		}
	}
	return nil
}

// KeyFor builds a key from a chain and an identifier that is either an
// address (0x-prefixed, or a placeholder such as "undefined") or a symbol.
func KeyFor(chain, id string) InstrumentKey {
	key := InstrumentKey{Chain: chain}
	trimmed := strings.TrimSpace(id)
	switch lower := strings.ToLower(trimmed); {
	case strings.HasPrefix(lower, "0x"), lower == "undefined", lower == "null":
		key.Address = trimmed
	default:
		key.Symbol = trimmed
	}
	return key
}

// ParseKey parses "chain:address" or "chain:SYMBOL".
func ParseKey(s string) (InstrumentKey, error) {
	chain, id, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return InstrumentKey{}, fmt.Errorf("parse instrument %q: want chain:id", s)
	}
	key := KeyFor(chain, id)
	if err := key.Validate(); err != nil {
		return InstrumentKey{}, fmt.Errorf("parse instrument %q: %w", s, err)
	}
	return key.Normalize(), nil
}

// ParseKeys parses a comma-separated list of keys.
func ParseKeys(csv string) ([]InstrumentKey, error) {
	var keys []InstrumentKey
	for _, part := range strings.Split(csv, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := ParseKey(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// String implements fmt.Stringer.
func (k InstrumentKey) String() string {
	return k.ID()
}

// -----------------------------------------------------------------------------
// Quotes
// -----------------------------------------------------------------------------

// QuoteSource records which path produced a quote.
type QuoteSource string

const (
	SourcePush      QuoteSource = "push"
	SourcePull      QuoteSource = "pull"
	SourceSynthetic QuoteSource = "synthetic"
)

// Quote is a timestamped price observation for one instrument.
// Quotes are values: a newer quote supersedes an older one, it is never mutated.
type Quote struct {
	Key              InstrumentKey `json:"key"`
	Price            float64       `json:"price"`
	Change24h        float64       `json:"change_24h"`
	ChangePercent24h float64       `json:"change_percent_24h"`
	Volume24h        *float64      `json:"volume_24h,omitempty"`
	MarketCap        *float64      `json:"market_cap,omitempty"`
	ObservedAt       time.Time     `json:"observed_at"`
	Source           QuoteSource   `json:"source"`
}

// ID returns the instrument identity of the quote.
func (q Quote) ID() string {
	return q.Key.ID()
}

// Supersedes reports whether q was observed strictly after other.
func (q Quote) Supersedes(other Quote) bool {
	return q.ObservedAt.After(other.ObservedAt)
}

// IsSynthetic reports whether q was fabricated by the degraded-data fallback.
func (q Quote) IsSynthetic() bool {
	return q.Source == SourceSynthetic
}

// Validate checks the invariants every published quote must satisfy.
func (q Quote) Validate() error {
	if err := q.Key.Validate(); err != nil {
		return err
	}
	if math.IsNaN(q.Price) || math.IsInf(q.Price, 0) || q.Price <= 0 {
		return ErrInvalidPrice
	}
	if q.ObservedAt.IsZero() {
		return ErrMissingTime
	}
	return nil
}

// -----------------------------------------------------------------------------
// Connection state
// -----------------------------------------------------------------------------

// ConnectionState is the lifecycle state of the push transport.
type ConnectionState string

const (
	StateIdle         ConnectionState = "idle"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StatePolling      ConnectionState = "polling"
	StateClosed       ConnectionState = "closed"
)
