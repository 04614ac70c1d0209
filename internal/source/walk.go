package source

import (
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/rwa-market/pricesync/internal/model"
)

// Random walk bounds, as fractions of the anchor price.
const (
	MaxStep  = 0.02
	MaxDrift = 0.10
)

// DefaultBasePrice anchors instruments missing from the base table.
const DefaultBasePrice = 1.0

// basePrices seeds synthetic quotes for well-known reference symbols.
var basePrices = map[string]float64{
	"USDC":  1.0,
	"USDT":  1.0,
	"DAI":   1.0,
	"PAXG":  2350.0,
	"XAUT":  2350.0,
	"ETH":   3200.0,
	"WETH":  3200.0,
	"BTC":   62000.0,
	"WBTC":  62000.0,
	"MATIC": 0.7,
	"OUSG":  105.0,
	"BUIDL": 1.0,
	"USDY":  1.05,
}

// BasePrice returns the synthetic anchor for key's symbol.
func BasePrice(key model.InstrumentKey) float64 {
	if p, ok := basePrices[strings.ToUpper(strings.TrimSpace(key.Symbol))]; ok {
		return p
	}
	return DefaultBasePrice
}

// Walk is a bounded per-instrument random walk. Each step moves at most
// MaxStep and the walk never leaves MaxDrift around its anchor.
type Walk struct {
	mu      sync.Mutex
	offsets map[string]float64 // current offset as a fraction of the anchor
	rnd     func() float64     // uniform in [0, 1)
}

// NewWalk creates a walk. A nil rnd uses math/rand/v2.
func NewWalk(rnd func() float64) *Walk {
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Walk{
		offsets: make(map[string]float64),
		rnd:     rnd,
	}
}

// Next advances the walk for id and returns a price around anchor.
func (w *Walk) Next(id string, anchor float64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	step := (w.rnd()*2 - 1) * MaxStep
	off := w.offsets[id] + step
	if off > MaxDrift {
		off = MaxDrift
	}
	if off < -MaxDrift {
		off = -MaxDrift
	}
	w.offsets[id] = off

	return anchor * (1 + off)
}
