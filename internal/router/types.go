package router

import (
	"encoding/json"
	"time"

	"github.com/rwa-market/pricesync/internal/model"
)

// Inbound frame types.
const (
	TypePriceUpdate = "price_update"
	TypeError       = "error"
	TypeSubscribed  = "subscribed"
)

// FrameKind classifies a decoded frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FramePriceUpdate
	FrameError
	FrameControl
)

func (k FrameKind) String() string {
	switch k {
	case FramePriceUpdate:
		return "price_update"
	case FrameError:
		return "error"
	case FrameControl:
		return "control"
	default:
		return "unknown"
	}
}

// Frame is one decoded push message.
type Frame struct {
	Kind       FrameKind
	Type       string        // Raw "type" field
	Quotes     []model.Quote // FramePriceUpdate: valid quotes only
	Dropped    int           // FramePriceUpdate: malformed quotes skipped
	Message    string        // FrameError: provider error text
	ReceivedAt time.Time
}

// Stats contains decoder statistics.
type Stats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnknownMessages  int64
	DroppedQuotes    int64
}

// Wire types for JSON parsing

// messageEnvelope is used for fast type extraction.
type messageEnvelope struct {
	Type string `json:"type"`
}

// priceUpdateWire is the wire format for price_update messages.
// Quotes are decoded lazily so one bad entry does not fail the frame.
type priceUpdateWire struct {
	Type   string            `json:"type"`
	Quotes []json.RawMessage `json:"quotes"`
}

// errorWire is the wire format for error messages.
type errorWire struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// subscribeWire is the outbound subscribe message.
type subscribeWire struct {
	Type        string                `json:"type"`
	Instruments []model.InstrumentKey `json:"instruments"`
}
